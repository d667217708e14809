package intents

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedActionsIsStableDescending(t *testing.T) {
	intent := New(EmotionHappy, "hi",
		Action{Type: ActionHotkey, Params: map[string]string{"name": "a"}, Priority: 10},
		Action{Type: ActionEmoji, Params: map[string]string{"glyph": "b"}, Priority: 50},
		Action{Type: ActionHotkey, Params: map[string]string{"name": "c"}, Priority: 10},
		Action{Type: ActionWave, Priority: 90},
	)

	ordered := intent.OrderedActions()

	require.Len(t, ordered, 4)
	assert.Equal(t, ActionWave, ordered[0].Type)
	assert.Equal(t, ActionEmoji, ordered[1].Type)
	assert.Equal(t, "a", ordered[2].Params["name"])
	assert.Equal(t, "c", ordered[3].Params["name"])
	// The intent itself keeps insertion order.
	assert.Equal(t, ActionHotkey, intent.Actions[0].Type)
}

func TestNewCopiesActionParams(t *testing.T) {
	params := map[string]string{"name": "wave"}
	intent := New(EmotionNeutral, "", Action{Type: ActionHotkey, Params: params, Priority: 1})

	params["name"] = "changed"

	assert.Equal(t, "wave", intent.Actions[0].Params["name"])
}

func TestIntentJSONRoundTrip(t *testing.T) {
	cases := []Intent{
		New(EmotionNeutral, ""),
		New(EmotionLove, "thanks for the gift!",
			Action{Type: ActionExpression, Params: map[string]string{"name": "heart_eyes"}, Priority: 80},
			Action{Type: ActionClap, Priority: 20},
		),
		{Emotion: EmotionSad, ResponseText: "oh no"},
	}

	for _, intent := range cases {
		data, err := json.Marshal(intent)
		require.NoError(t, err)

		parsed, err := Unmarshal(data)
		require.NoError(t, err)
		assert.True(t, intent.Equal(parsed), "round trip changed %s", data)

		again, err := json.Marshal(parsed)
		require.NoError(t, err)
		assert.JSONEq(t, string(data), string(again))
	}
}

func TestUnmarshalRejectsInvalidEnums(t *testing.T) {
	_, err := Unmarshal([]byte(`{"emotion":"bored","response_text":"","actions":[]}`))
	assert.ErrorIs(t, err, ErrUnknownEmotion)

	_, err = Unmarshal([]byte(`{"emotion":"happy","response_text":"","actions":[{"type":"dance","priority":1}]}`))
	assert.ErrorIs(t, err, ErrUnknownActionType)

	_, err = Unmarshal([]byte(`{"emotion":"happy","response_text":"","actions":[{"type":"nod","priority":101}]}`))
	assert.ErrorIs(t, err, ErrPriorityOutOfRange)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestActionTypeMotion(t *testing.T) {
	assert.True(t, ActionNod.IsMotion())
	assert.False(t, ActionHotkey.IsMotion())

	actionType, err := ParseActionType("clap")
	require.NoError(t, err)
	assert.Equal(t, ActionClap, actionType)

	_, err = ParseEmotion("")
	assert.ErrorIs(t, err, ErrUnknownEmotion)
}
