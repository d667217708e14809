// Package intents defines the structured behavioural decision derived from a
// canonical message: an emotion, a response text and prioritized actions.
//
// An Intent is a value object. Constructors and accessors copy slices and
// maps so an Intent handed to several consumers cannot be changed by any of
// them.
package intents

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

type Emotion string

const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionSurprised Emotion = "surprised"
	EmotionLove      Emotion = "love"
)

var Emotions = []Emotion{
	EmotionNeutral, EmotionHappy, EmotionSad, EmotionAngry, EmotionSurprised, EmotionLove,
}

func (e Emotion) Valid() bool { return slices.Contains(Emotions, e) }

func ParseEmotion(value string) (Emotion, error) {
	if emotion := Emotion(value); emotion.Valid() {
		return emotion, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEmotion, value)
}

type ActionType string

const (
	ActionExpression ActionType = "expression"
	ActionHotkey     ActionType = "hotkey"
	ActionEmoji      ActionType = "emoji"
	ActionBlink      ActionType = "blink"
	ActionNod        ActionType = "nod"
	ActionShake      ActionType = "shake"
	ActionWave       ActionType = "wave"
	ActionClap       ActionType = "clap"
	ActionNone       ActionType = "none"
)

var ActionTypes = []ActionType{
	ActionExpression, ActionHotkey, ActionEmoji, ActionBlink, ActionNod,
	ActionShake, ActionWave, ActionClap, ActionNone,
}

func (t ActionType) Valid() bool { return slices.Contains(ActionTypes, t) }

// IsMotion reports whether the action is a body motion (blink, nod, ...).
func (t ActionType) IsMotion() bool {
	switch t {
	case ActionBlink, ActionNod, ActionShake, ActionWave, ActionClap:
		return true
	}
	return false
}

func ParseActionType(value string) (ActionType, error) {
	if actionType := ActionType(value); actionType.Valid() {
		return actionType, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownActionType, value)
}

const (
	MinPriority = 0
	MaxPriority = 100
)

type Action struct {
	Type     ActionType        `json:"type" jsonschema:"title=Type,description=What the avatar should do,enum=expression,enum=hotkey,enum=emoji,enum=blink,enum=nod,enum=shake,enum=wave,enum=clap,enum=none"`
	Params   map[string]string `json:"params" jsonschema:"title=Params,description=Action specific arguments such as name or glyph"`
	Priority int               `json:"priority" jsonschema:"title=Priority,description=Higher runs first,minimum=0,maximum=100"`
}

func (a Action) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
	if a.Priority < MinPriority || a.Priority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrPriorityOutOfRange, a.Priority)
	}
	return nil
}

func (a Action) clone() Action {
	a.Params = maps.Clone(a.Params)
	return a
}

// Intent is the structured decision for one message. The JSON form of Intent
// is the schema requested from structured-output LLMs.
type Intent struct {
	Emotion      Emotion  `json:"emotion" jsonschema:"title=Emotion,description=Emotion of the reply,enum=neutral,enum=happy,enum=sad,enum=angry,enum=surprised,enum=love"`
	ResponseText string   `json:"response_text" jsonschema:"title=Response text,description=What the assistant says"`
	Actions      []Action `json:"actions" jsonschema:"title=Actions,description=Avatar actions to perform"`
}

// New builds an Intent, copying the given actions.
func New(emotion Emotion, responseText string, actions ...Action) Intent {
	intent := Intent{Emotion: emotion, ResponseText: responseText, Actions: []Action{}}
	for _, action := range actions {
		intent.Actions = append(intent.Actions, action.clone())
	}
	return intent
}

func (i Intent) Validate() error {
	if !i.Emotion.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEmotion, i.Emotion)
	}
	for idx, action := range i.Actions {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", idx, err)
		}
	}
	return nil
}

// OrderedActions returns a copy of the actions sorted by descending priority.
// Actions with equal priority keep their original order.
func (i Intent) OrderedActions() []Action {
	ordered := make([]Action, 0, len(i.Actions))
	for _, action := range i.Actions {
		ordered = append(ordered, action.clone())
	}
	slices.SortStableFunc(ordered, func(a, b Action) int { return b.Priority - a.Priority })
	return ordered
}

// Clone returns a deep copy of the intent.
func (i Intent) Clone() Intent {
	return New(i.Emotion, i.ResponseText, i.Actions...)
}

// Equal compares two intents, treating nil and empty params/actions alike.
func (i Intent) Equal(other Intent) bool {
	if i.Emotion != other.Emotion || i.ResponseText != other.ResponseText {
		return false
	}
	return slices.EqualFunc(i.Actions, other.Actions, func(a, b Action) bool {
		return a.Type == b.Type && a.Priority == b.Priority && maps.Equal(a.Params, b.Params)
	})
}

func (i Intent) MarshalJSON() ([]byte, error) {
	type plain Intent
	wire := plain(i.Clone())
	for idx := range wire.Actions {
		if wire.Actions[idx].Params == nil {
			wire.Actions[idx].Params = map[string]string{}
		}
	}
	return json.Marshal(wire)
}

// Unmarshal decodes an Intent from its JSON schema form and validates it.
func Unmarshal(data []byte) (Intent, error) {
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return Intent{}, fmt.Errorf("failed to decode intent: %w", err)
	}
	if err := intent.Validate(); err != nil {
		return Intent{}, err
	}
	return intent.Clone(), nil
}
