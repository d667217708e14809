package langchain

import (
	"context"
	"testing"

	"github.com/koscakluka/ema-live/core/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lc "github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply    string
	messages []lc.MessageContent
	options  lc.CallOptions
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []lc.MessageContent, options ...lc.CallOption) (*lc.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.options)
	}
	return &lc.ContentResponse{Choices: []*lc.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...lc.CallOption) (string, error) {
	return lc.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type mood struct {
	Mood string `json:"mood"`
}

func TestPromptWithStructureUsesJSONMode(t *testing.T) {
	model := &fakeModel{reply: `{"mood":"calm"}`}
	client := NewFromModel(model, BackendOpenAI)

	var out mood
	require.NoError(t, client.PromptWithStructure(context.Background(), "hi", &out, llms.WithSystemPrompt("classify")))

	assert.Equal(t, "calm", out.Mood)
	assert.True(t, model.options.JSONMode)
	require.Len(t, model.messages, 2)
	assert.Equal(t, lc.ChatMessageTypeSystem, model.messages[0].Role)
}

func TestChatMapsRolesAndOptions(t *testing.T) {
	model := &fakeModel{reply: "sure"}
	client := NewFromModel(model, BackendAnthropic)

	reply, err := client.Chat(context.Background(), "and now?",
		llms.WithHistory([]llms.Message{{Role: llms.RoleAssistant, Content: "before"}}),
		llms.WithTemperature(0.2),
	)

	require.NoError(t, err)
	assert.Equal(t, "sure", reply)
	require.Len(t, model.messages, 2)
	assert.Equal(t, lc.ChatMessageTypeAI, model.messages[0].Role)
	assert.Equal(t, lc.ChatMessageTypeHuman, model.messages[1].Role)
	assert.InDelta(t, 0.2, model.options.Temperature, 1e-9)
}

func TestEmptyReplyIsAnError(t *testing.T) {
	client := NewFromModel(&fakeModel{}, BackendGoogleAI)

	_, err := client.Chat(context.Background(), "hi")

	assert.ErrorIs(t, err, llms.ErrEmptyResponse)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "parrot"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}
