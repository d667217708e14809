package pipelines

import (
	"context"

	"github.com/koscakluka/ema-live/core/messages"
)

// FinalTranscripts drops speech transcripts marked non-final, so only whole
// utterances reach a decision. Other messages pass unchanged.
type FinalTranscripts struct{}

func (FinalTranscripts) Name() string { return "final_transcripts" }

func (FinalTranscripts) Process(_ context.Context, message messages.NormalizedMessage) (messages.NormalizedMessage, bool, error) {
	if _, ok := message.Content.(messages.AudioContent); !ok {
		return message, true, nil
	}
	if final, ok := message.Metadata["final"].(bool); ok && !final {
		return message, false, nil
	}
	return message, true, nil
}
