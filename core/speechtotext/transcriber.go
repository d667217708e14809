// Package speechtotext holds the streaming transcription surface used by the
// voice input provider.
package speechtotext

import (
	"context"

	"github.com/koscakluka/ema-live/core/audio"
)

// Transcript is a piece of recognized speech. Final transcripts carry a
// complete utterance; interim ones the utterance so far.
type Transcript struct {
	Text  string
	Final bool
}

// Transcriber streams audio from chunks to a recognizer and reports
// transcripts until ctx ends or chunks is closed.
type Transcriber interface {
	Transcribe(ctx context.Context, chunks <-chan []byte, onTranscript func(Transcript)) error
	Encoding() audio.EncodingInfo
}
