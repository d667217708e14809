// Package texttospeech holds the speech synthesis surface used by the tts
// output provider.
package texttospeech

import (
	"context"
	"errors"

	"github.com/koscakluka/ema-live/core/audio"
)

var ErrEmptyText = errors.New("nothing to synthesize")

// Synthesizer turns text into speech. Audio is handed to onAudio in chunks,
// in playback order, before Synthesize returns.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, onAudio func([]byte)) error
	Encoding() audio.EncodingInfo
}
