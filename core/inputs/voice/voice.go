// Package voice transcribes the streamer's microphone with Deepgram and emits
// every utterance as audio raw data.
package voice

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-live/core/audio"
	"github.com/koscakluka/ema-live/core/audio/miniaudio"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/speechtotext"
	"github.com/koscakluka/ema-live/core/speechtotext/deepgram"
)

const (
	Name = "voice"

	chunkBuffer = 64
)

type Options struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	// Interim also emits the utterance in progress, marked not final.
	Interim bool   `yaml:"interim"`
	User    string `yaml:"user"`
	Room    string `yaml:"room"`
	BaseURL string `yaml:"base_url"`
}

func DefaultOptions() Options {
	return Options{
		Model:      deepgram.DefaultModel,
		Language:   deepgram.DefaultLanguage,
		SampleRate: audio.DefaultSampleRate,
		User:       "streamer",
		Room:       "voice",
		BaseURL:    deepgram.DefaultBaseURL,
	}
}

func (o Options) Validate() error {
	if o.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if o.User == "" {
		return fmt.Errorf("user is required")
	}
	return o.encoding().Validate()
}

func (o Options) encoding() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: o.SampleRate, Format: audio.EncodingLinear16}
}

// source is an audio capture device.
type source interface {
	Start(onAudio func(audio []byte)) error
	Close() error
}

type Input struct {
	options     Options
	source      source
	transcriber speechtotext.Transcriber
	audioCtx    *miniaudio.Context
	retry       time.Duration

	dropped atomic.Int64
}

func New(options Options) *Input {
	return &Input{options: options, retry: time.Second}
}

func Factory(opts providers.Options) (providers.InputProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (i *Input) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryInput,
		Description: "Microphone transcription with Deepgram",
	}
}

// Setup opens the default capture device and prepares the transcriber.
func (i *Input) Setup(ctx context.Context, _ providers.Dependencies) ([]providers.Provider, error) {
	if i.transcriber == nil {
		client, err := deepgram.NewTranscriptionClient(i.options.APIKey,
			deepgram.WithModel(i.options.Model),
			deepgram.WithLanguage(i.options.Language),
			deepgram.WithInterimResults(i.options.Interim),
			deepgram.WithEncoding(i.options.encoding()),
			deepgram.WithBaseURL(i.options.BaseURL),
		)
		if err != nil {
			return nil, err
		}
		i.transcriber = client
	}

	if i.source == nil {
		audioCtx, err := miniaudio.NewContext()
		if err != nil {
			return nil, err
		}
		capture, err := miniaudio.NewCapture(audioCtx, i.transcriber.Encoding())
		if err != nil {
			_ = audioCtx.Close()
			return nil, err
		}
		i.audioCtx, i.source = audioCtx, capture
	}

	logger.InfoContext(ctx, "listening to microphone", "language", i.options.Language, "model", i.options.Model)
	return []providers.Provider{i}, nil
}

func (i *Input) Cleanup(context.Context) error {
	var err error
	if i.source != nil {
		err = i.source.Close()
	}
	if i.audioCtx != nil {
		if closeErr := i.audioCtx.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// Run captures audio and transcribes it until ctx ends. A dropped
// transcription stream is reopened after a short delay; audio captured in
// between is discarded.
func (i *Input) Run(ctx context.Context, sink providers.Sink) error {
	chunks := make(chan []byte, chunkBuffer)
	var streaming atomic.Bool
	if err := i.source.Start(func(chunk []byte) {
		if !streaming.Load() {
			return
		}
		select {
		case chunks <- chunk:
		default:
			if i.dropped.Add(1)%100 == 1 {
				logger.Warn("transcription is falling behind, dropping audio", "dropped", i.dropped.Load())
			}
		}
	}); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	onTranscript := func(transcript speechtotext.Transcript) {
		sink(ctx, messages.NewRawData(messages.KindAudio, messages.AudioPayload{
			User:       messages.User{ID: i.options.User, Nickname: i.options.User},
			Room:       i.options.Room,
			Transcript: transcript.Text,
			Final:      transcript.Final,
		}, Name))
	}

	for {
		streaming.Store(true)
		err := i.transcriber.Transcribe(ctx, chunks, onTranscript)
		streaming.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.WarnContext(ctx, "transcription stream failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.retry):
		}
		discard(chunks)
	}
}

func discard(chunks chan []byte) {
	for {
		select {
		case <-chunks:
		default:
			return
		}
	}
}
