// Package tts speaks the response text of each render and publishes the
// synthesized audio on the output.audio topic.
package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/koscakluka/ema-live/core/audio"
	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
	"github.com/koscakluka/ema-live/core/texttospeech"
	"github.com/koscakluka/ema-live/core/texttospeech/deepgram"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const Name = "tts"

type Options struct {
	APIKey     string `yaml:"api_key"`
	Voice      string `yaml:"voice"`
	Encoding   string `yaml:"encoding"`
	SampleRate int    `yaml:"sample_rate"`
	BaseURL    string `yaml:"base_url"`
}

func DefaultOptions() Options {
	return Options{
		Voice:      string(deepgram.VoiceAsteria),
		Encoding:   audio.DefaultFormat.Name(),
		SampleRate: audio.DefaultSampleRate,
		BaseURL:    deepgram.DefaultBaseURL,
	}
}

func (o Options) Validate() error {
	if o.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	return o.encoding().Validate()
}

func (o Options) encoding() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: o.SampleRate, Format: audio.Format(o.Encoding)}
}

type Output struct {
	options     Options
	synthesizer texttospeech.Synthesizer
	bus         *events.Bus

	// speaking keeps the audio of consecutive renders from interleaving.
	speaking sync.Mutex
}

func New(options Options) *Output {
	return &Output{options: options}
}

// NewWithSynthesizer builds an output on an existing synthesizer.
func NewWithSynthesizer(synthesizer texttospeech.Synthesizer) *Output {
	return &Output{synthesizer: synthesizer}
}

func Factory(opts providers.Options) (providers.OutputProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (o *Output) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryOutput,
		Description: "Deepgram speech synthesis",
	}
}

func (o *Output) Setup(_ context.Context, deps providers.Dependencies) ([]providers.Provider, error) {
	if o.synthesizer == nil {
		client, err := deepgram.NewTextToSpeechClient(o.options.APIKey,
			deepgram.WithVoice(deepgram.Voice(o.options.Voice)),
			deepgram.WithEncoding(o.options.encoding()),
			deepgram.WithBaseURL(o.options.BaseURL),
		)
		if err != nil {
			return nil, err
		}
		o.synthesizer = client
	}
	o.bus = deps.Bus
	return []providers.Provider{o}, nil
}

func (o *Output) Cleanup(context.Context) error { return nil }

func (o *Output) Render(ctx context.Context, params render.Parameters) error {
	if params.TTSText == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "speak", trace.WithAttributes(attribute.String("message_id", params.MessageID)))
	defer span.End()

	o.speaking.Lock()
	defer o.speaking.Unlock()

	encoding := o.synthesizer.Encoding()
	frames, size := 0, 0
	err := o.synthesizer.Synthesize(ctx, params.TTSText, func(chunk []byte) {
		frames++
		size += len(chunk)
		if o.bus == nil {
			return
		}
		events.Emit(ctx, o.bus, events.OutputAudio, events.AudioFrame{
			Provider:  Name,
			MessageID: params.MessageID,
			Audio:     chunk,
			Encoding:  encoding.Format.Name(),
			Rate:      encoding.SampleRate,
		}, Name)
	})
	span.SetAttributes(
		attribute.Int("frames", frames),
		attribute.String("duration", encoding.Duration(size).String()),
	)
	if errors.Is(err, texttospeech.ErrEmptyText) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to synthesize speech: %w", err)
	}
	return nil
}
