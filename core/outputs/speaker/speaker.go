// Package speaker plays synthesized speech on the local output device.
package speaker

import (
	"context"
	"fmt"
	"slices"

	"github.com/koscakluka/ema-live/core/audio"
	"github.com/koscakluka/ema-live/core/audio/miniaudio"
	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
)

const Name = "speaker"

type Options struct {
	SampleRate int `yaml:"sample_rate"`
	// Providers limits playback to frames from the named outputs. Empty plays
	// everything.
	Providers []string `yaml:"providers"`
}

func DefaultOptions() Options {
	return Options{SampleRate: audio.DefaultSampleRate}
}

func (o Options) Validate() error {
	return o.encoding().Validate()
}

func (o Options) encoding() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: o.SampleRate, Format: audio.EncodingLinear16}
}

type player interface {
	Enqueue(chunk []byte)
	Clear()
	Drain(ctx context.Context) error
	Close() error
}

// Output plays every audio frame published on the bus. Rendering itself is a
// no-op; the frames arrive through [events.OutputAudio].
type Output struct {
	options  Options
	player   player
	audioCtx *miniaudio.Context

	bus          *events.Bus
	subscription events.Subscription
}

func New(options Options) *Output {
	return &Output{options: options}
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
		Description: "Plays synthesized speech on the default audio device",
	}
}

func (o *Output) Setup(ctx context.Context, deps providers.Dependencies) ([]providers.Provider, error) {
	if deps.Bus == nil {
		return nil, fmt.Errorf("speaker needs an event bus")
	}

	if o.player == nil {
		audioCtx, err := miniaudio.NewContext()
		if err != nil {
			return nil, err
		}
		playback, err := miniaudio.NewPlayback(audioCtx, o.options.encoding())
		if err != nil {
			_ = audioCtx.Close()
			return nil, err
		}
		o.audioCtx, o.player = audioCtx, playback
	}

	sub, err := events.On(deps.Bus, events.OutputAudio, o.play, events.WithName(Name))
	if err != nil {
		o.closePlayer()
		return nil, fmt.Errorf("failed to subscribe to audio: %w", err)
	}
	o.bus, o.subscription = deps.Bus, sub

	logger.InfoContext(ctx, "playing speech on speaker", "sample_rate", o.options.SampleRate)
	return []providers.Provider{o}, nil
}

func (o *Output) play(ctx context.Context, event events.Event[events.AudioFrame]) error {
	frame := event.Payload
	if len(o.options.Providers) > 0 && !slices.Contains(o.options.Providers, frame.Provider) {
		return nil
	}
	if frame.Encoding != audio.EncodingLinear16.Name() || frame.Rate != o.options.SampleRate {
		logger.WarnContext(ctx, "skipping audio the speaker cannot play",
			"provider", frame.Provider, "encoding", frame.Encoding, "rate", frame.Rate)
		return nil
	}
	o.player.Enqueue(frame.Audio)
	return nil
}

func (o *Output) Render(context.Context, render.Parameters) error { return nil }

// Cleanup stops taking new frames and lets queued speech play out until ctx
// ends.
func (o *Output) Cleanup(ctx context.Context) error {
	if o.bus != nil {
		o.bus.Off(o.subscription)
		o.bus = nil
	}
	if o.player == nil {
		return nil
	}
	if err := o.player.Drain(ctx); err != nil {
		logger.WarnContext(ctx, "dropping unplayed speech", "error", err)
		o.player.Clear()
	}
	return o.closePlayer()
}

func (o *Output) closePlayer() error {
	err := o.player.Close()
	if o.audioCtx != nil {
		if closeErr := o.audioCtx.Close(); err == nil {
			err = closeErr
		}
	}
	o.player, o.audioCtx = nil, nil
	return err
}
