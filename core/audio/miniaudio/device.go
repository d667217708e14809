// Package miniaudio captures and plays mono linear16 audio on the default
// devices through miniaudio (github.com/gen2brain/malgo).
package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-live/core/audio"
)

const channels = 1

// Context owns the miniaudio backend context shared by devices.
type Context struct {
	allocated *malgo.AllocatedContext
	closeOnce sync.Once
}

func NewContext() (*Context, error) {
	allocated, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &Context{allocated: allocated}, nil
}

func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.allocated.Uninit()
		c.allocated.Free()
	})
	return err
}

func deviceConfig(kind malgo.DeviceType, encoding audio.EncodingInfo) (malgo.DeviceConfig, int, error) {
	if encoding.Format != audio.EncodingLinear16 {
		return malgo.DeviceConfig{}, 0, fmt.Errorf("unsupported audio encoding %q", encoding.Format)
	}
	if encoding.SampleRate <= 0 {
		return malgo.DeviceConfig{}, 0, fmt.Errorf("sample rate must be positive, got %d", encoding.SampleRate)
	}

	format := malgo.FormatS16
	config := malgo.DefaultDeviceConfig(kind)
	config.SampleRate = uint32(encoding.SampleRate)
	config.Alsa.NoMMap = 1
	switch kind {
	case malgo.Capture:
		config.Capture.Format = format
		config.Capture.Channels = channels
		config.PerformanceProfile = malgo.LowLatency
		config.PeriodSizeInFrames = 480
		config.Periods = 3
	case malgo.Playback:
		config.Playback.Format = format
		config.Playback.Channels = channels
		config.PeriodSizeInFrames = uint32(encoding.SampleRate / 10) // ~100ms of audio
		config.Periods = 4
	}
	return config, malgo.SampleSizeInBytes(format) * channels, nil
}
