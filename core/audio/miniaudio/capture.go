package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-live/core/audio"
)

// Capture records from the default input device.
type Capture struct {
	device   *malgo.Device
	encoding audio.EncodingInfo

	mu      sync.Mutex
	onAudio func(audio []byte)
}

func NewCapture(ctx *Context, encoding audio.EncodingInfo) (*Capture, error) {
	config, bytesPerFrame, err := deviceConfig(malgo.Capture, encoding)
	if err != nil {
		return nil, err
	}

	c := &Capture{encoding: encoding}
	c.device, err = malgo.InitDevice(ctx.allocated.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			c.mu.Lock()
			onAudio := c.onAudio
			c.mu.Unlock()
			if onAudio != nil {
				// The device reuses its buffer between callbacks.
				onAudio(append([]byte(nil), pInput[:n]...))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	return c, nil
}

func (c *Capture) Encoding() audio.EncodingInfo { return c.encoding }

// Start begins capturing and hands every recorded chunk to onAudio on the
// device thread; onAudio must not block.
func (c *Capture) Start(onAudio func(audio []byte)) error {
	c.mu.Lock()
	c.onAudio = onAudio
	c.mu.Unlock()

	if c.device.IsStarted() {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (c *Capture) Stop() error {
	c.mu.Lock()
	c.onAudio = nil
	c.mu.Unlock()

	if !c.device.IsStarted() {
		return nil
	}
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (c *Capture) Close() error {
	err := c.Stop()
	c.device.Uninit()
	return err
}
