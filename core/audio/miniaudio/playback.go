package miniaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-live/core/audio"
)

// Playback plays queued audio on the default output device. The device
// callback pulls from the queue and plays silence while it is empty.
type Playback struct {
	device   *malgo.Device
	encoding audio.EncodingInfo
	queue    *audioQueue
}

func NewPlayback(ctx *Context, encoding audio.EncodingInfo) (*Playback, error) {
	config, bytesPerFrame, err := deviceConfig(malgo.Playback, encoding)
	if err != nil {
		return nil, err
	}

	p := &Playback{encoding: encoding, queue: &audioQueue{}}
	p.device, err = malgo.InitDevice(ctx.allocated.Context, config, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			p.queue.read(pOutput[:min(len(pOutput), int(frameCount)*bytesPerFrame)])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := p.device.Start(); err != nil {
		p.device.Uninit()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	return p, nil
}

func (p *Playback) Encoding() audio.EncodingInfo { return p.encoding }

// Enqueue appends chunk to what is left to play.
func (p *Playback) Enqueue(chunk []byte) {
	p.queue.write(chunk)
}

// Clear drops everything not yet played.
func (p *Playback) Clear() {
	p.queue.clear()
}

// Drain blocks until the queue has played out or ctx ends.
func (p *Playback) Drain(ctx context.Context) error {
	return p.queue.drain(ctx)
}

func (p *Playback) Close() error {
	p.queue.clear()
	var err error
	if p.device.IsStarted() {
		if stopErr := p.device.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop playback device: %w", stopErr)
		}
	}
	p.device.Uninit()
	return err
}

const drainPoll = 20 * time.Millisecond

type audioQueue struct {
	mu      sync.Mutex
	pending []byte
}

func (q *audioQueue) write(chunk []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, chunk...)
}

// read fills out from the queue and pads the rest with silence.
func (q *audioQueue) read(out []byte) int {
	q.mu.Lock()
	n := copy(out, q.pending)
	q.pending = q.pending[n:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	q.mu.Unlock()

	clear(out[n:])
	return n
}

func (q *audioQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

func (q *audioQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *audioQueue) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for q.len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
