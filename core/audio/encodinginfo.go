// Package audio describes the raw audio encodings synthesized speech is
// produced in.
package audio

import (
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultFormat     = EncodingLinear16
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: DefaultFormat}
}

type EncodingInfo struct {
	SampleRate int
	Format     Format
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) Validate() error {
	if e.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", e.SampleRate)
	}
	if e.Format.ByteSize() < 0 {
		return fmt.Errorf("unsupported audio encoding %q", e.Format)
	}
	return nil
}

// Duration returns how long size bytes of mono audio play for.
func (e EncodingInfo) Duration(size int) time.Duration {
	bytesPerSecond := e.SampleRate * e.Format.ByteSize()
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(size) * time.Second / time.Duration(bytesPerSecond)
}

type Format string

const (
	EncodingMulaw    Format = "mulaw"
	EncodingALaw     Format = "alaw"
	EncodingLinear16 Format = "linear16"
)

func (f Format) Name() string {
	return string(f)
}

// ByteSize returns the bytes per sample, or -1 for unknown formats.
func (f Format) ByteSize() int {
	switch f {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}
