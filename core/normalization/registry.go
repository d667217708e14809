// Package normalization maps raw, kind-tagged input payloads to canonical
// messages.
package normalization

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-live/core/messages"
)

// ErrUnsupportedKind is returned by [Registry.Normalize] when no normalizer
// is registered for a raw data kind.
var ErrUnsupportedKind = errors.New("unsupported raw data kind")

// ErrUnexpectedPayload is returned by a normalizer given a payload it cannot
// read.
var ErrUnexpectedPayload = errors.New("unexpected payload type")

// Normalizer converts the payload of one raw data kind.
//
// Normalize must be a pure function of the raw kind and payload: the
// registry stamps the id and timestamp.
type Normalizer interface {
	Normalize(raw messages.RawData) (messages.NormalizedMessage, error)
}

// NormalizerFunc adapts a function to [Normalizer].
type NormalizerFunc func(raw messages.RawData) (messages.NormalizedMessage, error)

func (f NormalizerFunc) Normalize(raw messages.RawData) (messages.NormalizedMessage, error) {
	return f(raw)
}

type Registry struct {
	mu          sync.RWMutex
	normalizers map[messages.Kind]Normalizer
	now         func() time.Time
	newID       func() string
}

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func WithIDGenerator(newID func() string) RegistryOption {
	return func(r *Registry) { r.newID = newID }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	registry := &Registry{
		normalizers: make(map[messages.Kind]Normalizer),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(registry)
	}
	return registry
}

// NewDefaultRegistry returns a registry with every built-in normalizer.
func NewDefaultRegistry(opts ...RegistryOption) *Registry {
	registry := NewRegistry(opts...)
	registry.Register(messages.KindText, NormalizerFunc(normalizeText))
	registry.Register(messages.KindGift, NormalizerFunc(normalizeGift))
	registry.Register(messages.KindSuperChat, NormalizerFunc(normalizeSuperChat))
	registry.Register(messages.KindGuard, NormalizerFunc(normalizeGuard))
	registry.Register(messages.KindEnter, NormalizerFunc(normalizeEnter))
	registry.Register(messages.KindAudio, NormalizerFunc(normalizeAudio))
	registry.Register(messages.KindImage, NormalizerFunc(normalizeImage))
	return registry
}

// Register adds or replaces the normalizer for kind.
func (r *Registry) Register(kind messages.Kind, normalizer Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[kind] = normalizer
}

// Get returns the normalizer for kind, or nil.
func (r *Registry) Get(kind messages.Kind) Normalizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.normalizers[kind]
}

func (r *Registry) Kinds() []messages.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]messages.Kind, 0, len(r.normalizers))
	for kind := range r.normalizers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Normalize dispatches raw to the normalizer registered for its kind.
func (r *Registry) Normalize(raw messages.RawData) (messages.NormalizedMessage, error) {
	normalizer := r.Get(raw.Kind)
	if normalizer == nil {
		return messages.NormalizedMessage{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, raw.Kind)
	}

	message, err := normalizer.Normalize(raw)
	if err != nil {
		return messages.NormalizedMessage{}, fmt.Errorf("failed to normalize %s: %w", raw.Kind, err)
	}

	message.ID = r.newID()
	message.Timestamp = raw.Timestamp
	if message.Timestamp.IsZero() {
		message.Timestamp = r.now()
	}
	if message.SourcePlatform == "" {
		message.SourcePlatform = raw.SourceID
	}
	if message.Metadata == nil {
		message.Metadata = map[string]any{}
	}
	return message, nil
}
