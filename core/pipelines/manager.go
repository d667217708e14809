package pipelines

import (
	"context"
	"errors"
	"fmt"

	"github.com/koscakluka/ema-live/core/messages"
)

type Kind string

const (
	// KindMessage chains operate on canonical messages.
	KindMessage Kind = "message"
	// KindText chains operate on the free text of a message (chat text,
	// superchat text, transcripts) before the message chain runs.
	KindText Kind = "text"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline kind")
	ErrStageType       = errors.New("stage does not match pipeline kind")
)

// Closer is implemented by stages holding resources, such as the message
// logger.
type Closer interface {
	Close(ctx context.Context) error
}

type Manager struct {
	Message *Chain[messages.NormalizedMessage]
	Text    *Chain[string]
}

func NewManager() *Manager {
	return &Manager{
		Message: NewChain[messages.NormalizedMessage](string(KindMessage)),
		Text:    NewChain[string](string(KindText)),
	}
}

// Register adds stage to the chain of kind. stage must implement
// Stage[messages.NormalizedMessage] for KindMessage and Stage[string] for
// KindText.
func (m *Manager) Register(kind Kind, stage any, priority int) error {
	switch kind {
	case KindMessage:
		typed, ok := stage.(Stage[messages.NormalizedMessage])
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrStageType, stage, kind)
		}
		m.Message.Register(typed, priority)
	case KindText:
		typed, ok := stage.(Stage[string])
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrStageType, stage, kind)
		}
		m.Text.Register(typed, priority)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPipeline, kind)
	}
	return nil
}

// Run applies the text chain to the message text, then the message chain.
// It reports false when the message was dropped.
func (m *Manager) Run(ctx context.Context, message messages.NormalizedMessage) (messages.NormalizedMessage, bool) {
	if text, ok := freeText(message.Content); ok {
		processed, keep := m.Text.Run(ctx, text)
		if !keep {
			return messages.NormalizedMessage{}, false
		}
		if processed != text {
			message = message.WithContent(withFreeText(message.Content, processed))
		}
	}
	return m.Message.Run(ctx, message)
}

// Close closes every stage implementing [Closer].
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, stage := range m.Message.Stages() {
		if closer, ok := stage.(Closer); ok {
			errs = append(errs, closer.Close(ctx))
		}
	}
	for _, stage := range m.Text.Stages() {
		if closer, ok := stage.(Closer); ok {
			errs = append(errs, closer.Close(ctx))
		}
	}
	return errors.Join(errs...)
}

func freeText(content messages.Content) (string, bool) {
	switch c := content.(type) {
	case messages.TextContent:
		return c.Text, true
	case messages.SuperChatContent:
		return c.Text, true
	case messages.AudioContent:
		return c.Transcript, true
	}
	return "", false
}

func withFreeText(content messages.Content, text string) messages.Content {
	switch c := content.(type) {
	case messages.TextContent:
		c.Text = text
		return c
	case messages.SuperChatContent:
		c.Text = text
		return c
	case messages.AudioContent:
		c.Transcript = text
		return c
	}
	return content
}
