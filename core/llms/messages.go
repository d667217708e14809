// Package llms holds the backend-agnostic surface the decision layer uses to
// talk to chat models: messages, prompt options and the two call shapes,
// free-form chat and schema-constrained structured output.
package llms

import (
	"context"
	"errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// ErrEmptyResponse is returned when a backend answered without content.
var ErrEmptyResponse = errors.New("llm returned no content")

// Chatter produces a free-form reply to a prompt.
type Chatter interface {
	Chat(ctx context.Context, prompt string, opts ...PromptOption) (string, error)
}

// StructuredPrompter fills target, a pointer to a struct, with the model's
// answer constrained to the JSON schema of target's type.
type StructuredPrompter interface {
	PromptWithStructure(ctx context.Context, prompt string, target any, opts ...PromptOption) error
}

// Client is implemented by every backend.
type Client interface {
	Chatter
	StructuredPrompter
}
