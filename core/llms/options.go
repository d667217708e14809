package llms

import "slices"

type PromptOptions struct {
	Instructions string
	History      []Message
	Temperature  *float64
	MaxTokens    int
}

type PromptOption func(*PromptOptions)

// WithSystemPrompt sets the system prompt. Repeating this option overwrites
// the previous system prompt.
func WithSystemPrompt(prompt string) PromptOption {
	return func(o *PromptOptions) { o.Instructions = prompt }
}

// WithHistory sets the conversation preceding the prompt, oldest first.
func WithHistory(history []Message) PromptOption {
	return func(o *PromptOptions) { o.History = slices.Clone(history) }
}

func WithTemperature(temperature float64) PromptOption {
	return func(o *PromptOptions) { o.Temperature = &temperature }
}

func WithMaxTokens(maxTokens int) PromptOption {
	return func(o *PromptOptions) { o.MaxTokens = maxTokens }
}

func ApplyOptions(opts ...PromptOption) PromptOptions {
	var options PromptOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Conversation returns the system prompt, history and prompt as one message
// list.
func (o PromptOptions) Conversation(prompt string) []Message {
	messages := make([]Message, 0, len(o.History)+2)
	if o.Instructions != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: o.Instructions})
	}
	messages = append(messages, o.History...)
	return append(messages, Message{Role: RoleUser, Content: prompt})
}
