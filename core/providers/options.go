package providers

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// EnabledKey is the per-provider flag of the configuration surface. It is
// read by the configuration layer and never reaches a provider.
const EnabledKey = "enabled"

// Options is the option block of one provider as found in configuration.
// The zero value is an empty block.
type Options struct {
	node *yaml.Node
}

// Validator is implemented by option structs that check their own values
// after decoding.
type Validator interface {
	Validate() error
}

func NewOptions(node *yaml.Node) Options {
	if node != nil && node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	return Options{node: node}
}

// ParseOptions reads an option block from YAML source.
func ParseOptions(source string) (Options, error) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(source), &node); err != nil {
		return Options{}, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return NewOptions(&node), nil
}

func (o Options) IsZero() bool {
	return o.node == nil || (o.node.Kind == yaml.MappingNode && len(o.node.Content) == 0)
}

// Enabled reports the value of the enabled flag and whether it was set.
func (o Options) Enabled() (enabled bool, set bool) {
	if o.node == nil || o.node.Kind != yaml.MappingNode {
		return false, false
	}
	for i := 0; i+1 < len(o.node.Content); i += 2 {
		if o.node.Content[i].Value == EnabledKey {
			if err := o.node.Content[i+1].Decode(&enabled); err != nil {
				return false, false
			}
			return enabled, true
		}
	}
	return false, false
}

// Decode decodes the block into target, which should be a pointer to a
// struct pre-filled with defaults. Unknown keys are rejected. When target
// implements [Validator] it is validated after decoding.
func (o Options) Decode(target any) error {
	if !o.IsZero() {
		if o.node.Kind != yaml.MappingNode {
			return fmt.Errorf("%w: expected a mapping, got %s", ErrInvalidOptions, o.node.ShortTag())
		}

		data, err := yaml.Marshal(o.withoutEnabled())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}

	if validator, ok := target.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	return nil
}

func (o Options) withoutEnabled() *yaml.Node {
	stripped := *o.node
	stripped.Content = make([]*yaml.Node, 0, len(o.node.Content))
	for i := 0; i+1 < len(o.node.Content); i += 2 {
		if o.node.Content[i].Value == EnabledKey {
			continue
		}
		stripped.Content = append(stripped.Content, o.node.Content[i], o.node.Content[i+1])
	}
	return &stripped
}
