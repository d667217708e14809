package config

import (
	"fmt"
	"slices"

	"github.com/koscakluka/ema-live/core/providers"
	"gopkg.in/yaml.v3"
)

const (
	enabledInputsKey  = "enabled_inputs"
	enabledOutputsKey = "enabled_outputs"
	activeProviderKey = "active_provider"
)

type ProvidersConfig struct {
	Input    Domain `yaml:"input"`
	Decision Domain `yaml:"decision"`
	Output   Domain `yaml:"output"`
}

// Domain is the provider section of one domain: an optional selection key
// (enabled_inputs, enabled_outputs or active_provider) next to one option
// block per provider name.
type Domain struct {
	// Enabled lists the enabled providers in load order. It is nil when the
	// list key is absent.
	Enabled []string
	Active  string

	listKey string
	blocks  map[string]*yaml.Node
	order   []string
}

func (d *Domain) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: provider section must be a mapping", node.Line)
	}

	*d = Domain{blocks: map[string]*yaml.Node{}}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case enabledInputsKey, enabledOutputsKey:
			if d.listKey != "" {
				return fmt.Errorf("line %d: both %s and %s are set", key.Line, d.listKey, key.Value)
			}
			enabled := []string{}
			if err := value.Decode(&enabled); err != nil {
				return fmt.Errorf("line %d: %s: %w", key.Line, key.Value, err)
			}
			d.listKey, d.Enabled = key.Value, enabled
		case activeProviderKey:
			if err := value.Decode(&d.Active); err != nil {
				return fmt.Errorf("line %d: %s: %w", key.Line, key.Value, err)
			}
		default:
			if value.Kind != yaml.MappingNode && !(value.Kind == yaml.ScalarNode && value.Tag == "!!null") {
				return fmt.Errorf("line %d: options of provider %q must be a mapping", key.Line, key.Value)
			}
			if _, ok := d.blocks[key.Value]; ok {
				return fmt.Errorf("line %d: provider %q configured twice", key.Line, key.Value)
			}
			d.blocks[key.Value] = value
			d.order = append(d.order, key.Value)
		}
	}
	return nil
}

// Options returns the option block of the named provider.
func (d Domain) Options(name string) providers.Options {
	return providers.NewOptions(d.blocks[name])
}

// Configured returns the names of providers with an option block, in file
// order.
func (d Domain) Configured() []string { return slices.Clone(d.order) }

// Specs returns the enabled providers of an input or output domain. The
// domain list wins when present; otherwise every block carrying
// `enabled: true` is enabled, in file order.
func (d Domain) Specs() []providers.Spec {
	names := d.Enabled
	if names == nil {
		for _, name := range d.order {
			if enabled, _ := d.Options(name).Enabled(); enabled {
				names = append(names, name)
			}
		}
	}

	specs := make([]providers.Spec, 0, len(names))
	for _, name := range names {
		specs = append(specs, providers.Spec{Name: name, Options: d.Options(name)})
	}
	return specs
}

// ActiveSpec returns the active decision provider: active_provider when set,
// otherwise the single block carrying `enabled: true`.
func (d Domain) ActiveSpec() (providers.Spec, bool) {
	name := d.Active
	if name == "" {
		enabled := d.Specs()
		if len(enabled) == 0 {
			return providers.Spec{}, false
		}
		name = enabled[0].Name
	}
	return providers.Spec{Name: name, Options: d.Options(name)}, true
}

// block returns the option block of name, adding an empty one when absent.
func (d *Domain) block(name string) *yaml.Node {
	if d.blocks == nil {
		d.blocks = map[string]*yaml.Node{}
	}
	node, ok := d.blocks[name]
	if !ok || node.Kind != yaml.MappingNode {
		node = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		if !ok {
			d.order = append(d.order, name)
		}
		d.blocks[name] = node
	}
	return node
}

func (p ProvidersConfig) validate() []error {
	var errs []error
	if p.Input.listKey == enabledOutputsKey {
		errs = append(errs, fmt.Errorf("providers.input: use %s, not %s", enabledInputsKey, enabledOutputsKey))
	}
	if p.Output.listKey == enabledInputsKey {
		errs = append(errs, fmt.Errorf("providers.output: use %s, not %s", enabledOutputsKey, enabledInputsKey))
	}
	if p.Decision.listKey != "" {
		errs = append(errs, fmt.Errorf("providers.decision: use %s, not %s", activeProviderKey, p.Decision.listKey))
	}
	if p.Input.Active != "" || p.Output.Active != "" {
		errs = append(errs, fmt.Errorf("%s is only valid in providers.decision", activeProviderKey))
	}
	if p.Decision.Active == "" {
		if enabled := p.Decision.Specs(); len(enabled) > 1 {
			errs = append(errs, fmt.Errorf("providers.decision: %d providers enabled, set %s", len(enabled), activeProviderKey))
		}
	}
	for _, section := range []struct {
		domain string
		Domain
	}{{"input", p.Input}, {"output", p.Output}} {
		seen := map[string]bool{}
		for _, name := range section.Enabled {
			if seen[name] {
				errs = append(errs, fmt.Errorf("providers.%s: %q enabled twice", section.domain, name))
			}
			seen[name] = true
		}
	}
	return errs
}
