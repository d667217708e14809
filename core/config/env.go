package config

import (
	"slices"

	"gopkg.in/yaml.v3"
)

// envOverride copies a secret from the environment into a provider option
// block. The environment wins over the file.
type envOverride struct {
	env      string
	domain   func(*ProvidersConfig) *Domain
	provider string
	key      string
	// backends limits the override to blocks whose backend option is one of
	// the listed values; "" matches a block without a backend.
	backends []string
}

func inputDomain(p *ProvidersConfig) *Domain    { return &p.Input }
func decisionDomain(p *ProvidersConfig) *Domain { return &p.Decision }
func outputDomain(p *ProvidersConfig) *Domain   { return &p.Output }

var envOverrides = []envOverride{
	{env: "TWITCH_OAUTH", domain: inputDomain, provider: "twitch", key: "oauth"},
	{env: "DEEPGRAM_API_KEY", domain: inputDomain, provider: "voice", key: "api_key"},
	{env: "REDIS_URL", domain: inputDomain, provider: "redisstream", key: "url"},
	{env: "GROQ_API_KEY", domain: decisionDomain, provider: "llm", key: "api_key", backends: []string{"", "groq"}},
	{env: "OPENAI_API_KEY", domain: decisionDomain, provider: "llm", key: "api_key", backends: []string{"openai"}},
	{env: "REDIS_URL", domain: outputDomain, provider: "avatar", key: "url"},
	{env: "DEEPGRAM_API_KEY", domain: outputDomain, provider: "tts", key: "api_key"},
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for _, override := range envOverrides {
		value := getenv(override.env)
		if value == "" {
			continue
		}

		domain := override.domain(&cfg.Providers)
		if override.backends != nil {
			backend := scalar(domain.blocks[override.provider], "backend")
			if !slices.Contains(override.backends, backend) {
				continue
			}
		}
		setScalar(domain.block(override.provider), override.key, value)
	}
}

func scalar(node *yaml.Node, key string) string {
	if node == nil || node.Kind != yaml.MappingNode {
		return ""
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key && node.Content[i+1].Kind == yaml.ScalarNode {
			return node.Content[i+1].Value
		}
	}
	return ""
}

func setScalar(node *yaml.Node, key, value string) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			node.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			return
		}
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
