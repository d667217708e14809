package builtin

import (
	"testing"

	"github.com/koscakluka/ema-live/core/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistriesRegistersEveryDomain(t *testing.T) {
	registries := NewRegistries()

	assert.Equal(t, []string{"console", "danmaku", "redisstream", "twitch", "voice"}, registries.Input.Names())
	assert.Equal(t, []string{"llm", "rules"}, registries.Decision.Names())
	assert.Equal(t, []string{"avatar", "console", "speaker", "subtitle", "tts"}, registries.Output.Names())
}

func TestBuiltinsMatchTheirDomain(t *testing.T) {
	registries := NewRegistries()

	rules, err := registries.Decision.Create("rules", providers.Options{})
	require.NoError(t, err)
	assert.Equal(t, providers.CategoryDecision, rules.Info().Category)

	console, err := registries.Output.Create("console", providers.Options{})
	require.NoError(t, err)
	assert.Equal(t, providers.CategoryOutput, console.Info().Category)

	_, err = registries.Input.Create("bilibili", providers.Options{})
	assert.ErrorIs(t, err, providers.ErrUnknownProvider)
}
