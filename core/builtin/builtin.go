// Package builtin registers the providers shipped with ema-live.
package builtin

import (
	"github.com/koscakluka/ema-live/core/decisions/llm"
	"github.com/koscakluka/ema-live/core/decisions/rules"
	consoleinput "github.com/koscakluka/ema-live/core/inputs/console"
	"github.com/koscakluka/ema-live/core/inputs/danmaku"
	"github.com/koscakluka/ema-live/core/inputs/redisstream"
	"github.com/koscakluka/ema-live/core/inputs/twitch"
	"github.com/koscakluka/ema-live/core/inputs/voice"
	"github.com/koscakluka/ema-live/core/outputs/avatar"
	consoleoutput "github.com/koscakluka/ema-live/core/outputs/console"
	"github.com/koscakluka/ema-live/core/outputs/speaker"
	"github.com/koscakluka/ema-live/core/outputs/subtitle"
	"github.com/koscakluka/ema-live/core/outputs/tts"
	"github.com/koscakluka/ema-live/core/providers"
)

// Register adds every built-in provider to registries.
func Register(registries *providers.Registries) {
	registries.Input.RegisterBuiltin(consoleinput.Name, consoleinput.Factory)
	registries.Input.RegisterBuiltin(danmaku.Name, danmaku.Factory)
	registries.Input.RegisterBuiltin(twitch.Name, twitch.Factory)
	registries.Input.RegisterBuiltin(redisstream.Name, redisstream.Factory)
	registries.Input.RegisterBuiltin(voice.Name, voice.Factory)

	registries.Decision.RegisterBuiltin(rules.Name, rules.Factory)
	registries.Decision.RegisterBuiltin(llm.Name, llm.Factory)

	registries.Output.RegisterBuiltin(consoleoutput.Name, consoleoutput.Factory)
	registries.Output.RegisterBuiltin(subtitle.Name, subtitle.Factory)
	registries.Output.RegisterBuiltin(avatar.Name, avatar.Factory)
	registries.Output.RegisterBuiltin(tts.Name, tts.Factory)
	registries.Output.RegisterBuiltin(speaker.Name, speaker.Factory)
}

// NewRegistries returns registries holding every built-in provider.
func NewRegistries() *providers.Registries {
	registries := providers.NewRegistries()
	Register(registries)
	return registries
}
