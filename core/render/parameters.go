package render

import (
	"github.com/koscakluka/ema-live/core/intents"
)

// Kind names one directive of Parameters. It is also the suffix of the
// render.<kind> event topics.
type Kind string

const (
	KindTTS        Kind = "tts"
	KindSubtitle   Kind = "subtitle"
	KindExpression Kind = "expression"
	KindHotkey     Kind = "hotkey"
	KindEmoji      Kind = "emoji"
	KindMotion     Kind = "motion"
)

var Kinds = []Kind{KindTTS, KindSubtitle, KindExpression, KindHotkey, KindEmoji, KindMotion}

// Parameters is the output-agnostic command bundle derived from an Intent.
// Every directive is optional; an empty string means "not set".
//
// Parameters is passed by value to every output provider. Providers read it
// and must not mutate shared fields.
type Parameters struct {
	TTSText      string
	SubtitleText string
	Expression   string
	Hotkey       string
	Emoji        string
	Motion       string

	Emotion   intents.Emotion
	MessageID string
	Room      string
	// Extra carries action params of the winning directives, keyed by kind.
	Extra map[Kind]map[string]string
}

func (p Parameters) Get(kind Kind) string {
	switch kind {
	case KindTTS:
		return p.TTSText
	case KindSubtitle:
		return p.SubtitleText
	case KindExpression:
		return p.Expression
	case KindHotkey:
		return p.Hotkey
	case KindEmoji:
		return p.Emoji
	case KindMotion:
		return p.Motion
	}
	return ""
}

func (p Parameters) Has(kind Kind) bool { return p.Get(kind) != "" }

// Present returns the directive kinds that are set, in Kinds order.
func (p Parameters) Present() []Kind {
	var present []Kind
	for _, kind := range Kinds {
		if p.Has(kind) {
			present = append(present, kind)
		}
	}
	return present
}

func (p Parameters) Empty() bool { return len(p.Present()) == 0 }
