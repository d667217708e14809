// Package rules is a decision provider that derives intents from keyword
// lexicons alone, without calling a model.
package rules

import (
	"context"

	"github.com/koscakluka/ema-live/core/decision"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
)

const Name = "rules"

type Options struct {
	// Lexicon replaces the default lexicon when set.
	Lexicon []decision.LexiconEntry `yaml:"lexicon"`
	// Echo speaks the message text back as the response.
	Echo bool `yaml:"echo"`
}

func (o Options) Validate() error {
	return decision.Lexicon(o.Lexicon).Validate()
}

type Decider struct {
	engine *decision.RuleEngine
	echo   bool
}

func New(options Options) *Decider {
	lexicon := decision.Lexicon(options.Lexicon)
	if len(lexicon) == 0 {
		lexicon = decision.DefaultLexicon()
	}
	return &Decider{engine: decision.NewRuleEngine(lexicon), echo: options.Echo}
}

func Factory(opts providers.Options) (providers.DecisionProvider, error) {
	var options Options
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (d *Decider) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryDecision,
		Description: "Keyword lexicon emotion rules",
	}
}

func (d *Decider) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	return []providers.Provider{d}, nil
}

func (d *Decider) Cleanup(context.Context) error { return nil }

// Concurrent is true: the rule engine is read-only after construction.
func (d *Decider) Concurrent() bool { return true }

func (d *Decider) Decide(_ context.Context, message messages.NormalizedMessage) (intents.Intent, error) {
	text := message.Text()
	intent := d.engine.Intent(text)
	if !d.echo {
		intent.ResponseText = ""
	}
	return intent, nil
}
