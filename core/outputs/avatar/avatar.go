// Package avatar publishes avatar directives (expression, hotkey, emoji and
// motion) to a Redis pub/sub channel read by avatar controller bridges.
package avatar

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
	"github.com/redis/go-redis/v9"
)

const Name = "avatar"

type Options struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

func DefaultOptions() Options {
	return Options{URL: "redis://localhost:6379/0", Channel: "ema:avatar"}
}

func (o Options) Validate() error {
	if o.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if _, err := redis.ParseURL(o.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	return nil
}

// Directive is the JSON message published per render.
type Directive struct {
	MessageID  string                            `json:"message_id,omitempty"`
	Room       string                            `json:"room,omitempty"`
	Emotion    string                            `json:"emotion,omitempty"`
	Expression string                            `json:"expression,omitempty"`
	Hotkey     string                            `json:"hotkey,omitempty"`
	Emoji      string                            `json:"emoji,omitempty"`
	Motion     string                            `json:"motion,omitempty"`
	Params     map[render.Kind]map[string]string `json:"params,omitempty"`
}

var directiveKinds = []render.Kind{render.KindExpression, render.KindHotkey, render.KindEmoji, render.KindMotion}

// publisher is the part of the go-redis client the output uses.
type publisher interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

type Output struct {
	options Options
	client  publisher
}

func New(options Options) *Output {
	return &Output{options: options}
}

func Factory(opts providers.Options) (providers.OutputProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (o *Output) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryOutput,
		Description: "Avatar directives over Redis pub/sub",
	}
}

func (o *Output) Setup(ctx context.Context, _ providers.Dependencies) ([]providers.Provider, error) {
	if o.client == nil {
		redisOpts, err := redis.ParseURL(o.options.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		o.client = redis.NewClient(redisOpts)
	}
	if err := o.client.Ping(ctx).Err(); err != nil {
		_ = o.client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return []providers.Provider{o}, nil
}

func (o *Output) Cleanup(context.Context) error {
	if o.client == nil {
		return nil
	}
	return o.client.Close()
}

// Render publishes one directive when params carry any avatar field.
func (o *Output) Render(ctx context.Context, params render.Parameters) error {
	directive, ok := toDirective(params)
	if !ok {
		return nil
	}

	data, err := json.Marshal(directive)
	if err != nil {
		return fmt.Errorf("failed to encode directive: %w", err)
	}
	if err := o.client.Publish(ctx, o.options.Channel, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to publish directive: %w", err)
	}
	return nil
}

func toDirective(params render.Parameters) (Directive, bool) {
	directive := Directive{
		MessageID:  params.MessageID,
		Room:       params.Room,
		Emotion:    string(params.Emotion),
		Expression: params.Expression,
		Hotkey:     params.Hotkey,
		Emoji:      params.Emoji,
		Motion:     params.Motion,
	}

	present := false
	for _, kind := range directiveKinds {
		if !params.Has(kind) {
			continue
		}
		present = true
		if extra := params.Extra[kind]; len(extra) > 0 {
			if directive.Params == nil {
				directive.Params = make(map[render.Kind]map[string]string)
			}
			directive.Params[kind] = extra
		}
	}
	return directive, present
}
