// Package redisstream consumes raw input envelopes from a Redis stream
// through a consumer group. Each entry carries one JSON encoded RawData in
// its envelope field.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/redis/go-redis/v9"
)

const (
	Name          = "redisstream"
	envelopeField = "envelope"
)

type Options struct {
	URL      string        `yaml:"url"`
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Count    int64         `yaml:"count"`
	Block    time.Duration `yaml:"block"`
}

func DefaultOptions() Options {
	return Options{
		URL:    "redis://localhost:6379/0",
		Stream: "ema:input",
		Group:  "ema-live",
		Count:  10,
		Block:  5 * time.Second,
	}
}

func (o Options) Validate() error {
	if o.Stream == "" || o.Group == "" {
		return fmt.Errorf("stream and group are required")
	}
	if o.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if o.Block <= 0 {
		return fmt.Errorf("block must be positive")
	}
	if _, err := redis.ParseURL(o.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	return nil
}

// streamClient is the part of the go-redis client the consumer uses.
type streamClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

type Input struct {
	options Options
	client  streamClient
	retry   time.Duration
}

func New(options Options) *Input {
	if options.Consumer == "" {
		options.Consumer = "ema-live-" + uuid.NewString()[:8]
	}
	return &Input{options: options, retry: time.Second}
}

func Factory(opts providers.Options) (providers.InputProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (i *Input) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryInput,
		Description: "Raw input from a Redis stream consumer group",
	}
}

// Setup connects to Redis and makes sure the consumer group exists.
func (i *Input) Setup(ctx context.Context, _ providers.Dependencies) ([]providers.Provider, error) {
	if i.client == nil {
		redisOpts, err := redis.ParseURL(i.options.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		i.client = redis.NewClient(redisOpts)
	}

	if err := i.client.Ping(ctx).Err(); err != nil {
		_ = i.client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	err := i.client.XGroupCreateMkStream(ctx, i.options.Stream, i.options.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		_ = i.client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.InfoContext(ctx, "consuming redis stream",
		"stream", i.options.Stream,
		"group", i.options.Group,
		"consumer", i.options.Consumer)
	return []providers.Provider{i}, nil
}

func (i *Input) Cleanup(context.Context) error {
	if i.client == nil {
		return nil
	}
	return i.client.Close()
}

// Run reads new entries until ctx ends. Every entry is acknowledged once it
// was handed to sink or found malformed.
func (i *Input) Run(ctx context.Context, sink providers.Sink) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := i.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    i.options.Group,
			Consumer: i.options.Consumer,
			Streams:  []string{i.options.Stream, ">"},
			Count:    i.options.Count,
			Block:    i.options.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WarnContext(ctx, "failed to read stream", "stream", i.options.Stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(i.retry):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				i.handle(ctx, msg, sink)
			}
		}
	}
}

func (i *Input) handle(ctx context.Context, msg redis.XMessage, sink providers.Sink) {
	defer func() {
		if err := i.client.XAck(ctx, i.options.Stream, i.options.Group, msg.ID).Err(); err != nil {
			logger.WarnContext(ctx, "failed to acknowledge entry", "id", msg.ID, "error", err)
		}
	}()

	raw, err := decodeEntry(msg)
	if err != nil {
		logger.WarnContext(ctx, "dropping malformed entry", "id", msg.ID, "error", err)
		return
	}
	sink(ctx, raw)
}

func decodeEntry(msg redis.XMessage) (messages.RawData, error) {
	envelope, ok := msg.Values[envelopeField].(string)
	if !ok {
		return messages.RawData{}, fmt.Errorf("missing %s field", envelopeField)
	}

	var raw messages.RawData
	if err := json.Unmarshal([]byte(envelope), &raw); err != nil {
		return messages.RawData{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if raw.Kind == "" {
		return messages.RawData{}, fmt.Errorf("invalid envelope: kind is required")
	}
	if raw.SourceID == "" {
		raw.SourceID = Name
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}
	return raw, nil
}
