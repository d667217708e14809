// Package config loads the YAML configuration of the orchestrator: bus and
// shutdown timing, pipeline stages, expression mapping, metrics, and the
// provider blocks of the input, decision and output domains.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/koscakluka/ema-live/core/intents"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Bus          BusConfig          `yaml:"bus"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Pipelines    PipelinesConfig    `yaml:"pipelines"`
	Expression   ExpressionConfig   `yaml:"expression"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Providers    ProvidersConfig    `yaml:"providers"`
}

type BusConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// OrchestratorConfig sizes the pool that carries raw inputs through
// normalization, pipelines and decision.
type OrchestratorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type PipelinesConfig struct {
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	MessageLog MessageLogConfig `yaml:"message_log"`
	Text       TextConfig       `yaml:"text"`
	Interim    InterimConfig    `yaml:"interim"`
}

// InterimConfig controls non-final speech transcripts. Unless Decide is set
// they are dropped at Priority, after stages above it (the message log by
// default) have seen them.
type InterimConfig struct {
	Decide   bool `yaml:"decide"`
	Priority int  `yaml:"priority"`
}

type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Window         time.Duration `yaml:"window"`
	GlobalLimit    int           `yaml:"global_limit"`
	PerSenderLimit int           `yaml:"per_sender_limit"`
	Priority       int           `yaml:"priority"`
}

type MessageLogConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	Buffer         int           `yaml:"buffer"`
	Priority       int           `yaml:"priority"`
	S3             *S3Config     `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`          // For S3-compatible services
	AccessKeyID     string `yaml:"access_key_id"`     // Optional: static credentials
	SecretAccessKey string `yaml:"secret_access_key"` // Optional: static credentials
	DeleteAfter     bool   `yaml:"delete_after_upload"`
	MaxRetries      int    `yaml:"max_retries"`
}

// TextConfig configures the text pipeline. Mask replaces banned words;
// without a mask a text containing one is dropped.
type TextConfig struct {
	MaxRunes       int      `yaml:"max_runes"`
	CleanPriority  int      `yaml:"clean_priority"`
	BannedWords    []string `yaml:"banned_words"`
	Mask           string   `yaml:"mask"`
	BannedPriority int      `yaml:"banned_priority"`
}

// ExpressionConfig tunes intent mapping. Emotions overrides entries of the
// default emotion to expression table.
type ExpressionConfig struct {
	Threshold int                        `yaml:"threshold"`
	Emotions  map[intents.Emotion]string `yaml:"emotions"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Bus: BusConfig{
			HandlerTimeout: 30 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Shutdown:     ShutdownConfig{GracePeriod: 5 * time.Second},
		Orchestrator: OrchestratorConfig{Workers: 4, QueueSize: 256},
		Pipelines: PipelinesConfig{
			RateLimit: RateLimitConfig{
				Enabled:        true,
				Window:         60 * time.Second,
				GlobalLimit:    100,
				PerSenderLimit: 60,
				Priority:       100,
			},
			MessageLog: MessageLogConfig{
				Dir:            "./logs",
				FlushInterval:  2 * time.Second,
				RotateInterval: time.Hour,
				Buffer:         256,
				Priority:       10,
			},
			Text: TextConfig{
				MaxRunes:       500,
				CleanPriority:  100,
				Mask:           "***",
				BannedPriority: 50,
			},
		},
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration over [Default], applies environment overrides
// and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnv(&cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Bus.HandlerTimeout >= 0, "bus.handler_timeout must not be negative")
	check(c.Bus.RequestTimeout > 0, "bus.request_timeout must be positive")
	check(c.Shutdown.GracePeriod > 0, "shutdown.grace_period must be positive")
	check(c.Orchestrator.Workers > 0, "orchestrator.workers must be positive")
	check(c.Orchestrator.QueueSize > 0, "orchestrator.queue_size must be positive")

	if rl := c.Pipelines.RateLimit; rl.Enabled {
		check(rl.Window > 0, "pipelines.rate_limit.window must be positive")
		check(rl.GlobalLimit > 0, "pipelines.rate_limit.global_limit must be positive")
		check(rl.PerSenderLimit > 0, "pipelines.rate_limit.per_sender_limit must be positive")
	}
	if ml := c.Pipelines.MessageLog; ml.Enabled {
		check(ml.Dir != "", "pipelines.message_log.dir is required")
		check(ml.FlushInterval > 0, "pipelines.message_log.flush_interval must be positive")
		check(ml.Buffer > 0, "pipelines.message_log.buffer must be positive")
		if ml.S3 != nil {
			check(ml.S3.Bucket != "", "pipelines.message_log.s3.bucket is required")
			check(ml.S3.Region != "", "pipelines.message_log.s3.region is required")
			// If using static credentials, both key and secret are required
			check(ml.S3.AccessKeyID == "" || ml.S3.SecretAccessKey != "",
				"pipelines.message_log.s3.secret_access_key is required when using access_key_id")
		}
	}
	check(c.Pipelines.Text.MaxRunes >= 0, "pipelines.text.max_runes must not be negative")

	check(c.Expression.Threshold >= intents.MinPriority-1 && c.Expression.Threshold <= intents.MaxPriority,
		"expression.threshold must be between %d and %d", intents.MinPriority-1, intents.MaxPriority)
	for emotion := range c.Expression.Emotions {
		check(emotion.Valid(), "expression.emotions: unknown emotion %q", emotion)
	}

	errs = append(errs, c.Providers.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
