package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/koscakluka/ema-live/core/config"
	"github.com/koscakluka/ema-live/core/pipelines"
)

// newPipelines builds the text and message chains from configuration.
func newPipelines(ctx context.Context, cfg config.PipelinesConfig) (*pipelines.Manager, error) {
	manager := pipelines.NewManager()

	text := cfg.Text
	if err := manager.Register(pipelines.KindText, pipelines.TextCleaner{MaxRunes: text.MaxRunes}, text.CleanPriority); err != nil {
		return nil, err
	}
	if len(text.BannedWords) > 0 {
		filter := pipelines.NewBannedWords(text.BannedWords, text.Mask)
		if err := manager.Register(pipelines.KindText, filter, text.BannedPriority); err != nil {
			return nil, err
		}
	}

	if limit := cfg.RateLimit; limit.Enabled {
		limiter, err := pipelines.NewRateLimiter(pipelines.RateLimiterConfig{
			Window:         limit.Window,
			GlobalLimit:    limit.GlobalLimit,
			PerSenderLimit: limit.PerSenderLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		if err := manager.Register(pipelines.KindMessage, limiter, limit.Priority); err != nil {
			return nil, err
		}
	}

	if !cfg.Interim.Decide {
		if err := manager.Register(pipelines.KindMessage, pipelines.FinalTranscripts{}, cfg.Interim.Priority); err != nil {
			return nil, err
		}
	}

	if log := cfg.MessageLog; log.Enabled {
		var uploader pipelines.Uploader
		if log.S3 != nil {
			s3, err := pipelines.NewS3Uploader(ctx, pipelines.S3Config{
				Bucket:          log.S3.Bucket,
				Region:          log.S3.Region,
				Prefix:          log.S3.Prefix,
				Endpoint:        log.S3.Endpoint,
				AccessKeyID:     log.S3.AccessKeyID,
				SecretAccessKey: log.S3.SecretAccessKey,
				DeleteAfter:     log.S3.DeleteAfter,
				MaxRetries:      log.S3.MaxRetries,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create log uploader: %w", err)
			}
			uploader = s3
		}

		messageLogger, err := pipelines.NewMessageLogger(pipelines.MessageLoggerConfig{
			Dir:            log.Dir,
			FlushInterval:  log.FlushInterval,
			RotateInterval: log.RotateInterval,
			Buffer:         log.Buffer,
			Uploader:       uploader,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create message logger: %w", err)
		}
		if err := manager.Register(pipelines.KindMessage, messageLogger, log.Priority); err != nil {
			return nil, errors.Join(err, messageLogger.Close(ctx))
		}
	}

	return manager, nil
}
