package pipelines

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	DeleteAfter     bool
	MaxRetries      int
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader uploads rotated message logs to an S3 bucket.
type S3Uploader struct {
	client      objectPutter
	bucket      string
	prefix      string
	deleteAfter bool
	maxRetries  int
	backoff     func(attempt int) time.Duration
}

// NewS3Uploader builds an uploader from the default AWS credential chain, or
// from static credentials when both keys are set.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOptions := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Uploader(client, cfg), nil
}

func newS3Uploader(client objectPutter, cfg S3Config) *S3Uploader {
	return &S3Uploader{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		deleteAfter: cfg.DeleteAfter,
		maxRetries:  max(cfg.MaxRetries, 0),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
	}
}

// Upload puts the file under <prefix>/YYYY/MM/DD/<file name>, retrying with
// exponential backoff.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	key := objectKey(u.prefix, filepath.Base(localPath), info.ModTime())

	for attempt := 0; ; attempt++ {
		err = u.put(ctx, localPath, key)
		if err == nil {
			break
		}
		if attempt >= u.maxRetries {
			return fmt.Errorf("failed to upload %s after %d attempts: %w", localPath, attempt+1, err)
		}

		logger.WarnContext(ctx, "message log upload failed, retrying",
			"path", localPath,
			"attempt", attempt+1,
			"error", err)
		select {
		case <-time.After(u.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.InfoContext(ctx, "uploaded message log", "bucket", u.bucket, "key", key)
	if u.deleteAfter {
		if err := os.Remove(localPath); err != nil {
			return fmt.Errorf("failed to delete uploaded %s: %w", localPath, err)
		}
	}
	return nil
}

func (u *S3Uploader) put(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func objectKey(prefix, filename string, at time.Time) string {
	at = at.UTC()
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", at.Year(), at.Month(), at.Day()), filename)
}
