package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/retry"
)

const contentType = "application/octet-stream"

// Mirror copies the pattern store file to and from one S3 object.
type Mirror struct {
	api      ObjectAPI
	uploader Uploader
	config   *Config
	retryer  *retry.Retryer
	logger   *slog.Logger
	stats    statsCollector
}

// New creates a mirror backed by a real S3 client.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Mirror, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, err.Error()).WithComponent("s3-mirror")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "s3-mirror")

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, errors.New(errors.ErrCodeRemoteUnavailable, "failed to create S3 client").
			WithComponent("s3-mirror").WithCause(err)
	}

	var uploader Uploader
	if cfg.EnableCargoShip {
		uploader = newCargoShipUploader(client, cfg, logger)
	}
	return NewWithClient(client, uploader, cfg, logger)
}

// NewWithClient creates a mirror over an existing client. uploader may be
// nil.
func NewWithClient(api ObjectAPI, uploader Uploader, cfg *Config, logger *slog.Logger) (*Mirror, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, err.Error()).WithComponent("s3-mirror")
	}
	if logger == nil {
		logger = slog.Default().With("component", "s3-mirror")
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxRetries + 1
	rc.InitialDelay = cfg.RetryDelay
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Retrying S3 transfer", "attempt", attempt, "delay", delay, "error", err)
	}

	return &Mirror{
		api:      api,
		uploader: uploader,
		config:   cfg,
		retryer:  retry.New(rc),
		logger:   logger,
	}, nil
}

// Bucket returns the bucket name.
func (m *Mirror) Bucket() string { return m.config.Bucket }

// Key returns the object key.
func (m *Mirror) Key() string { return m.config.Key }

// Stats returns transfer statistics.
func (m *Mirror) Stats() TransferStats { return m.stats.snapshot() }

// Upload stores data as the mirrored object.
func (m *Mirror) Upload(ctx context.Context, data []byte) error {
	err := m.retryer.Do(ctx, "upload", func(ctx context.Context) error {
		ctx, cancel := m.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		defer func() { m.stats.recordLatency(time.Since(start)) }()

		if m.uploader != nil {
			uerr := m.uploader.Upload(ctx, m.config.Key, data, map[string]string{
				"iosched-format": "pattern-store",
				"content-type":   contentType,
			})
			if uerr == nil {
				m.stats.recordUpload(int64(len(data)), true)
				return nil
			}
			m.stats.recordFallback()
			m.logger.Warn("CargoShip upload failed, falling back to standard S3", "key", m.config.Key, "error", uerr)
		}

		_, err := m.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.config.Bucket),
			Key:           aws.String(m.config.Key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			m.stats.recordError(err)
			return m.translateError(err, "upload")
		}
		m.stats.recordUpload(int64(len(data)), false)
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Pattern store uploaded", "bucket", m.config.Bucket, "key", m.config.Key, "size", len(data))
	return nil
}

// Download fetches the mirrored object. A missing object is reported as
// REMOTE_NOT_FOUND and is not retried.
func (m *Mirror) Download(ctx context.Context) ([]byte, error) {
	var data []byte
	err := m.retryer.Do(ctx, "download", func(ctx context.Context) error {
		ctx, cancel := m.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		defer func() { m.stats.recordLatency(time.Since(start)) }()

		out, err := m.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.config.Bucket),
			Key:    aws.String(m.config.Key),
		})
		if err != nil {
			m.stats.recordError(err)
			return m.translateError(err, "download")
		}
		defer out.Body.Close()

		body, err := io.ReadAll(out.Body)
		if err != nil {
			m.stats.recordError(err)
			return m.translateError(fmt.Errorf("failed to read object body: %w", err), "download")
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.stats.recordDownload(int64(len(data)))
	m.logger.Info("Pattern store downloaded", "bucket", m.config.Bucket, "key", m.config.Key, "size", len(data))
	return data, nil
}

// HealthCheck verifies the bucket is reachable.
func (m *Mirror) HealthCheck(ctx context.Context) error {
	ctx, cancel := m.attemptContext(ctx)
	defer cancel()
	if _, err := m.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.config.Bucket)}); err != nil {
		return m.translateError(err, "health_check")
	}
	return nil
}

func (m *Mirror) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.Timeout > 0 {
		return context.WithTimeout(ctx, m.config.Timeout)
	}
	return context.WithCancel(ctx)
}

func (m *Mirror) translateError(err error, operation string) error {
	var e *errors.SchedError
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		e = errors.Newf(errors.ErrCodeRemoteNotFound, "object not found: s3://%s/%s", m.config.Bucket, m.config.Key)
	case isErrorType[*s3types.NoSuchBucket](err):
		e = errors.Newf(errors.ErrCodeRemoteNotFound, "bucket not found: %s", m.config.Bucket)
	case stderr.Is(err, context.DeadlineExceeded):
		e = errors.Newf(errors.ErrCodeOperationTimeout, "%s timed out", operation)
	case stderr.Is(err, context.Canceled):
		e = errors.Newf(errors.ErrCodeOperationTimeout, "%s canceled", operation)
		e.Retryable = false
	default:
		e = errors.Newf(errors.ErrCodeRemoteUnavailable, "%s failed", operation)
	}
	return e.WithComponent("s3-mirror").WithOperation(operation).
		WithDetail("bucket", m.config.Bucket).
		WithDetail("key", m.config.Key).
		WithCause(err)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
