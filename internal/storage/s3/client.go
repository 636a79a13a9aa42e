package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// ObjectAPI is the subset of the S3 client the mirror uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader is an optimized upload path tried before PutObject.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, metadata map[string]string) error
}

// newClient loads the AWS configuration and creates the S3 client
func newClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries + 1),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// cargoShipUploader adapts the CargoShip transporter to Uploader
type cargoShipUploader struct {
	transporter *cargoships3.Transporter
	logger      *slog.Logger
}

func newCargoShipUploader(client *s3.Client, cfg *Config, logger *slog.Logger) *cargoShipUploader {
	cargoConfig := awsconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       awsconfig.StorageClassStandard,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        cfg.Concurrency,
	}
	logger.Info("CargoShip upload path enabled",
		"bucket", cfg.Bucket,
		"concurrency", cfg.Concurrency)
	return &cargoShipUploader{
		transporter: cargoships3.NewTransporter(client, cargoConfig),
		logger:      logger,
	}
}

func (u *cargoShipUploader) Upload(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	result, err := u.transporter.Upload(ctx, cargoships3.Archive{
		Key:          key,
		Reader:       bytes.NewReader(data),
		Size:         int64(len(data)),
		StorageClass: awsconfig.StorageClassStandard,
		Metadata:     metadata,
	})
	if err != nil {
		return err
	}
	u.logger.Debug("CargoShip upload completed",
		"key", key,
		"size", len(data),
		"throughput", result.Throughput,
		"duration", result.Duration)
	return nil
}
