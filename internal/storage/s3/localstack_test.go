//go:build integration

package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/objectfs/iosched/pkg/errors"
)

// LocalStackSuite runs the mirror against an S3 endpoint such as LocalStack.
type LocalStackSuite struct {
	suite.Suite
	ctx    context.Context
	cfg    *Config
	client *s3.Client
	mirror *Mirror
}

func TestLocalStack(t *testing.T) {
	if os.Getenv("AWS_ENDPOINT_URL") == "" {
		t.Skip("Skipping LocalStack integration tests - no endpoint configured")
	}
	suite.Run(t, new(LocalStackSuite))
}

func (s *LocalStackSuite) SetupSuite() {
	s.ctx = context.Background()
	s.cfg = NewDefaultConfig()
	s.cfg.Bucket = fmt.Sprintf("iosched-it-%d", time.Now().UnixNano())
	s.cfg.Endpoint = os.Getenv("AWS_ENDPOINT_URL")
	s.cfg.AccessKeyID = "test"
	s.cfg.SecretAccessKey = "test"
	s.cfg.ForcePathStyle = true
	s.cfg.MaxRetries = 1

	var err error
	s.client, err = newClient(s.ctx, s.cfg)
	require.NoError(s.T(), err)
	_, err = s.client.CreateBucket(s.ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	require.NoError(s.T(), err)

	s.mirror, err = New(s.ctx, s.cfg, nil)
	require.NoError(s.T(), err)
}

func (s *LocalStackSuite) TearDownSuite() {
	if s.client == nil {
		return
	}
	_, _ = s.client.DeleteObject(s.ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.cfg.Key)})
	_, _ = s.client.DeleteBucket(s.ctx, &s3.DeleteBucketInput{Bucket: aws.String(s.cfg.Bucket)})
}

func (s *LocalStackSuite) Test01_HealthCheck() {
	s.NoError(s.mirror.HealthCheck(s.ctx))
}

func (s *LocalStackSuite) Test02_DownloadMissing() {
	_, err := s.mirror.Download(s.ctx)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeRemoteNotFound), "got %v", err)
}

func (s *LocalStackSuite) Test03_RoundTrip() {
	data := []byte("pattern store contents")
	s.Require().NoError(s.mirror.Upload(s.ctx, data))

	got, err := s.mirror.Download(s.ctx)
	s.Require().NoError(err)
	s.Equal(data, got)

	stats := s.mirror.Stats()
	s.Equal(int64(1), stats.Uploads)
	s.Equal(int64(1), stats.Downloads)
}
