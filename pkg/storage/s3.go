package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 wraps the AWS client with the narrow object operations the chunked
// adapter needs. It satisfies store.ObjectAPI.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the
// environment (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
	} else {
		logger.Warn("S3 client using default credential chain")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// PutObject streams body to bucket/key with optional object metadata.
// Rate-limit responses are translated to models.ErrRateLimited.
func (s *S3) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, meta map[string]string) error {
	var contentLength *int64
	if size > 0 {
		contentLength = aws.Int64(size)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: contentLength,
	}
	if len(meta) > 0 {
		input.Metadata = meta
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return translateErr(fmt.Errorf("put %s/%s: %w", bucket, key, err))
	}
	return nil
}

// GetObject opens the object body, optionally limited to an HTTP byte
// range (e.g. "bytes=0-1023"). Caller must close the body.
func (s *S3) GetObject(ctx context.Context, bucket, key, byteRange string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if byteRange != "" {
		input.Range = aws.String(byteRange)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, translateErr(fmt.Errorf("get %s/%s: %w", bucket, key, err))
	}
	return out.Body, nil
}

// DeleteObject removes an object.
func (s *S3) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return translateErr(fmt.Errorf("delete %s/%s: %w", bucket, key, err))
	}
	return nil
}

// HeadObject returns the object size, or an error if it does not exist.
func (s *S3) HeadObject(ctx context.Context, bucket, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, translateErr(fmt.Errorf("head %s/%s: %w", bucket, key, err))
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

// translateErr maps S3 throttling signals to models.ErrRateLimited so the
// adapter can recognize and back off on them.
func translateErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "TooManyRequests", "RequestLimitExceeded", "Throttling":
			return fmt.Errorf("%w: %v", models.ErrRateLimited, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
			return fmt.Errorf("%w: %v", models.ErrRateLimited, err)
		}
	}
	return err
}
