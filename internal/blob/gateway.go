// Package blob reads job inputs from and writes prediction artifacts to
// S3-compatible object storage under tenant-scoped keys.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/churnguard/internal/config"
)

// Sentinel errors for blob failures.
var (
	ErrNotFound         = errors.New("blob not found")
	ErrUnavailable      = errors.New("blob storage unavailable")
	ErrKeyOutsideTenant = errors.New("blob key outside tenant namespace")
)

// Retry policy for transient storage failures.
const (
	retryBase        = 1 * time.Second
	retryMultiplier  = 2
	retryJitter      = 0.5
	retryMaxAttempts = 3
)

// Gateway is the worker's view of blob storage.
type Gateway interface {
	Fetch(ctx context.Context, tenantID, key string) ([]byte, error)
	Put(ctx context.Context, tenantID, key string, body []byte, contentType string) error
	Ping(ctx context.Context) error
}

// ObjectAPI is the subset of the S3 client the gateway uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Gateway implements Gateway on an S3-compatible bucket.
type S3Gateway struct {
	api        ObjectAPI
	bucket     string
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option customises an S3Gateway.
type Option func(*S3Gateway)

// WithBackOff replaces the retry policy. The factory is called once per operation.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(g *S3Gateway) { g.newBackOff = f }
}

// NewS3Gateway builds a gateway from the default AWS credential chain.
// A non-empty endpoint targets an S3-compatible store (MinIO, R2) with path-style addressing.
func NewS3Gateway(ctx context.Context, cfg config.BlobConfig, opts ...Option) (*S3Gateway, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3GatewayWithClient(client, cfg.Bucket, opts...), nil
}

// NewS3GatewayWithClient wraps an existing client.
func NewS3GatewayWithClient(api ObjectAPI, bucket string, opts ...Option) *S3Gateway {
	g := &S3Gateway{
		api:        api,
		bucket:     bucket,
		newBackOff: defaultBackOff,
		logger:     slog.With("component", "blob"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = retryJitter
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, retryMaxAttempts-1)
}

// Fetch downloads an input object. The key must be under inputs/<tenantID>/.
func (g *S3Gateway) Fetch(ctx context.Context, tenantID, key string) ([]byte, error) {
	if err := CheckInputKey(tenantID, key); err != nil {
		return nil, err
	}

	var data []byte
	err := g.retry(ctx, "fetch", func() error {
		out, err := g.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classifyError(err)
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("%w: reading object body: %v", ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put uploads an output object. The key must be under outputs/<tenantID>/.
// Overwriting an existing key is allowed.
func (g *S3Gateway) Put(ctx context.Context, tenantID, key string, body []byte, contentType string) error {
	if err := CheckOutputKey(tenantID, key); err != nil {
		return err
	}

	return g.retry(ctx, "put", func() error {
		_, err := g.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(g.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			return classifyError(err)
		}
		return nil
	})
}

func (g *S3Gateway) Ping(ctx context.Context) error {
	if _, err := g.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.bucket)}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// retry runs op under the backoff policy. Only ErrUnavailable is retried.
func (g *S3Gateway) retry(ctx context.Context, opName string, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil || errors.Is(err, ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(g.newBackOff(), ctx), func(err error, wait time.Duration) {
		g.logger.Warn("blob operation failed, retrying", "op", opName, "attempt", attempt, "wait", wait, "error", err)
	})
}

// classifyError maps S3 errors to sentinel errors.
func classifyError(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
