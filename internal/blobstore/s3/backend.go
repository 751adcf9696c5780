// Package s3 stores spilled message payloads as S3 objects.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gezibash/arc-nosql/internal/blobstore"
	"github.com/gezibash/arc-nosql/internal/storage"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
	KeyVerifyBucket    = "verify_bucket"
)

const contentType = "application/octet-stream"

func init() {
	blobstore.Register("s3", NewFactory, Defaults)
}

func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:         "us-east-1",
		KeyPrefix:         "payloads/",
		KeyForcePathStyle: "false",
		KeyVerifyBucket:   "true",
	}
}

// NewFactory opens a client for an existing bucket. With an endpoint and no
// keys, static placeholder credentials are used so local S3 emulators work
// without an AWS profile.
func NewFactory(ctx context.Context, config storage.Config) (blobstore.Backend, error) {
	bucket, err := config.Require(KeyBucket)
	if err != nil {
		return nil, err
	}
	forcePathStyle, err := config.Bool(KeyForcePathStyle, false)
	if err != nil {
		return nil, err
	}
	verify, err := config.Bool(KeyVerifyBucket, true)
	if err != nil {
		return nil, err
	}
	region := config.String(KeyRegion, "us-east-1")
	endpoint := config.String(KeyEndpoint, "")

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	id, secret := config.String(KeyAccessKeyID, ""), config.String(KeySecretAccessKey, "")
	if id == "" && secret == "" && endpoint != "" {
		id, secret = "local", "local"
	}
	if id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storage.NewConfigError(config.Backend(), KeyRegion, "failed to load aws config").WithCause(err)
	}

	b := &Backend{
		client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.UsePathStyle = forcePathStyle
		}),
		bucket: bucket,
		prefix: config.String(KeyPrefix, ""),
	}
	if verify {
		if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return nil, storage.NewConfigError(config.Backend(), KeyBucket, "bucket not accessible").WithValue(bucket).WithCause(err)
		}
	}

	slog.Info("s3 blob backend initialized", "bucket", bucket, "region", region, "endpoint", endpoint, "prefix", b.prefix)
	return b, nil
}

// Backend maps blob key k to object <prefix>k.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	closed atomic.Bool
}

func (b *Backend) object(key string) (*string, *string) {
	return aws.String(b.bucket), aws.String(b.prefix + key)
}

func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}
	bucket, obj := b.object(key)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        bucket,
		Key:           obj,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, blobstore.ErrClosed
	}
	bucket, obj := b.object(key)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: bucket, Key: obj})
	if isNotFound(err) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: read body: %w", key, err)
	}
	return data, nil
}

// Delete succeeds for absent objects; S3 deletes are idempotent.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}
	bucket, obj := b.object(key)
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: bucket, Key: obj}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}
