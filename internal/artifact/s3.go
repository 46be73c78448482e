package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

const hashMetaKey = "sha256"

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Endpoint  string // empty for AWS itself
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps artifacts in one bucket, prefixed by stage.
// A single PutObject is atomic, which gives all-or-nothing overwrite.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store builds a client from static credentials, or from the default
// AWS chain when no access key is configured.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", common.ErrInvalidInput)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Store(client s3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

func (s *S3Store) objectKey(key Key) string {
	if s.prefix == "" {
		return key.Name()
	}
	return s.prefix + "/" + key.Name()
}

func (s *S3Store) locator(key Key) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

func (s *S3Store) Put(ctx context.Context, key Key, data []byte) (Artifact, error) {
	if err := key.Validate(); err != nil {
		return Artifact{}, err
	}
	sum := Hash(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{hashMetaKey: sum},
	})
	if err != nil {
		s.logger.Error("artifact.s3.put_failed", "key", key.String(), "error", err)
		return Artifact{}, s.mapError(ctx, key, err)
	}
	s.logger.Debug("artifact.s3.put", "key", key.String(), "bytes", len(data))
	return Artifact{Key: key, Locator: s.locator(key), SHA256: sum, Size: int64(len(data))}, nil
}

func (s *S3Store) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, s.mapError(ctx, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", common.ErrStoreUnavailable, key, err)
	}
	return b, nil
}

func (s *S3Store) Stat(ctx context.Context, key Key) (Artifact, error) {
	if err := key.Validate(); err != nil {
		return Artifact{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return Artifact{}, s.mapError(ctx, key, err)
	}
	a := Artifact{Key: key, Locator: s.locator(key), SHA256: out.Metadata[hashMetaKey]}
	if out.ContentLength != nil {
		a.Size = *out.ContentLength
	}
	return a, nil
}

func (s *S3Store) mapError(ctx context.Context, key Key, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) ||
		strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "StatusCode: 404") {
		return fmt.Errorf("%w: artifact %s", common.ErrNotFound, key)
	}
	return fmt.Errorf("%w: s3 %s: %v", common.ErrStoreUnavailable, key, err)
}
