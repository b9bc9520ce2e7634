package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/BaSui01/digigami/types"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const modelContentType = "model/gltf-binary"

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	region          string
	prefix          string
	useSSL          bool
}

func newMinioConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		bucket: DefaultConfig().Minio.Bucket,
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// MinioStore uploads models to an S3-compatible bucket.
type MinioStore struct {
	cfg    *minioConfig
	client *minio.Client
	logger *zap.Logger
}

// NewMinioStore creates an object store client. No request is made until Save
// or Ping.
func NewMinioStore(logger *zap.Logger, opts ...MinioOpts) (*MinioStore, error) {
	cfg := newMinioConfig(opts...)
	if cfg.endpoint == "" {
		return nil, types.NewError(types.ErrConfiguration, "minio endpoint is required")
	}
	if cfg.bucket == "" {
		return nil, types.NewError(types.ErrConfiguration, "minio bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, types.Errorf(types.ErrConfiguration, "invalid minio endpoint %q", cfg.endpoint).WithCause(err)
	}

	return &MinioStore{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "minio_store")),
	}, nil
}

func (s *MinioStore) Type() string { return "minio" }

func (s *MinioStore) objectName(key string) string {
	return path.Join(s.cfg.prefix, key+Extension)
}

// Save uploads data and returns s3://bucket/object.
func (s *MinioStore) Save(ctx context.Context, key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	object := s.objectName(key)

	info, err := s.client.PutObject(ctx, s.cfg.bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: modelContentType})
	if err != nil {
		return "", types.Errorf(types.ErrPersistence, "failed to upload %s to bucket %s", object, s.cfg.bucket).
			WithCause(err)
	}

	s.logger.Debug("model uploaded",
		zap.String("bucket", s.cfg.bucket),
		zap.String("object", object),
		zap.Int64("bytes", info.Size),
	)
	return fmt.Sprintf("s3://%s/%s", s.cfg.bucket, object), nil
}

// Ping checks the bucket exists.
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.cfg.bucket)
	if err != nil {
		return types.Errorf(types.ErrPersistence, "minio unavailable").WithCause(err)
	}
	if !ok {
		return types.Errorf(types.ErrPersistence, "bucket %s does not exist", s.cfg.bucket)
	}
	return nil
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithRegion(region string) MinioOpts {
	return func(c *minioConfig) {
		c.region = region
	}
}

func WithPrefix(prefix string) MinioOpts {
	return func(c *minioConfig) {
		c.prefix = strings.Trim(prefix, "/")
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
