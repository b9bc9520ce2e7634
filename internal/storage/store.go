// Package storage persists downloaded models. A ResultStore maps a task key to
// one stored GLB file and returns where it ended up.
package storage

import (
	"context"
	"strings"

	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// Extension is appended to every stored key.
const Extension = ".glb"

// ResultStore persists model bytes under a key.
type ResultStore interface {
	// Save stores data under key and returns its location (file path or object URI).
	Save(ctx context.Context, key string, data []byte) (string, error)
	// Ping checks that the store is usable.
	Ping(ctx context.Context) error
	Type() string
}

// Config selects and configures a store.
type Config struct {
	Driver    string      `json:"driver" yaml:"driver" env:"DRIVER"`
	OutputDir string      `json:"output_dir" yaml:"output_dir" env:"OUTPUT_DIR"`
	Minio     MinioConfig `json:"minio" yaml:"minio" env:"MINIO"`
}

// MinioConfig configures an S3-compatible object store.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Bucket    string `json:"bucket" yaml:"bucket" env:"BUCKET"`
	AccessKey string `json:"access_key" yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `json:"-" yaml:"secret_key" env:"SECRET_KEY"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty" env:"REGION"`
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty" env:"PREFIX"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl" env:"USE_SSL"`
}

// DefaultConfig stores into ./outputs/3d on local disk.
func DefaultConfig() Config {
	return Config{
		Driver:    "local",
		OutputDir: "outputs/3d",
		Minio: MinioConfig{
			Bucket: "gen3d",
			Region: "us-east-1",
		},
	}
}

// New builds the store named by cfg.Driver.
func New(cfg Config, logger *zap.Logger) (ResultStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		return NewLocalStore(cfg.OutputDir, logger), nil
	case "minio", "s3":
		m := cfg.Minio
		return NewMinioStore(logger,
			WithEndpoint(m.Endpoint),
			WithBucket(m.Bucket),
			WithAccessKey(m.AccessKey),
			WithSecretKey(m.SecretKey),
			WithRegion(m.Region),
			WithPrefix(m.Prefix),
			WithSSL(m.UseSSL),
		)
	default:
		return nil, types.Errorf(types.ErrConfiguration, "unknown storage driver %q", cfg.Driver)
	}
}

// validKey rejects keys that would escape the store's namespace.
func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return types.Errorf(types.ErrPersistence, "invalid storage key %q", key)
	}
	return nil
}
