package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// LocalStore writes models into a directory as {key}.glb.
type LocalStore struct {
	dir    string
	logger *zap.Logger
}

// NewLocalStore creates a store rooted at dir. The directory is created on
// first Save.
func NewLocalStore(dir string, logger *zap.Logger) *LocalStore {
	if dir == "" {
		dir = DefaultConfig().OutputDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{dir: dir, logger: logger.With(zap.String("component", "local_store"))}
}

// Dir returns the output directory.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Type() string { return "local" }

// Save writes data atomically: a temp file in the same directory renamed over
// the target, so readers never observe a partial model.
func (s *LocalStore) Save(ctx context.Context, key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", types.NewError(types.ErrCanceled, "save canceled").WithCause(err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", types.Errorf(types.ErrPersistence, "failed to create output dir %s", s.dir).WithCause(err)
	}

	target := filepath.Join(s.dir, key+Extension)
	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return "", types.Errorf(types.ErrPersistence, "failed to create temp file in %s", s.dir).WithCause(err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", types.Errorf(types.ErrPersistence, "failed to write %s", target).WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", types.Errorf(types.ErrPersistence, "failed to write %s", target).WithCause(err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return "", types.Errorf(types.ErrPersistence, "failed to move model into %s", target).WithCause(err)
	}

	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	s.logger.Debug("model saved", zap.String("path", target), zap.Int("bytes", len(data)))
	return target, nil
}

// Ping checks the directory can be created and written.
func (s *LocalStore) Ping(context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return types.Errorf(types.ErrPersistence, "output dir %s unavailable", s.dir).WithCause(err)
	}
	f, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return types.Errorf(types.ErrPersistence, "output dir %s not writable", s.dir).WithCause(err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}
