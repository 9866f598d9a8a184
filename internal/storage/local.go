package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/health-records/internal/common"
)

// Local stores blobs as files below a base directory.
type Local struct {
	base string
	log  *slog.Logger
}

func NewLocal(base string, log *slog.Logger) (*Local, error) {
	if base == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "storage base path is required", common.ErrInvalidInput)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{base: abs, log: log}, nil
}

func (l *Local) path(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("%w: invalid storage key %q", common.ErrInvalidInput, key)
	}
	return filepath.Join(l.base, filepath.FromSlash(key)), nil
}

// Put writes to a temp file first so readers never see a partial blob.
func (l *Local) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}
	l.log.Debug("storage.local.put", "key", key, "bytes", n)
	return nil
}

// Materialize returns the stored file itself; cleanup is a no-op.
func (l *Local) Materialize(_ context.Context, key string) (string, func(), error) {
	p, err := l.path(key)
	if err != nil {
		return "", nil, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: blob %s", common.ErrNotFound, key)
		}
		return "", nil, err
	}
	return p, func() {}, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
