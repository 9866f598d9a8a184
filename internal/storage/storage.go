// Package storage keeps uploaded document bytes, either on local disk or in
// an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
)

// Store is a blob store keyed by ObjectKey.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Materialize returns a local path for key. cleanup must be called once
	// the caller is done with the file.
	Materialize(ctx context.Context, key string) (path string, cleanup func(), err error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey places a document under its owner's prefix.
func ObjectKey(owner, documentID uuid.UUID, ext string) string {
	return fmt.Sprintf("%s/%s.%s", owner, documentID, constants.NormalizeExt(ext))
}

// New picks the store named by cfg.Type.
func New(ctx context.Context, cfg common.StorageConfig, log *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocal(cfg.BasePath, log)
	case "minio", "s3":
		return NewMinio(ctx, MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		}, log)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unsupported STORAGE_TYPE %q", cfg.Type), common.ErrInvalidInput)
	}
}
