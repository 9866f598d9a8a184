package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/queue"
	"github.com/joseph-ayodele/health-records/internal/repository"
	"github.com/joseph-ayodele/health-records/internal/storage"
)

// DefaultMaxFileSize bounds a single upload.
const DefaultMaxFileSize = 50 << 20

// Enqueuer is satisfied by queue.Service.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*entity.QueueEntry, error)
}

// Upload is one incoming file.
type Upload struct {
	Filename string
	Body     io.Reader
	Priority int
	Metadata map[string]any
}

type Option func(*Service)

func WithMaxFileSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithConcurrency bounds parallel files in IngestDirectory.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

type Service struct {
	docs        repository.DocumentRepository
	store       storage.Store
	queue       Enqueuer
	log         *slog.Logger
	maxSize     int64
	concurrency int
}

func NewService(docs repository.DocumentRepository, store storage.Store, q Enqueuer, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		docs:        docs,
		store:       store,
		queue:       q,
		log:         log,
		maxSize:     DefaultMaxFileSize,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const maxFilenameLen = 255

// Ingest stores the upload for the caller and enqueues it. A file the owner
// already uploaded (same SHA-256) is not stored or enqueued again.
func (s *Service) Ingest(ctx context.Context, up Upload) (Result, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return Result{}, err
	}
	v := common.NewValidator().Field("filename", filepath.Base(up.Filename), common.Required, common.MaxLength(maxFilenameLen))
	if err := common.ValidateAndReturnError(v); err != nil {
		return Result{}, err
	}
	ext := constants.NormalizeExt(filepath.Ext(up.Filename))
	if ext == "" || !AllowedExt(ext) {
		return Result{}, fmt.Errorf("%w: unsupported or missing extension %q", common.ErrInvalidInput, ext)
	}

	// spool to disk so the hash is known before anything is stored
	tmp, err := os.CreateTemp("", "records-upload-*."+ext)
	if err != nil {
		return Result{}, fmt.Errorf("spool upload: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(up.Body, s.maxSize+1))
	if err != nil {
		return Result{}, fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return Result{}, fmt.Errorf("%w: empty file", common.ErrInvalidInput)
	}
	if n > s.maxSize {
		return Result{}, fmt.Errorf("%w: file exceeds %d bytes", common.ErrInvalidInput, s.maxSize)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	if res, found, err := s.lookupDuplicate(ctx, owner, sum, up.Filename); err != nil || found {
		return res, err
	}

	doc := &entity.Document{
		ID:            uuid.New(),
		OwnerID:       owner,
		Filename:      filepath.Base(up.Filename),
		FileExt:       ext,
		ContentType:   constants.ContentTypeForExt(ext),
		ContentSHA256: sum,
		FileSize:      n,
		UploadedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	doc.StorageKey = storage.ObjectKey(owner, doc.ID, ext)

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("rewind upload: %w", err)
	}
	if err := s.store.Put(ctx, doc.StorageKey, tmp, n, doc.ContentType); err != nil {
		return Result{}, fmt.Errorf("store document: %w", err)
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), doc.StorageKey); derr != nil {
			s.log.Warn("ingest.orphan_blob", "key", doc.StorageKey, "err", derr)
		}
		// a concurrent upload of the same file may have won the unique index
		if res, found, lerr := s.lookupDuplicate(ctx, owner, sum, up.Filename); lerr == nil && found {
			return res, nil
		}
		return Result{}, err
	}

	entry, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		DocumentID: doc.ID,
		Priority:   up.Priority,
		Metadata:   up.Metadata,
	})
	if err != nil {
		return Result{DocumentID: doc.ID, SHA256: sum}, fmt.Errorf("enqueue document: %w", err)
	}
	s.log.Info("ingest.stored",
		"owner_id", owner,
		"document_id", doc.ID,
		"entry_id", entry.ID,
		"filename", doc.Filename,
		"bytes", n,
	)
	return Result{
		DocumentID: doc.ID,
		EntryID:    entry.ID,
		SHA256:     sum,
		FileExt:    ext,
		UploadedAt: doc.UploadedAt,
	}, nil
}

func (s *Service) lookupDuplicate(ctx context.Context, owner uuid.UUID, sum, filename string) (Result, bool, error) {
	existing, err := s.docs.GetByOwnerAndHash(ctx, owner, sum)
	if errors.Is(err, common.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	s.log.Info("ingest.deduplicated", "owner_id", owner, "document_id", existing.ID, "filename", filename)
	return Result{
		DocumentID:   existing.ID,
		Deduplicated: true,
		SHA256:       sum,
		FileExt:      existing.FileExt,
		UploadedAt:   existing.UploadedAt,
	}, true, nil
}

// IngestPath ingests one file from the local filesystem.
func (s *Service) IngestPath(ctx context.Context, path string, priority int) (Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("abs path: %w", err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return Result{}, fmt.Errorf("open: %w", err)
	}
	defer func(f *os.File) {
		if err := f.Close(); err != nil {
			s.log.Warn("ingest.close_error", "path", abs, "err", err)
		}
	}(f)

	res, err := s.Ingest(ctx, Upload{
		Filename: filepath.Base(abs),
		Body:     f,
		Priority: priority,
		Metadata: map[string]any{"source_path": abs},
	})
	res.SourcePath = abs
	return res, err
}
