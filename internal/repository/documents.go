package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
)

type DocumentRepository interface {
	Create(ctx context.Context, doc *entity.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	GetByOwnerAndHash(ctx context.Context, ownerID uuid.UUID, sha256 string) (*entity.Document, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*entity.Document, error)
	SaveResult(ctx context.Context, id uuid.UUID, result json.RawMessage, hybrid bool, processedAt time.Time) error
}

var documentColumns = []string{
	"id", "owner_id", "storage_key", "filename", "file_ext", "content_type",
	"content_sha256", "file_size", "uploaded_at", "result", "hybrid", "processed_at",
}

type documentRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewDocumentRepository(db *DB, logger *slog.Logger) DocumentRepository {
	return &documentRepo{
		db:     db,
		logger: logger,
	}
}

func (r *documentRepo) builder() *entsql.DialectBuilder {
	return entsql.Dialect(r.db.Dialect())
}

func (r *documentRepo) Create(ctx context.Context, doc *entity.Document) error {
	var result any
	if len(doc.Result) > 0 {
		result = string(doc.Result)
	}
	var hybrid any
	if doc.Hybrid != nil {
		hybrid = *doc.Hybrid
	}
	query, args := r.builder().Insert(documentsTable).
		Columns(documentColumns...).
		Values(
			doc.ID, doc.OwnerID, doc.StorageKey, doc.Filename, doc.FileExt, doc.ContentType,
			doc.ContentSHA256, doc.FileSize, doc.UploadedAt.UTC(), result, hybrid, ptrTime(doc.ProcessedAt),
		).Query()
	if _, err := r.db.SQL().ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("failed to create document", "owner_id", doc.OwnerID, "filename", doc.Filename, "error", err)
		return fmt.Errorf("%w: create document: %v", common.ErrDatabase, err)
	}
	return nil
}

func (r *documentRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	query, args := r.builder().Select(documentColumns...).
		From(r.builder().Table(documentsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	docs, err := r.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return docs[0], nil
}

func (r *documentRepo) GetByOwnerAndHash(ctx context.Context, ownerID uuid.UUID, sha256 string) (*entity.Document, error) {
	query, args := r.builder().Select(documentColumns...).
		From(r.builder().Table(documentsTable)).
		Where(entsql.And(
			entsql.EQ("owner_id", ownerID),
			entsql.EQ("content_sha256", sha256),
		)).
		Query()
	docs, err := r.query(ctx, query, args)
	if err != nil {
		r.logger.Error("failed to get document by owner and hash", "owner_id", ownerID, "error", err)
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document with hash %s: %w", sha256, common.ErrNotFound)
	}
	return docs[0], nil
}

func (r *documentRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*entity.Document, error) {
	out := make(map[uuid.UUID]*entity.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query, qargs := r.builder().Select(documentColumns...).
		From(r.builder().Table(documentsTable)).
		Where(entsql.In("id", args...)).
		Query()
	docs, err := r.query(ctx, query, qargs)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

func (r *documentRepo) SaveResult(ctx context.Context, id uuid.UUID, result json.RawMessage, hybrid bool, processedAt time.Time) error {
	query, args := r.builder().Update(documentsTable).
		Set("result", string(result)).
		Set("hybrid", hybrid).
		Set("processed_at", processedAt.UTC()).
		Where(entsql.EQ("id", id)).
		Query()
	res, err := r.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to save document result", "document_id", id, "error", err)
		return fmt.Errorf("%w: save result: %v", common.ErrDatabase, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	r.logger.Info("document result saved", "document_id", id, "hybrid", hybrid)
	return nil
}

func (r *documentRepo) query(ctx context.Context, query string, args []any) ([]*entity.Document, error) {
	rows, err := r.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query documents: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*entity.Document
	for rows.Next() {
		var (
			d         entity.Document
			uploaded  nullTime
			processed nullTime
			result    []byte
			hybrid    sql.NullBool
		)
		if err := rows.Scan(
			&d.ID, &d.OwnerID, &d.StorageKey, &d.Filename, &d.FileExt, &d.ContentType,
			&d.ContentSHA256, &d.FileSize, &uploaded, &result, &hybrid, &processed,
		); err != nil {
			return nil, fmt.Errorf("%w: scan document: %v", common.ErrDatabase, err)
		}
		d.UploadedAt = uploaded.Time
		d.ProcessedAt = processed.ptr()
		if len(result) > 0 {
			d.Result = json.RawMessage(result)
		}
		if hybrid.Valid {
			h := hybrid.Bool
			d.Hybrid = &h
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate documents: %v", common.ErrDatabase, err)
	}
	return out, nil
}
