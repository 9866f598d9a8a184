package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
)

// ChangePublisher receives every committed queue write.
type ChangePublisher interface {
	Publish(ctx context.Context, change entity.Change)
}

// QueuePatch is a partial update. Nil fields are left untouched; the Clear*
// flags write NULL.
type QueuePatch struct {
	Status           *constants.QueueStatus
	Priority         *int
	AttemptCount     *int
	ErrorMessage     *string
	ClearError       bool
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ProcessingTimeMs *int64
	ClearCompletion  bool
	Phase            *constants.Phase
	Progress         *int
	Metadata         map[string]any
	ClaimToken       *uuid.UUID
	ClearClaim       bool
	UpdatedAt        time.Time
}

type QueueEntryRepository interface {
	Insert(ctx context.Context, e *entity.QueueEntry) error
	Get(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, statuses ...constants.QueueStatus) ([]*entity.QueueEntry, error)
	ListClaimable(ctx context.Context, limit int) ([]*entity.QueueEntry, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.QueueEntry, error)
	Update(ctx context.Context, id uuid.UUID, expectedVersion int64, patch QueuePatch) (*entity.QueueEntry, error)
	Delete(ctx context.Context, id uuid.UUID, expectedVersion int64) error
	DeleteMany(ctx context.Context, ids []uuid.UUID, status constants.QueueStatus) ([]*entity.QueueEntry, error)
}

var queueEntryColumns = []string{
	"id", "owner_id", "document_id", "priority", "status", "attempt_count", "max_attempts",
	"error_message", "processing_started_at", "processing_completed_at", "processing_time_ms",
	"processing_phase", "progress_percentage", "metadata", "claim_token", "version",
	"created_at", "updated_at",
}

type queueEntryRepo struct {
	db        *DB
	publisher ChangePublisher
	log       *slog.Logger
}

// NewQueueEntryRepository returns the SQL-backed queue store. publisher may be nil.
func NewQueueEntryRepository(db *DB, publisher ChangePublisher, log *slog.Logger) QueueEntryRepository {
	return &queueEntryRepo{db: db, publisher: publisher, log: log}
}

func (r *queueEntryRepo) builder() *entsql.DialectBuilder {
	return entsql.Dialect(r.db.Dialect())
}

func (r *queueEntryRepo) publish(ctx context.Context, kind entity.ChangeKind, e *entity.QueueEntry) {
	if r.publisher == nil || e == nil {
		return
	}
	r.publisher.Publish(ctx, entity.Change{Kind: kind, Entry: e.Clone()})
}

func (r *queueEntryRepo) Insert(ctx context.Context, e *entity.QueueEntry) error {
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}
	var token any
	if e.ClaimToken != nil {
		token = *e.ClaimToken
	}
	var procMs any
	if e.ProcessingTimeMs != nil {
		procMs = *e.ProcessingTimeMs
	}
	var errMsg any
	if e.ErrorMessage != nil {
		errMsg = *e.ErrorMessage
	}
	query, args := r.builder().Insert(queueEntriesTable).
		Columns(queueEntryColumns...).
		Values(
			e.ID, e.OwnerID, e.DocumentID, e.Priority, string(e.Status), e.AttemptCount, e.MaxAttempts,
			errMsg, ptrTime(e.ProcessingStartedAt), ptrTime(e.ProcessingCompletedAt), procMs,
			string(e.Phase), e.Progress, meta, token, e.Version,
			e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
		).Query()
	if _, err := r.db.SQL().ExecContext(ctx, query, args...); err != nil {
		r.log.Error("queue_entry insert failed", "entry_id", e.ID, "document_id", e.DocumentID, "err", err)
		return fmt.Errorf("%w: insert queue entry: %v", common.ErrDatabase, err)
	}
	r.log.Debug("queue_entry inserted", "entry_id", e.ID, "priority", e.Priority)
	r.publish(ctx, entity.ChangeInsert, e)
	return nil
}

func (r *queueEntryRepo) Get(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	query, args := r.builder().Select(queueEntryColumns...).
		From(r.builder().Table(queueEntriesTable)).
		Where(entsql.EQ("id", id)).
		Query()
	rows, err := r.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("queue entry %s: %w", id, common.ErrNotFound)
	}
	return rows[0], nil
}

func (r *queueEntryRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, statuses ...constants.QueueStatus) ([]*entity.QueueEntry, error) {
	sel := r.builder().Select(queueEntryColumns...).
		From(r.builder().Table(queueEntriesTable)).
		Where(entsql.EQ("owner_id", ownerID))
	if len(statuses) > 0 {
		sel.Where(entsql.In("status", statusArgs(statuses)...))
	}
	query, args := orderQueue(sel).Query()
	return r.query(ctx, query, args)
}

func (r *queueEntryRepo) ListClaimable(ctx context.Context, limit int) ([]*entity.QueueEntry, error) {
	sel := r.builder().Select(queueEntryColumns...).
		From(r.builder().Table(queueEntriesTable)).
		Where(entsql.In("status", statusArgs([]constants.QueueStatus{constants.QueueStatusQueued, constants.QueueStatusRetrying})...))
	if limit > 0 {
		sel.Limit(limit)
	}
	query, args := orderQueue(sel).Query()
	return r.query(ctx, query, args)
}

func (r *queueEntryRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.QueueEntry, error) {
	sel := r.builder().Select(queueEntryColumns...).
		From(r.builder().Table(queueEntriesTable)).
		Where(entsql.EQ("document_id", documentID))
	query, args := orderQueue(sel).Query()
	return r.query(ctx, query, args)
}

// Update applies patch only if the row still carries expectedVersion, and bumps the version.
func (r *queueEntryRepo) Update(ctx context.Context, id uuid.UUID, expectedVersion int64, patch QueuePatch) (*entity.QueueEntry, error) {
	upd := r.builder().Update(queueEntriesTable).
		Set("version", expectedVersion+1).
		Set("updated_at", patch.UpdatedAt.UTC())
	if patch.Status != nil {
		upd.Set("status", string(*patch.Status))
	}
	if patch.Priority != nil {
		upd.Set("priority", *patch.Priority)
	}
	if patch.AttemptCount != nil {
		upd.Set("attempt_count", *patch.AttemptCount)
	}
	switch {
	case patch.ClearError:
		upd.SetNull("error_message")
	case patch.ErrorMessage != nil:
		upd.Set("error_message", *patch.ErrorMessage)
	}
	if patch.StartedAt != nil {
		upd.Set("processing_started_at", patch.StartedAt.UTC())
	}
	if patch.ClearCompletion {
		upd.SetNull("processing_completed_at").SetNull("processing_time_ms")
	} else {
		if patch.CompletedAt != nil {
			upd.Set("processing_completed_at", patch.CompletedAt.UTC())
		}
		if patch.ProcessingTimeMs != nil {
			upd.Set("processing_time_ms", *patch.ProcessingTimeMs)
		}
	}
	if patch.Phase != nil {
		upd.Set("processing_phase", string(*patch.Phase))
	}
	if patch.Progress != nil {
		upd.Set("progress_percentage", *patch.Progress)
	}
	if patch.Metadata != nil {
		meta, err := encodeJSON(patch.Metadata)
		if err != nil {
			return nil, err
		}
		upd.Set("metadata", meta)
	}
	switch {
	case patch.ClearClaim:
		upd.SetNull("claim_token")
	case patch.ClaimToken != nil:
		upd.Set("claim_token", *patch.ClaimToken)
	}

	// the written row comes back with the update; a follow-up read can race a delete
	query, args := upd.Where(entsql.And(
		entsql.EQ("id", id),
		entsql.EQ("version", expectedVersion),
	)).Returning(queueEntryColumns...).Query()
	rows, err := r.query(ctx, query, args)
	if err != nil {
		r.log.Error("queue_entry update failed", "entry_id", id, "err", err)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, r.missOrConflict(ctx, id, expectedVersion)
	}

	updated := rows[0]
	r.publish(ctx, entity.ChangeUpdate, updated)
	return updated, nil
}

func (r *queueEntryRepo) Delete(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("queue entry %s version %d, expected %d: %w", id, current.Version, expectedVersion, common.ErrConflict)
	}
	query, args := r.builder().Delete(queueEntriesTable).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("version", expectedVersion),
		)).Query()
	res, err := r.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("queue_entry delete failed", "entry_id", id, "err", err)
		return fmt.Errorf("%w: delete queue entry: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", common.ErrDatabase, err)
	}
	if n == 0 {
		return r.missOrConflict(ctx, id, expectedVersion)
	}
	r.publish(ctx, entity.ChangeDelete, current)
	return nil
}

// DeleteMany removes the given entries that are still in status and returns what was removed.
func (r *queueEntryRepo) DeleteMany(ctx context.Context, ids []uuid.UUID, status constants.QueueStatus) ([]*entity.QueueEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}
	guard := entsql.And(
		entsql.In("id", idArgs...),
		entsql.EQ("status", string(status)),
	)

	query, args := r.builder().Select(queueEntryColumns...).
		From(r.builder().Table(queueEntriesTable)).
		Where(guard).
		Query()
	victims, err := r.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(victims) == 0 {
		return nil, nil
	}

	victimArgs := make([]any, len(victims))
	for i, v := range victims {
		victimArgs[i] = v.ID
	}
	query, args = r.builder().Delete(queueEntriesTable).
		Where(entsql.And(
			entsql.In("id", victimArgs...),
			entsql.EQ("status", string(status)),
		)).Query()
	res, err := r.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("queue_entry bulk delete failed", "count", len(victims), "err", err)
		return nil, fmt.Errorf("%w: bulk delete: %v", common.ErrDatabase, err)
	}
	if n, err := res.RowsAffected(); err == nil && int(n) != len(victims) {
		r.log.Warn("queue_entry bulk delete count mismatch", "selected", len(victims), "deleted", n)
	}
	for _, v := range victims {
		r.publish(ctx, entity.ChangeDelete, v)
	}
	r.log.Info("queue_entry bulk delete", "status", status, "deleted", len(victims))
	return victims, nil
}

func (r *queueEntryRepo) missOrConflict(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("queue entry %s changed since version %d: %w", id, expectedVersion, common.ErrConflict)
}

func (r *queueEntryRepo) query(ctx context.Context, query string, args []any) ([]*entity.QueueEntry, error) {
	rows, err := r.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Error("queue_entry query failed", "err", err)
		return nil, fmt.Errorf("%w: query queue entries: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*entity.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate queue entries: %v", common.ErrDatabase, err)
	}
	return out, nil
}

func scanQueueEntry(rows *sql.Rows) (*entity.QueueEntry, error) {
	var (
		e           entity.QueueEntry
		status      string
		phase       string
		errMsg      sql.NullString
		started     nullTime
		completed   nullTime
		procMs      sql.NullInt64
		meta        []byte
		claimToken  uuid.NullUUID
		createdAt   nullTime
		updatedAt   nullTime
		priority    int64
		attempts    int64
		maxAttempts int64
		progress    int64
	)
	if err := rows.Scan(
		&e.ID, &e.OwnerID, &e.DocumentID, &priority, &status, &attempts, &maxAttempts,
		&errMsg, &started, &completed, &procMs,
		&phase, &progress, &meta, &claimToken, &e.Version,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("%w: scan queue entry: %v", common.ErrDatabase, err)
	}

	st, err := constants.ParseQueueStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	e.Status = st
	e.Priority = int(priority)
	e.AttemptCount = int(attempts)
	e.MaxAttempts = int(maxAttempts)
	e.Progress = int(progress)
	e.Phase = constants.Phase(phase)
	if errMsg.Valid {
		msg := errMsg.String
		e.ErrorMessage = &msg
	}
	e.ProcessingStartedAt = started.ptr()
	e.ProcessingCompletedAt = completed.ptr()
	if procMs.Valid {
		ms := procMs.Int64
		e.ProcessingTimeMs = &ms
	}
	if e.Metadata, err = decodeJSON(meta); err != nil {
		return nil, err
	}
	if claimToken.Valid {
		tok := claimToken.UUID
		e.ClaimToken = &tok
	}
	e.CreatedAt = createdAt.Time
	e.UpdatedAt = updatedAt.Time
	return &e, nil
}

func orderQueue(sel *entsql.Selector) *entsql.Selector {
	return sel.OrderBy(entsql.Desc("priority"), entsql.Asc("created_at"), entsql.Asc("id"))
}

func statusArgs(statuses []constants.QueueStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
