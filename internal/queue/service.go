// Package queue owns the document processing queue: the status state machine,
// the retry policy and every mutation of queue entries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/metrics"
	"github.com/joseph-ayodele/health-records/internal/notify"
	"github.com/joseph-ayodele/health-records/internal/repository"
)

const (
	DefaultMaxAttempts           = 3
	DefaultHighPriorityThreshold = 5
	MinPriority                  = -1000
	MaxPriority                  = 1000
	maxAttemptsLimit             = 20
	casRetries                   = 5
)

// Dispatcher hands a claimable entry to whatever runs the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, entryID uuid.UUID) error
}

// EnqueueRequest describes a new queue entry. MaxAttempts 0 means the service default.
type EnqueueRequest struct {
	DocumentID  uuid.UUID
	Priority    int
	MaxAttempts int
	Metadata    map[string]any
}

// ClaimRef identifies the orchestrator run that holds an entry in processing.
type ClaimRef struct {
	EntryID uuid.UUID
	Token   uuid.UUID
}

// BulkResult aggregates a bulk operation. Failures do not undo Affected entries.
type BulkResult struct {
	Affected []uuid.UUID          `json:"affected"`
	Skipped  []uuid.UUID          `json:"skipped,omitempty"`
	Failures map[uuid.UUID]string `json:"failures,omitempty"`
}

// NoOp reports whether nothing qualified for the operation.
func (r BulkResult) NoOp() bool {
	return len(r.Affected) == 0 && len(r.Failures) == 0
}

// Err summarizes per-entry failures, or nil.
func (r BulkResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for id, msg := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %s", id, msg))
	}
	return errors.Join(errs...)
}

// Service is constructed once per process and passed to every consumer.
type Service struct {
	entries    repository.QueueEntryRepository
	docs       repository.DocumentRepository
	dispatcher Dispatcher
	sink       notify.Sink
	now        func() time.Time
	log        *slog.Logger

	maxAttempts     int
	highPriority    int
	bulkConcurrency int
}

type Option func(*Service)

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

func WithNotifier(sink notify.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDefaultMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithHighPriorityThreshold(n int) Option {
	return func(s *Service) { s.highPriority = n }
}

func WithBulkConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.bulkConcurrency = n
		}
	}
}

func NewService(entries repository.QueueEntryRepository, docs repository.DocumentRepository, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		entries:         entries,
		docs:            docs,
		sink:            notify.Discard{},
		now:             time.Now,
		log:             log,
		maxAttempts:     DefaultMaxAttempts,
		highPriority:    DefaultHighPriorityThreshold,
		bulkConcurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDispatcher wires the dispatcher after construction; the worker pool
// needs the service before it exists.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// HighPriorityThreshold is the priority at or above which an entry is high priority.
func (s *Service) HighPriorityThreshold() int { return s.highPriority }

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Enqueue creates a queued entry for one of the caller's documents.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*entity.QueueEntry, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return nil, err
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.maxAttempts
	}
	v := common.NewValidator().
		Field("document_id", req.DocumentID, common.NonNilUUID).
		Field("priority", req.Priority, common.IntRange(MinPriority, MaxPriority)).
		Field("max_attempts", req.MaxAttempts, common.IntRange(1, maxAttemptsLimit))
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}

	doc, err := s.docs.GetByID(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != owner {
		return nil, notFound(req.DocumentID)
	}

	now := s.clock()
	e := &entity.QueueEntry{
		ID:          uuid.New(),
		OwnerID:     owner,
		DocumentID:  doc.ID,
		Priority:    req.Priority,
		Status:      constants.QueueStatusQueued,
		MaxAttempts: req.MaxAttempts,
		Metadata:    req.Metadata,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.entries.Insert(ctx, e); err != nil {
		return nil, err
	}
	metrics.RecordEnqueued()
	s.log.Info("queue.enqueued", "entry_id", e.ID, "document_id", doc.ID, "priority", e.Priority, "max_attempts", e.MaxAttempts)
	s.dispatch(ctx, e.ID)
	return e, nil
}

// Get returns one of the caller's entries.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.entries.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != owner {
		return nil, notFound(id)
	}
	return e, nil
}

// Lookup returns any entry regardless of caller. Orchestrator use only.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	return s.entries.Get(ctx, id)
}

// ListQueue returns the caller's whole queue in priority order.
func (s *Service) ListQueue(ctx context.Context) ([]*entity.QueueEntry, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.entries.ListByOwner(ctx, owner)
}

func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	entries, err := s.ListQueue(ctx)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(entries), nil
}

func (s *Service) ItemsByStatus(ctx context.Context, status constants.QueueStatus) ([]*entity.QueueEntry, error) {
	if !status.Valid() {
		return nil, common.NewAppError("INVALID_ARGUMENT", fmt.Sprintf("unknown status %q", status), common.ErrInvalidInput)
	}
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.entries.ListByOwner(ctx, owner, status)
}

func (s *Service) HighPriorityItems(ctx context.Context) ([]*entity.QueueEntry, error) {
	entries, err := s.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	return HighPriority(entries, s.highPriority), nil
}

// AverageProcessingTime is in milliseconds; 0 when nothing completed.
func (s *Service) AverageProcessingTime(ctx context.Context) (float64, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return 0, err
	}
	completed, err := s.entries.ListByOwner(ctx, owner, constants.QueueStatusCompleted)
	if err != nil {
		return 0, err
	}
	return AverageProcessingTime(completed), nil
}

// Retry moves a failed entry with attempts left to retrying and dispatches it.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.retry(ctx, owner, id)
	if err != nil {
		s.notify(ctx, owner, notify.KindError, "Retry failed", retryMessage(err))
		return nil, err
	}
	s.notify(ctx, owner, notify.KindSuccess, "Retry started", fmt.Sprintf("Attempt %d of %d queued", e.AttemptCount, e.MaxAttempts))
	s.dispatch(ctx, e.ID)
	return e, nil
}

func (s *Service) retry(ctx context.Context, owner, id uuid.UUID) (*entity.QueueEntry, error) {
	e, err := s.mutate(ctx, id, &owner, EventRetry, func(cur *entity.QueueEntry, out Outcome) (*repository.QueuePatch, error) {
		attempts := cur.AttemptCount + 1
		phase := constants.PhaseNone
		progress := 0
		return &repository.QueuePatch{
			Status:          &out.To,
			AttemptCount:    &attempts,
			ClearError:      true,
			ClearCompletion: true,
			Phase:           &phase,
			Progress:        &progress,
		}, nil
	})
	if err != nil {
		s.log.Warn("queue.retry.rejected", "entry_id", id, "err", err)
		return nil, err
	}
	s.log.Info("queue.retry.applied", "entry_id", id, "attempt", e.AttemptCount, "max_attempts", e.MaxAttempts)
	return e, nil
}

// RetryAllFailed retries every failed entry with attempts left. One entry's
// failure does not stop the others.
func (s *Service) RetryAllFailed(ctx context.Context) (BulkResult, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	failed, err := s.entries.ListByOwner(ctx, owner, constants.QueueStatusFailed)
	if err != nil {
		return BulkResult{}, err
	}

	var (
		result     BulkResult
		candidates []*entity.QueueEntry
	)
	for _, e := range failed {
		if e.Exhausted() {
			result.Skipped = append(result.Skipped, e.ID)
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		s.notify(ctx, owner, notify.KindInfo, "Nothing to retry", "No items to retry")
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkConcurrency)
	for _, c := range candidates {
		id := c.ID
		g.Go(func() error {
			e, err := s.retry(gctx, owner, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if result.Failures == nil {
					result.Failures = make(map[uuid.UUID]string)
				}
				result.Failures[id] = err.Error()
				return nil
			}
			result.Affected = append(result.Affected, e.ID)
			return nil
		})
	}
	_ = g.Wait()
	sortIDs(result.Affected)

	for _, id := range result.Affected {
		s.dispatch(ctx, id)
	}
	switch {
	case len(result.Failures) == 0:
		s.notify(ctx, owner, notify.KindSuccess, "Retry started", fmt.Sprintf("%d item(s) queued for retry", len(result.Affected)))
	default:
		s.notify(ctx, owner, notify.KindWarning, "Retry partially failed",
			fmt.Sprintf("%d item(s) queued, %d failed", len(result.Affected), len(result.Failures)))
	}
	s.log.Info("queue.retry_all.done", "owner_id", owner, "affected", len(result.Affected), "skipped", len(result.Skipped), "failed", len(result.Failures))
	return result, nil
}

// Cancel removes a queued entry. Entries already claimed cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		cur, err := s.entries.Get(ctx, id)
		if err != nil {
			return s.ownerMiss(err, id)
		}
		if cur.OwnerID != owner {
			return notFound(id)
		}
		if _, err := Transition(cur, EventCancel); err != nil {
			metrics.RecordTransition(string(EventCancel), "rejected")
			s.notify(ctx, owner, notify.KindError, "Cancel failed", "Only queued items can be cancelled")
			return err
		}
		err = s.entries.Delete(ctx, id, cur.Version)
		if errors.Is(err, common.ErrConflict) && attempt < casRetries-1 {
			metrics.RecordTransition(string(EventCancel), "conflict")
			continue
		}
		if err != nil {
			return err
		}
		metrics.RecordTransition(string(EventCancel), "applied")
		s.log.Info("queue.cancelled", "entry_id", id)
		s.notify(ctx, owner, notify.KindSuccess, "Cancelled", "Item removed from queue")
		return nil
	}
}

// ClearCompleted deletes the caller's completed entries.
func (s *Service) ClearCompleted(ctx context.Context) (BulkResult, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	completed, err := s.entries.ListByOwner(ctx, owner, constants.QueueStatusCompleted)
	if err != nil {
		return BulkResult{}, err
	}
	var result BulkResult
	ids := make([]uuid.UUID, 0, len(completed))
	for _, e := range completed {
		if _, err := Transition(e, EventClear); err != nil {
			result.Skipped = append(result.Skipped, e.ID)
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) == 0 {
		s.notify(ctx, owner, notify.KindInfo, "Nothing to clear", "No completed items")
		return result, nil
	}

	deleted, err := s.entries.DeleteMany(ctx, ids, constants.QueueStatusCompleted)
	if err != nil {
		s.notify(ctx, owner, notify.KindError, "Clear failed", "Completed items could not be removed")
		return result, err
	}
	gone := make(map[uuid.UUID]struct{}, len(deleted))
	for _, e := range deleted {
		gone[e.ID] = struct{}{}
		result.Affected = append(result.Affected, e.ID)
	}
	for _, id := range ids {
		if _, ok := gone[id]; !ok {
			result.Skipped = append(result.Skipped, id)
		}
	}
	sortIDs(result.Affected)
	metrics.RecordTransition(string(EventClear), "applied")
	s.log.Info("queue.cleared", "owner_id", owner, "deleted", len(result.Affected))
	s.notify(ctx, owner, notify.KindSuccess, "Cleared", fmt.Sprintf("%d completed item(s) removed", len(result.Affected)))
	return result, nil
}

// SetPriority changes priority on a non-terminal entry. Attempts are untouched.
func (s *Service) SetPriority(ctx context.Context, id uuid.UUID, priority int) (*entity.QueueEntry, error) {
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		return nil, err
	}
	v := common.NewValidator().Field("priority", priority, common.IntRange(MinPriority, MaxPriority))
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	e, err := s.mutate(ctx, id, &owner, EventReprioritize, func(_ *entity.QueueEntry, _ Outcome) (*repository.QueuePatch, error) {
		return &repository.QueuePatch{Priority: &priority}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("queue.priority.set", "entry_id", id, "priority", priority)
	return e, nil
}

// Claim atomically moves a queued or retrying entry to processing. Of several
// concurrent claims exactly one succeeds; the rest get ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	token := uuid.New()
	e, err := s.mutate(ctx, id, nil, EventClaim, func(cur *entity.QueueEntry, out Outcome) (*repository.QueuePatch, error) {
		attempts := cur.AttemptCount
		if cur.Status == constants.QueueStatusQueued {
			attempts++
		}
		now := s.clock()
		phase := constants.PhaseClaimed
		progress := 0
		return &repository.QueuePatch{
			Status:          &out.To,
			AttemptCount:    &attempts,
			ClearError:      true,
			StartedAt:       &now,
			ClearCompletion: true,
			Phase:           &phase,
			Progress:        &progress,
			ClaimToken:      &token,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("queue.claimed", "entry_id", id, "attempt", e.AttemptCount)
	return e, nil
}

// ReportProgress records a phase marker for the run holding the claim.
func (s *Service) ReportProgress(ctx context.Context, ref ClaimRef, phase constants.Phase, progress int, metadata map[string]any) (*entity.QueueEntry, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.mutateClaimed(ctx, ref, "", func(cur *entity.QueueEntry) (*repository.QueuePatch, error) {
		return &repository.QueuePatch{
			Phase:    &phase,
			Progress: &progress,
			Metadata: mergeMetadata(cur.Metadata, metadata),
		}, nil
	})
}

// Complete finishes the run holding the claim successfully.
func (s *Service) Complete(ctx context.Context, ref ClaimRef, metadata map[string]any) (*entity.QueueEntry, error) {
	e, err := s.mutateClaimed(ctx, ref, EventSucceed, func(cur *entity.QueueEntry) (*repository.QueuePatch, error) {
		out, err := Transition(cur, EventSucceed)
		if err != nil {
			return nil, err
		}
		completed := s.clock()
		started := completed
		if cur.ProcessingStartedAt != nil {
			started = *cur.ProcessingStartedAt
		}
		ms := completed.Sub(started).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		phase := constants.PhaseCompleted
		progress := 100
		return &repository.QueuePatch{
			Status:           &out.To,
			CompletedAt:      &completed,
			ProcessingTimeMs: &ms,
			Phase:            &phase,
			Progress:         &progress,
			Metadata:         mergeMetadata(cur.Metadata, metadata),
			ClearError:       true,
			ClearClaim:       true,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("queue.completed", "entry_id", e.ID, "processing_time_ms", *e.ProcessingTimeMs)
	s.notify(ctx, e.OwnerID, notify.KindSuccess, "Document processed", "Processing completed")
	return e, nil
}

// Fail finishes the run holding the claim with an error message.
func (s *Service) Fail(ctx context.Context, ref ClaimRef, message string, metadata map[string]any) (*entity.QueueEntry, error) {
	if message == "" {
		message = "processing failed"
	}
	e, err := s.mutateClaimed(ctx, ref, EventFail, func(cur *entity.QueueEntry) (*repository.QueuePatch, error) {
		out, err := Transition(cur, EventFail)
		if err != nil {
			return nil, err
		}
		phase := constants.PhaseFailed
		return &repository.QueuePatch{
			Status:       &out.To,
			ErrorMessage: &message,
			Phase:        &phase,
			Metadata:     mergeMetadata(cur.Metadata, metadata),
			ClearClaim:   true,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("queue.failed", "entry_id", e.ID, "attempt", e.AttemptCount, "max_attempts", e.MaxAttempts, "error", message)
	if e.Exhausted() {
		s.notify(ctx, e.OwnerID, notify.KindError, "Processing failed", fmt.Sprintf("%s (no attempts left)", message))
	} else {
		s.notify(ctx, e.OwnerID, notify.KindWarning, "Processing failed", fmt.Sprintf("%s (%d attempt(s) left)", message, e.AttemptsRemaining()))
	}
	return e, nil
}

// ClaimableIDs lists queued and retrying entries across owners, in queue order.
func (s *Service) ClaimableIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	entries, err := s.entries.ListClaimable(ctx, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

type patchFunc func(cur *entity.QueueEntry, out Outcome) (*repository.QueuePatch, error)

// mutate re-reads the entry and reapplies fn until the versioned write lands.
// owner nil skips the ownership check.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, owner *uuid.UUID, ev Event, fn patchFunc) (*entity.QueueEntry, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.entries.Get(ctx, id)
		if err != nil {
			return nil, s.ownerMiss(err, id)
		}
		if owner != nil && cur.OwnerID != *owner {
			return nil, notFound(id)
		}
		if ev == EventClaim && cur.Status == constants.QueueStatusProcessing {
			metrics.RecordTransition(string(ev), "rejected")
			return nil, fmt.Errorf("entry %s: %w", id, common.ErrAlreadyClaimed)
		}
		out, err := Transition(cur, ev)
		if err != nil {
			metrics.RecordTransition(string(ev), "rejected")
			return nil, err
		}
		patch, err := fn(cur, out)
		if err != nil {
			return nil, err
		}
		patch.UpdatedAt = s.clock()
		updated, err := s.entries.Update(ctx, id, cur.Version, *patch)
		if errors.Is(err, common.ErrConflict) && attempt < casRetries-1 {
			metrics.RecordTransition(string(ev), "conflict")
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.RecordTransition(string(ev), "applied")
		return updated, nil
	}
}

// mutateClaimed is mutate for the orchestrator: the entry must be processing
// under ref.Token. ev is only used for metrics and may be empty.
func (s *Service) mutateClaimed(ctx context.Context, ref ClaimRef, ev Event, fn func(cur *entity.QueueEntry) (*repository.QueuePatch, error)) (*entity.QueueEntry, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.entries.Get(ctx, ref.EntryID)
		if err != nil {
			return nil, err
		}
		if cur.Status != constants.QueueStatusProcessing {
			event := ev
			if event == "" {
				event = "progress"
			}
			return nil, &TransitionError{EntryID: cur.ID, From: cur.Status, Event: event}
		}
		if cur.ClaimToken == nil || *cur.ClaimToken != ref.Token {
			return nil, fmt.Errorf("entry %s held by another run: %w", ref.EntryID, common.ErrAlreadyClaimed)
		}
		patch, err := fn(cur)
		if err != nil {
			return nil, err
		}
		patch.UpdatedAt = s.clock()
		updated, err := s.entries.Update(ctx, ref.EntryID, cur.Version, *patch)
		if errors.Is(err, common.ErrConflict) && attempt < casRetries-1 {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ev != "" {
			metrics.RecordTransition(string(ev), "applied")
		}
		return updated, nil
	}
}

func (s *Service) dispatch(ctx context.Context, id uuid.UUID) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		metrics.RecordDispatchError("queue")
		s.log.Warn("queue.dispatch.failed", "entry_id", id, "err", err)
	}
}

func (s *Service) notify(ctx context.Context, owner uuid.UUID, kind notify.Kind, title, message string) {
	s.sink.Notify(ctx, notify.Notification{
		OwnerID: owner,
		Title:   title,
		Message: message,
		Kind:    kind,
		At:      s.clock(),
	})
}

// ownerMiss hides whether a missing entry exists for someone else.
func (s *Service) ownerMiss(err error, id uuid.UUID) error {
	if errors.Is(err, common.ErrNotFound) {
		return notFound(id)
	}
	return err
}

func notFound(id uuid.UUID) error {
	return common.NewAppError("NOT_FOUND", fmt.Sprintf("queue item %s not found", id), common.ErrNotFound)
}

func retryMessage(err error) string {
	switch {
	case errors.Is(err, common.ErrAttemptsExhausted):
		return "Maximum retry attempts reached"
	case errors.Is(err, common.ErrInvalidTransition):
		return "Only failed items can be retried"
	case errors.Is(err, common.ErrNotFound):
		return "Item not found"
	default:
		return "Retry could not be started"
	}
}

// mergeMetadata overlays extra on base; a nil value removes the key.
func mergeMetadata(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
