// Package async hands queue entries to pipeline runs, either through an
// in-process worker pool or through an AMQP queue.
package async

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/internal/common"
)

// ErrQueueClosed is returned by Dispatch after Shutdown.
var ErrQueueClosed = errors.New("dispatch queue is shut down")

// Job is one request to run the pipeline for an entry.
type Job struct {
	EntryID     uuid.UUID `json:"entry_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	RequestID   string    `json:"request_id,omitempty"`
}

func newJob(ctx context.Context, id uuid.UUID) Job {
	return Job{EntryID: id, SubmittedAt: time.Now().UTC(), RequestID: common.RequestIDFromContext(ctx)}
}

// Handler runs one entry. pipeline.Processor satisfies it.
type Handler interface {
	ProcessEntry(ctx context.Context, entryID uuid.UUID) error
}

// logResult logs a finished run. Lost claims and entries that are no longer
// claimable are routine when several dispatchers see the same entry.
func logResult(log *slog.Logger, job Job, err error, attrs ...any) {
	attrs = append(attrs, "entry_id", job.EntryID, "queued_ms", time.Since(job.SubmittedAt).Milliseconds())
	switch {
	case err == nil:
		log.Info("async.job.done", attrs...)
	case errors.Is(err, common.ErrAlreadyClaimed), errors.Is(err, common.ErrInvalidTransition), errors.Is(err, common.ErrNotFound):
		log.Debug("async.job.skipped", append(attrs, "reason", err)...)
	default:
		log.Warn("async.job.failed", append(attrs, "err", err)...)
	}
}
