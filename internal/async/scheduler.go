package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ClaimableLister is satisfied by queue.Service.
type ClaimableLister interface {
	ClaimableIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Dispatcher is satisfied by ProcessorQueue and AMQP.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
}

// Scheduler periodically re-dispatches claimable entries, so an entry whose
// dispatch was lost (crash, full broker) is still processed.
type Scheduler struct {
	lister     ClaimableLister
	dispatcher Dispatcher
	interval   time.Duration
	batch      int
	log        *slog.Logger
}

func NewScheduler(lister ClaimableLister, dispatcher Dispatcher, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{lister: lister, dispatcher: dispatcher, interval: interval, batch: 100, log: log}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("async.sweep.failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep dispatches up to one batch of claimable entries and returns how many
// were handed off.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	ids, err := s.lister.ClaimableIDs(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			s.log.Warn("async.sweep.dispatch_failed", "entry_id", id, "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("async.sweep.dispatched", "count", n)
	}
	return n, nil
}
