package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/health-records/internal/entity"
)

// ChangeChannel is the Postgres NOTIFY channel carrying queue writes between processes.
const ChangeChannel = "queue_changes"

// changeNotice is the NOTIFY payload. Rows are re-read on receipt so the
// payload stays far below the 8000 byte limit.
type changeNotice struct {
	Origin  string            `json:"origin"`
	Kind    entity.ChangeKind `json:"kind"`
	ID      uuid.UUID         `json:"id"`
	OwnerID uuid.UUID         `json:"owner_id"`
	Version int64             `json:"version"`
}

// PGNotifier forwards changes to other processes via pg_notify.
type PGNotifier struct {
	pool   *pgxpool.Pool
	origin string
	log    *slog.Logger
}

func NewPGNotifier(pool *pgxpool.Pool, origin string, log *slog.Logger) *PGNotifier {
	return &PGNotifier{pool: pool, origin: origin, log: log}
}

func (n *PGNotifier) Publish(ctx context.Context, change entity.Change) {
	payload, err := json.Marshal(changeNotice{
		Origin:  n.origin,
		Kind:    change.Kind,
		ID:      change.Entry.ID,
		OwnerID: change.Entry.OwnerID,
		Version: change.Entry.Version,
	})
	if err != nil {
		n.log.Error("queue.notify.encode_failed", "entry_id", change.Entry.ID, "err", err)
		return
	}
	if _, err := n.pool.Exec(context.WithoutCancel(ctx), "SELECT pg_notify($1, $2)", ChangeChannel, string(payload)); err != nil {
		n.log.Warn("queue.notify.failed", "entry_id", change.Entry.ID, "kind", change.Kind, "err", err)
	}
}

// MultiPublisher publishes to each publisher in order.
type MultiPublisher []ChangePublisher

func (m MultiPublisher) Publish(ctx context.Context, change entity.Change) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, change)
		}
	}
}

// Listener LISTENs on ChangeChannel and republishes changes written by other
// processes to a local publisher.
type Listener struct {
	pool   *pgxpool.Pool
	repo   QueueEntryRepository
	local  ChangePublisher
	origin string
	log    *slog.Logger
}

// NewListener needs repo to be built without the local publisher, so re-reads do not echo.
func NewListener(pool *pgxpool.Pool, repo QueueEntryRepository, local ChangePublisher, origin string, log *slog.Logger) *Listener {
	return &Listener{pool: pool, repo: repo, local: local, origin: origin, log: log}
}

const (
	listenBackoffMin = time.Second
	listenBackoffMax = 30 * time.Second
)

// Run blocks until ctx is done, reconnecting after connection errors.
func (l *Listener) Run(ctx context.Context) error {
	var sched reconnectSchedule
	for {
		started, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := sched.next(started)
		l.log.Warn("queue.listener.disconnected", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// reconnectSchedule doubles the wait after each failed session and starts
// over once a session got as far as LISTEN.
type reconnectSchedule struct {
	cur time.Duration
}

func (s *reconnectSchedule) next(started bool) time.Duration {
	if started || s.cur == 0 {
		s.cur = listenBackoffMin
	}
	wait := s.cur
	s.cur = min(s.cur*2, listenBackoffMax)
	return wait
}

func (l *Listener) listen(ctx context.Context) (started bool, err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return false, err
	}
	l.log.Info("queue.listener.started", "channel", ChangeChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		var notice changeNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
			l.log.Warn("queue.listener.bad_payload", "err", err)
			continue
		}
		if notice.Origin == l.origin {
			continue
		}
		l.dispatch(ctx, notice)
	}
}

func (l *Listener) dispatch(ctx context.Context, notice changeNotice) {
	if notice.Kind == entity.ChangeDelete {
		l.local.Publish(ctx, entity.Change{Kind: entity.ChangeDelete, Entry: &entity.QueueEntry{
			ID:      notice.ID,
			OwnerID: notice.OwnerID,
			Version: notice.Version,
		}})
		return
	}
	e, err := l.repo.Get(ctx, notice.ID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.log.Debug("queue.listener.reread_skipped", "entry_id", notice.ID, "err", err)
		}
		return
	}
	l.local.Publish(ctx, entity.Change{Kind: notice.Kind, Entry: e})
}
