package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/metrics"
)

// ProcessorQueue is a bounded in-process worker pool.
type ProcessorQueue struct {
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

type Option func(*ProcessorQueue)

func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewProcessorQueue(handler Handler, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	q := &ProcessorQueue{
		handler: handler,
		logger:  logger,
		workers: 2,
		timeout: 5 * time.Minute,
		ch:      make(chan Job, 100),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("async.worker.started", "worker_id", workerID)

				for job := range q.ch {
					metrics.SetWorkerQueueDepth(len(q.ch))
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					if job.RequestID != "" {
						ctx = common.WithRequestID(ctx, job.RequestID)
					}
					err := q.handler.ProcessEntry(ctx, job.EntryID)
					cancel()
					logResult(q.logger, job, err, "worker_id", workerID)
				}

				q.logger.Debug("async.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Dispatch queues the entry. When the buffer is full it blocks until a slot
// frees up, ctx is done or the queue shuts down.
func (q *ProcessorQueue) Dispatch(ctx context.Context, id uuid.UUID) error {
	job := newJob(ctx, id)
	sent, err := q.trySend(job)
	if err != nil {
		q.logger.Warn("async.dispatch.closed", "entry_id", id)
		metrics.RecordDispatchError("local")
		return err
	}
	if !sent {
		q.logger.Warn("async.dispatch.backpressure", "entry_id", id)
		if err := q.send(ctx, job); err != nil {
			metrics.RecordDispatchError("local")
			return err
		}
	}
	metrics.SetWorkerQueueDepth(len(q.ch))
	q.logger.Debug("async.dispatched", "entry_id", id)
	return nil
}

func (q *ProcessorQueue) trySend(job Job) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	select {
	case q.ch <- job:
		return true, nil
	default:
		return false, nil
	}
}

// send waits for room without holding mu. Shutdown may close ch under a
// waiting sender.
func (q *ProcessorQueue) send(ctx context.Context, job Job) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrQueueClosed
		}
	}()
	select {
	case <-q.quit:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- job:
		return nil
	case <-q.quit:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits for queued jobs until ctx is done.
func (q *ProcessorQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.quit)
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("async.shutdown.interrupted")
	case <-done:
		q.logger.Info("async.shutdown.drained")
	}
}
