package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
)

// ErrPollTimeout is returned by Poller.Wait when the poll cap is reached.
// The entry itself is left as it is.
var ErrPollTimeout = common.ErrPollTimeout

const (
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 30
)

// EntryGetter is satisfied by queue.Service.
type EntryGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error)
}

type PollerOption func(*Poller)

// WithPollInterval sets the minimum gap between polls.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxPolls caps the number of reads per Wait.
func WithMaxPolls(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxPolls = n
		}
	}
}

// Poller observes an entry until it stops processing.
type Poller struct {
	getter   EntryGetter
	interval time.Duration
	maxPolls int
}

func NewPoller(getter EntryGetter, opts ...PollerOption) *Poller {
	p := &Poller{getter: getter, interval: DefaultPollInterval, maxPolls: DefaultMaxPolls}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait returns the entry once it is completed or failed. onProgress, when
// set, sees every read.
func (p *Poller) Wait(ctx context.Context, id uuid.UUID, onProgress func(*entity.QueueEntry)) (*entity.QueueEntry, error) {
	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	var last *entity.QueueEntry
	for i := 0; i < p.maxPolls; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return last, err
		}
		e, err := p.getter.Get(ctx, id)
		if err != nil {
			return last, err
		}
		last = e
		if onProgress != nil {
			onProgress(e)
		}
		if e.Status == constants.QueueStatusCompleted || e.Status == constants.QueueStatusFailed {
			return e, nil
		}
	}
	return last, ErrPollTimeout
}
