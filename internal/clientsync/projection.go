// Package clientsync keeps an in-memory, per-owner view of the queue in step
// with the store: one ordered fetch, then change deltas from the event bus.
package clientsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/events"
	"github.com/joseph-ayodele/health-records/internal/queue"
)

// Fetcher loads the owner's ordered queue. QueueEntryRepository satisfies it.
type Fetcher interface {
	ListByOwner(ctx context.Context, ownerID uuid.UUID, statuses ...constants.QueueStatus) ([]*entity.QueueEntry, error)
}

type Option func(*Projection)

// WithHighPriorityThreshold sets the cut-off used by HighPriorityItems.
func WithHighPriorityThreshold(n int) Option {
	return func(p *Projection) { p.threshold = n }
}

// Projection is safe for concurrent use. Run drives it; readers may call the
// view methods at any time.
type Projection struct {
	bus       *events.ChangeBus
	fetcher   Fetcher
	owner     uuid.UUID
	threshold int
	log       *slog.Logger

	mu         sync.RWMutex
	entries    map[uuid.UUID]*entity.QueueEntry
	tombstones map[uuid.UUID]int64
	callbacks  map[int]func(entity.Change)
	nextCB     int
	resyncs    int

	readyOnce sync.Once
	ready     chan struct{}
}

func New(bus *events.ChangeBus, fetcher Fetcher, owner uuid.UUID, log *slog.Logger, opts ...Option) *Projection {
	p := &Projection{
		bus:        bus,
		fetcher:    fetcher,
		owner:      owner,
		threshold:  queue.DefaultHighPriorityThreshold,
		log:        log,
		entries:    make(map[uuid.UUID]*entity.QueueEntry),
		tombstones: make(map[uuid.UUID]int64),
		callbacks:  make(map[int]func(entity.Change)),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run subscribes, fetches and then applies deltas until ctx is done or the bus
// closes. A lagging subscription is replaced and the snapshot refetched.
func (p *Projection) Run(ctx context.Context) error {
	for {
		sub := p.bus.Subscribe(events.OwnerChanges(p.owner))
		if err := p.resync(ctx); err != nil {
			sub.Close()
			return err
		}
		p.readyOnce.Do(func() { close(p.ready) })

		lagged, err := p.consume(ctx, sub)
		sub.Close()
		if err != nil || !lagged {
			return err
		}
		p.log.Warn("clientsync.resync", "owner_id", p.owner)
	}
}

// Ready is closed after the first fetch has been applied.
func (p *Projection) Ready() <-chan struct{} { return p.ready }

func (p *Projection) consume(ctx context.Context, sub *events.Subscription[entity.Change]) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case c, ok := <-sub.C():
			if !ok {
				return sub.Lagged(), nil
			}
			if p.Apply(c) {
				p.emit(c)
			}
		}
	}
}

func (p *Projection) resync(ctx context.Context) error {
	list, err := p.fetcher.ListByOwner(ctx, p.owner)
	if err != nil {
		p.log.Error("clientsync.fetch_failed", "owner_id", p.owner, "err", err)
		return err
	}
	entries := make(map[uuid.UUID]*entity.QueueEntry, len(list))
	for _, e := range list {
		entries[e.ID] = e.Clone()
	}

	p.mu.Lock()
	p.entries = entries
	p.tombstones = make(map[uuid.UUID]int64)
	p.resyncs++
	p.mu.Unlock()
	p.log.Debug("clientsync.fetched", "owner_id", p.owner, "entries", len(list))
	return nil
}

// Apply folds one change into the snapshot and reports whether it changed
// anything. Changes older than what the snapshot holds are ignored.
func (p *Projection) Apply(c entity.Change) bool {
	if c.Entry == nil || c.Entry.OwnerID != p.owner {
		return false
	}
	id := c.Entry.ID

	p.mu.Lock()
	defer p.mu.Unlock()
	cur, have := p.entries[id]
	switch c.Kind {
	case entity.ChangeDelete:
		if have && cur.Version > c.Entry.Version {
			return false
		}
		delete(p.entries, id)
		if v, ok := p.tombstones[id]; !ok || v < c.Entry.Version {
			p.tombstones[id] = c.Entry.Version
		}
		return have
	case entity.ChangeInsert, entity.ChangeUpdate:
		if have && cur.Version >= c.Entry.Version {
			return false
		}
		if v, ok := p.tombstones[id]; ok && v >= c.Entry.Version {
			return false
		}
		p.entries[id] = c.Entry.Clone()
		return true
	default:
		return false
	}
}

// OnChange registers fn for every applied change. The returned func unregisters it.
func (p *Projection) OnChange(fn func(entity.Change)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextCB
	p.nextCB++
	p.callbacks[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.callbacks, id)
		p.mu.Unlock()
	}
}

func (p *Projection) emit(c entity.Change) {
	p.mu.RLock()
	fns := make([]func(entity.Change), 0, len(p.callbacks))
	for _, fn := range p.callbacks {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(entity.Change{Kind: c.Kind, Entry: c.Entry.Clone()})
	}
}

// Snapshot returns copies of the entries in queue order.
func (p *Projection) Snapshot() []*entity.QueueEntry {
	p.mu.RLock()
	out := make([]*entity.QueueEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.Clone())
	}
	p.mu.RUnlock()
	queue.SortQueue(out)
	return out
}

// Get returns a copy of one entry.
func (p *Projection) Get(id uuid.UUID) (*entity.QueueEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (p *Projection) Stats() queue.Stats {
	return queue.ComputeStats(p.Snapshot())
}

func (p *Projection) ItemsByStatus(status constants.QueueStatus) []*entity.QueueEntry {
	return queue.FilterByStatus(p.Snapshot(), status)
}

func (p *Projection) HighPriorityItems() []*entity.QueueEntry {
	return queue.HighPriority(p.Snapshot(), p.threshold)
}

// AverageProcessingTime is in milliseconds; 0 when nothing completed.
func (p *Projection) AverageProcessingTime() float64 {
	return queue.AverageProcessingTime(p.Snapshot())
}

// Resyncs counts full fetches, including the initial one.
func (p *Projection) Resyncs() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resyncs
}
