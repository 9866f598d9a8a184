package clientsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/events"
	"github.com/joseph-ayodele/health-records/internal/queue"
)

type fakeFetcher struct {
	mu      sync.Mutex
	entries []*entity.QueueEntry
	calls   int
}

func (f *fakeFetcher) ListByOwner(_ context.Context, _ uuid.UUID, _ ...constants.QueueStatus) ([]*entity.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]*entity.QueueEntry, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Clone()
	}
	return out, nil
}

func (f *fakeFetcher) set(entries ...*entity.QueueEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newEntry(owner uuid.UUID, priority int, offset time.Duration) *entity.QueueEntry {
	return &entity.QueueEntry{
		ID:          uuid.New(),
		OwnerID:     owner,
		Priority:    priority,
		Status:      constants.QueueStatusQueued,
		MaxAttempts: 3,
		Version:     1,
		CreatedAt:   base.Add(offset),
	}
}

func with(e *entity.QueueEntry, mutate func(*entity.QueueEntry)) *entity.QueueEntry {
	c := e.Clone()
	mutate(c)
	c.Version++
	return c
}

func startProjection(t *testing.T, bus *events.ChangeBus, f Fetcher, owner uuid.UUID, opts ...Option) *Projection {
	t.Helper()
	p := New(bus, f, owner, common.DiscardLogger(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("projection not ready")
	}
	return p
}

func ids(entries []*entity.QueueEntry) []uuid.UUID {
	out := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestProjection_FetchThenDeltas(t *testing.T) {
	owner := uuid.New()
	first := newEntry(owner, 0, 0)
	f := &fakeFetcher{entries: []*entity.QueueEntry{first}}
	bus := events.NewBus[entity.Change](16, common.DiscardLogger())
	p := startProjection(t, bus, f, owner)

	assert.Equal(t, []uuid.UUID{first.ID}, ids(p.Snapshot()))

	urgent := newEntry(owner, 8, time.Second)
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeInsert, Entry: urgent})
	processing := with(first, func(e *entity.QueueEntry) { e.Status = constants.QueueStatusProcessing })
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeUpdate, Entry: processing})

	require.Eventually(t, func() bool {
		got, ok := p.Get(first.ID)
		return ok && got.Status == constants.QueueStatusProcessing && len(p.Snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uuid.UUID{urgent.ID, first.ID}, ids(p.Snapshot()))
	assert.Equal(t, queue.Stats{Total: 2, Queued: 1, Processing: 1}, p.Stats())
	assert.Len(t, p.HighPriorityItems(), 1)

	// other owners are filtered before they reach the projection
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeInsert, Entry: newEntry(uuid.New(), 0, 0)})
	sentinel := newEntry(owner, 0, 2*time.Second)
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeInsert, Entry: sentinel})
	require.Eventually(t, func() bool { _, ok := p.Get(sentinel.ID); return ok }, time.Second, 5*time.Millisecond)
	assert.Len(t, p.Snapshot(), 3)
	assert.Equal(t, 1, f.calls)
}

func TestProjection_Apply(t *testing.T) {
	owner := uuid.New()
	p := New(events.NewBus[entity.Change](1, nil), &fakeFetcher{}, owner, common.DiscardLogger())
	e := newEntry(owner, 0, 0)

	assert.True(t, p.Apply(entity.Change{Kind: entity.ChangeInsert, Entry: e}))
	assert.False(t, p.Apply(entity.Change{Kind: entity.ChangeInsert, Entry: e}), "duplicate insert")

	v2 := with(e, func(e *entity.QueueEntry) { e.Status = constants.QueueStatusProcessing })
	v3 := with(v2, func(e *entity.QueueEntry) { e.Status = constants.QueueStatusFailed })
	assert.True(t, p.Apply(entity.Change{Kind: entity.ChangeUpdate, Entry: v3}))
	assert.False(t, p.Apply(entity.Change{Kind: entity.ChangeUpdate, Entry: v2}), "stale update")
	got, ok := p.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, constants.QueueStatusFailed, got.Status)

	assert.True(t, p.Apply(entity.Change{Kind: entity.ChangeDelete, Entry: v3}))
	assert.False(t, p.Apply(entity.Change{Kind: entity.ChangeUpdate, Entry: v3}), "update after delete")
	_, ok = p.Get(e.ID)
	assert.False(t, ok)

	assert.False(t, p.Apply(entity.Change{Kind: entity.ChangeInsert, Entry: newEntry(uuid.New(), 0, 0)}), "foreign owner")
	assert.False(t, p.Apply(entity.Change{Kind: entity.ChangeUpdate}))
}

func TestProjection_SnapshotIsCopy(t *testing.T) {
	owner := uuid.New()
	p := New(events.NewBus[entity.Change](1, nil), &fakeFetcher{}, owner, common.DiscardLogger())
	e := newEntry(owner, 0, 0)
	p.Apply(entity.Change{Kind: entity.ChangeInsert, Entry: e})

	snap := p.Snapshot()
	snap[0].Status = constants.QueueStatusCompleted
	e.Status = constants.QueueStatusFailed

	got, _ := p.Get(e.ID)
	assert.Equal(t, constants.QueueStatusQueued, got.Status)
}

func TestProjection_DerivedViews(t *testing.T) {
	owner := uuid.New()
	p := New(events.NewBus[entity.Change](1, nil), &fakeFetcher{}, owner, common.DiscardLogger(), WithHighPriorityThreshold(3))
	assert.Zero(t, p.AverageProcessingTime())

	for i, ms := range []int64{120, 80} {
		e := newEntry(owner, i*5, time.Duration(i)*time.Second)
		e.Status = constants.QueueStatusCompleted
		v := ms
		e.ProcessingTimeMs = &v
		p.Apply(entity.Change{Kind: entity.ChangeInsert, Entry: e})
	}
	p.Apply(entity.Change{Kind: entity.ChangeInsert, Entry: newEntry(owner, 0, 5*time.Second)})

	assert.Equal(t, 100.0, p.AverageProcessingTime())
	assert.Len(t, p.ItemsByStatus(constants.QueueStatusCompleted), 2)
	assert.Len(t, p.HighPriorityItems(), 1)
	assert.Equal(t, 3, p.Stats().Total)
}

func TestProjection_ResyncOnLag(t *testing.T) {
	owner := uuid.New()
	first := newEntry(owner, 0, 0)
	f := &fakeFetcher{entries: []*entity.QueueEntry{first}}
	bus := events.NewBus[entity.Change](1, common.DiscardLogger())
	p := startProjection(t, bus, f, owner)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.OnChange(func(entity.Change) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	a := newEntry(owner, 0, time.Second)
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeInsert, Entry: a})
	<-entered

	b := newEntry(owner, 0, 2*time.Second)
	c := newEntry(owner, 0, 3*time.Second)
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeInsert, Entry: b})
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeInsert, Entry: c})

	f.set(first, a, b, c)
	close(release)

	require.Eventually(t, func() bool { return p.Resyncs() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(p.Snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uuid.UUID{first.ID, a.ID, b.ID, c.ID}, ids(p.Snapshot()))
}

func TestProjection_OnChangeUnsubscribe(t *testing.T) {
	owner := uuid.New()
	bus := events.NewBus[entity.Change](8, common.DiscardLogger())
	p := startProjection(t, bus, &fakeFetcher{}, owner)

	var (
		mu   sync.Mutex
		seen []entity.ChangeKind
	)
	stop := p.OnChange(func(c entity.Change) {
		mu.Lock()
		seen = append(seen, c.Kind)
		mu.Unlock()
	})

	e := newEntry(owner, 0, 0)
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeInsert, Entry: e})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	stop()
	bus.Publish(context.Background(), entity.Change{Kind: entity.ChangeDelete, Entry: e})
	require.Eventually(t, func() bool { return len(p.Snapshot()) == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []entity.ChangeKind{entity.ChangeInsert}, seen)
}
