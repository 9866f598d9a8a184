package async

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/internal/common"
)

type recordingHandler struct {
	mu    sync.Mutex
	ids   []uuid.UUID
	reqID []string
	block chan struct{}
	err   error
}

func (h *recordingHandler) ProcessEntry(ctx context.Context, id uuid.UUID) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, id)
	h.reqID = append(h.reqID, common.RequestIDFromContext(ctx))
	return h.err
}

func (h *recordingHandler) seen() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uuid.UUID(nil), h.ids...)
}

func TestProcessorQueue_RunsAndDrains(t *testing.T) {
	h := &recordingHandler{}
	q := NewProcessorQueue(h, common.DiscardLogger(), WithWorkers(3), WithQueueSize(4))

	var want []uuid.UUID
	ctx := common.WithRequestID(context.Background(), "req-1")
	for i := 0; i < 10; i++ {
		id := uuid.New()
		want = append(want, id)
		require.NoError(t, q.Dispatch(ctx, id))
	}
	q.Shutdown(context.Background())

	assert.ElementsMatch(t, want, h.seen())
	assert.Equal(t, "req-1", h.reqID[0])
	assert.ErrorIs(t, q.Dispatch(context.Background(), uuid.New()), ErrQueueClosed)
}

func TestProcessorQueue_BackpressureHonoursContext(t *testing.T) {
	h := &recordingHandler{block: make(chan struct{})}
	q := NewProcessorQueue(h, common.DiscardLogger(), WithWorkers(1), WithQueueSize(1))

	require.NoError(t, q.Dispatch(context.Background(), uuid.New())) // taken by the worker
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Dispatch(context.Background(), uuid.New())) // fills the buffer

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Dispatch(ctx, uuid.New()), context.DeadlineExceeded)

	close(h.block)
	q.Shutdown(context.Background())
	assert.Len(t, h.seen(), 2)
}

func TestProcessorQueue_ShutdownReleasesBlockedDispatch(t *testing.T) {
	h := &recordingHandler{block: make(chan struct{})}
	q := NewProcessorQueue(h, common.DiscardLogger(), WithWorkers(1), WithQueueSize(1))
	defer close(h.block)

	require.NoError(t, q.Dispatch(context.Background(), uuid.New()))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Dispatch(context.Background(), uuid.New()))

	dispatched := make(chan error, 1)
	go func() { dispatched <- q.Dispatch(context.Background(), uuid.New()) }()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		q.Shutdown(ctx)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown stuck behind a blocked dispatch")
	}
	select {
	case err := <-dispatched:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after shutdown")
	}
}

type fakeLister struct{ ids []uuid.UUID }

func (l fakeLister) ClaimableIDs(_ context.Context, limit int) ([]uuid.UUID, error) {
	if len(l.ids) > limit {
		return l.ids[:limit], nil
	}
	return l.ids, nil
}

type flakyDispatcher struct {
	fail uuid.UUID
	got  []uuid.UUID
}

func (d *flakyDispatcher) Dispatch(_ context.Context, id uuid.UUID) error {
	if id == d.fail {
		return errors.New("broker unavailable")
	}
	d.got = append(d.got, id)
	return nil
}

func TestScheduler_Sweep(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	d := &flakyDispatcher{fail: b}
	s := NewScheduler(fakeLister{ids: []uuid.UUID{a, b, c}}, d, time.Minute, common.DiscardLogger())

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{a, c}, d.got)
}

type fakeAck struct {
	acked, nacked, requeued int
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	if requeue {
		f.requeued++
	}
	return nil
}

func (f *fakeAck) Reject(uint64, bool) error { return nil }

func TestHandleDelivery(t *testing.T) {
	id := uuid.New()
	body, err := json.Marshal(Job{EntryID: id, SubmittedAt: time.Now(), RequestID: "req-9"})
	require.NoError(t, err)

	t.Run("acks processed and failed runs", func(t *testing.T) {
		for _, herr := range []error{nil, errors.New("ocr stage failed"), common.ErrAlreadyClaimed} {
			ack := &fakeAck{}
			h := &recordingHandler{err: herr}
			handleDelivery(context.Background(), common.DiscardLogger(), h, amqp.Delivery{Acknowledger: ack, Body: body})
			assert.Equal(t, 1, ack.acked)
			assert.Equal(t, []uuid.UUID{id}, h.seen())
			assert.Equal(t, "req-9", h.reqID[0])
		}
	})

	t.Run("dead-letters garbage", func(t *testing.T) {
		for _, b := range [][]byte{[]byte("not json"), []byte(`{"entry_id":"00000000-0000-0000-0000-000000000000"}`)} {
			ack := &fakeAck{}
			h := &recordingHandler{}
			handleDelivery(context.Background(), common.DiscardLogger(), h, amqp.Delivery{Acknowledger: ack, Body: b})
			assert.Equal(t, 1, ack.nacked)
			assert.Zero(t, ack.requeued)
			assert.Empty(t, h.seen())
		}
	})
}
