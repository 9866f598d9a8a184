package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/notify"
	"github.com/joseph-ayodele/health-records/internal/queue"
	"github.com/joseph-ayodele/health-records/internal/repository"
	"github.com/joseph-ayodele/health-records/internal/testutil"
)

type recordingSink struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (s *recordingSink) Notify(_ context.Context, n notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
}

func (s *recordingSink) last() notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return notify.Notification{}
	}
	return s.items[len(s.items)-1]
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func (d *recordingDispatcher) dispatched() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.ids...)
}

// failingRepo fails updates for one entry.
type failingRepo struct {
	repository.QueueEntryRepository
	failID uuid.UUID
}

func (r *failingRepo) Update(ctx context.Context, id uuid.UUID, v int64, p repository.QueuePatch) (*entity.QueueEntry, error) {
	if id == r.failID {
		return nil, fmt.Errorf("%w: disk full", common.ErrDatabase)
	}
	return r.QueueEntryRepository.Update(ctx, id, v, p)
}

type fixture struct {
	ctx        context.Context
	owner      uuid.UUID
	svc        *queue.Service
	entries    repository.QueueEntryRepository
	docs       repository.DocumentRepository
	clock      *testutil.Clock
	sink       *recordingSink
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T, opts ...queue.Option) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{
		entries:    repository.NewQueueEntryRepository(db, nil, testutil.Logger()),
		docs:       repository.NewDocumentRepository(db, testutil.Logger()),
		clock:      testutil.NewClock(),
		sink:       &recordingSink{},
		dispatcher: &recordingDispatcher{},
	}
	f.ctx, f.owner = testutil.OwnerContext()
	base := []queue.Option{
		queue.WithClock(f.clock.Now),
		queue.WithNotifier(f.sink),
		queue.WithDispatcher(f.dispatcher),
	}
	f.svc = queue.NewService(f.entries, f.docs, testutil.Logger(), append(base, opts...)...)
	return f
}

func (f *fixture) enqueue(t *testing.T, priority int) *entity.QueueEntry {
	t.Helper()
	doc := testutil.SeedDocument(t, f.docs, f.owner)
	e, err := f.svc.Enqueue(f.ctx, queue.EnqueueRequest{DocumentID: doc.ID, Priority: priority})
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return e
}

func (f *fixture) claim(t *testing.T, id uuid.UUID) queue.ClaimRef {
	t.Helper()
	e, err := f.svc.Claim(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e.ClaimToken)
	return queue.ClaimRef{EntryID: id, Token: *e.ClaimToken}
}

func (f *fixture) fail(t *testing.T, id uuid.UUID, msg string) *entity.QueueEntry {
	t.Helper()
	ref := f.claim(t, id)
	e, err := f.svc.Fail(context.Background(), ref, msg, nil)
	require.NoError(t, err)
	return e
}

func TestEnqueue_Defaults(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 2)

	assert.Equal(t, constants.QueueStatusQueued, e.Status)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Equal(t, queue.DefaultMaxAttempts, e.MaxAttempts)
	assert.Equal(t, 2, e.Priority)
	assert.Nil(t, e.ErrorMessage)
	assert.Equal(t, []uuid.UUID{e.ID}, f.dispatcher.dispatched())

	stored, err := f.svc.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, stored.ID)
	assert.Equal(t, int64(1), stored.Version)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)
	doc := testutil.SeedDocument(t, f.docs, f.owner)

	_, err := f.svc.Enqueue(f.ctx, queue.EnqueueRequest{DocumentID: doc.ID, Priority: queue.MaxPriority + 1})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = f.svc.Enqueue(f.ctx, queue.EnqueueRequest{DocumentID: doc.ID, MaxAttempts: -1})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = f.svc.Enqueue(f.ctx, queue.EnqueueRequest{})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = f.svc.Enqueue(context.Background(), queue.EnqueueRequest{DocumentID: doc.ID})
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestEnqueue_ForeignDocumentIsNotFound(t *testing.T) {
	f := newFixture(t)
	other := testutil.SeedDocument(t, f.docs, uuid.New())

	_, err := f.svc.Enqueue(f.ctx, queue.EnqueueRequest{DocumentID: other.ID})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGet_OtherOwnerIsNotFound(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)

	ctx := common.WithOwnerID(context.Background(), uuid.New())
	_, err := f.svc.Get(ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, f.svc.Cancel(ctx, e.ID), common.ErrNotFound)
}

func TestRetryPolicy_ExhaustsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)

	failed := f.fail(t, e.ID, "OCR timeout")
	assert.Equal(t, constants.QueueStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, "OCR timeout", failed.Error())
	assert.Nil(t, failed.ClaimToken)

	retried, err := f.svc.Retry(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusRetrying, retried.Status)
	assert.Equal(t, 2, retried.AttemptCount)
	assert.Nil(t, retried.ErrorMessage)

	failed = f.fail(t, e.ID, "OCR timeout")
	assert.Equal(t, 2, failed.AttemptCount)
	_, err = f.svc.Retry(f.ctx, e.ID)
	require.NoError(t, err)
	failed = f.fail(t, e.ID, "OCR timeout")
	assert.Equal(t, 3, failed.AttemptCount)
	assert.True(t, failed.Exhausted())

	_, err = f.svc.Retry(f.ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrAttemptsExhausted)
	assert.Equal(t, notify.KindError, f.sink.last().Kind)

	stored, err := f.svc.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
	assert.LessOrEqual(t, stored.AttemptCount, stored.MaxAttempts)
	assert.Equal(t, "OCR timeout", stored.Error())
}

func TestRetry_RejectsNonFailed(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)

	_, err := f.svc.Retry(f.ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestClaim_FromRetryingKeepsAttemptCount(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)
	f.fail(t, e.ID, "boom")
	_, err := f.svc.Retry(f.ctx, e.ID)
	require.NoError(t, err)

	claimed, err := f.svc.Claim(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusProcessing, claimed.Status)
	assert.Equal(t, 2, claimed.AttemptCount)
	assert.Equal(t, constants.PhaseClaimed, claimed.Phase)
	assert.NotNil(t, claimed.ProcessingStartedAt)
	assert.Nil(t, claimed.ProcessingCompletedAt)
}

func TestClaim_ConcurrentClaimsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		claimed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Claim(context.Background(), e.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
				return
			}
			if assert.ErrorIs(t, err, common.ErrAlreadyClaimed) {
				claimed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, claimed)
	stored, err := f.svc.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestComplete_RecordsProcessingTime(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)

	ref := f.claim(t, e.ID)
	f.clock.Advance(250 * time.Millisecond)
	_, err := f.svc.ReportProgress(context.Background(), ref, constants.PhaseOCRCompleted, 20, map[string]any{"ocr_confidence": 0.91})
	require.NoError(t, err)
	f.clock.Advance(250 * time.Millisecond)

	done, err := f.svc.Complete(context.Background(), ref, map[string]any{"hybrid": true})
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, constants.PhaseCompleted, done.Phase)
	require.NotNil(t, done.ProcessingTimeMs)
	assert.Equal(t, int64(500), *done.ProcessingTimeMs)
	require.NotNil(t, done.ProcessingCompletedAt)
	assert.Equal(t, 0.91, done.Metadata["ocr_confidence"])
	assert.Equal(t, true, done.Metadata["hybrid"])

	avg, err := f.svc.AverageProcessingTime(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 500.0, avg)
}

func TestComplete_StaleTokenRejected(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)
	f.claim(t, e.ID)

	_, err := f.svc.Complete(context.Background(), queue.ClaimRef{EntryID: e.ID, Token: uuid.New()}, nil)
	assert.ErrorIs(t, err, common.ErrAlreadyClaimed)

	_, err = f.svc.ReportProgress(context.Background(), queue.ClaimRef{EntryID: e.ID, Token: uuid.New()}, constants.PhaseOCRCompleted, 20, nil)
	assert.ErrorIs(t, err, common.ErrAlreadyClaimed)
}

func TestFail_DefaultMessage(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)

	failed := f.fail(t, e.ID, "")
	assert.NotEmpty(t, failed.Error())
	assert.Equal(t, constants.PhaseFailed, failed.Phase)
	assert.Equal(t, notify.KindWarning, f.sink.last().Kind)
}

func TestAverageProcessingTime_ZeroWhenNothingCompleted(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 0)

	avg, err := f.svc.AverageProcessingTime(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, avg)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	queued := f.enqueue(t, 0)
	busy := f.enqueue(t, 0)
	f.claim(t, busy.ID)

	require.NoError(t, f.svc.Cancel(f.ctx, queued.ID))
	_, err := f.svc.Get(f.ctx, queued.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	err = f.svc.Cancel(f.ctx, busy.ID)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	stored, err := f.svc.Get(f.ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusProcessing, stored.Status)
}

func TestClearCompleted(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ClearCompleted(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.NoOp())
	assert.Equal(t, notify.KindInfo, f.sink.last().Kind)

	done := f.enqueue(t, 0)
	ref := f.claim(t, done.ID)
	_, err = f.svc.Complete(context.Background(), ref, nil)
	require.NoError(t, err)
	failed := f.enqueue(t, 0)
	f.fail(t, failed.ID, "bad scan")
	pending := f.enqueue(t, 0)

	res, err = f.svc.ClearCompleted(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{done.ID}, res.Affected)

	left, err := f.svc.ListQueue(f.ctx)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(left))
	for _, e := range left {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{failed.ID, pending.ID}, ids)
}

func TestSetPriority(t *testing.T) {
	f := newFixture(t)
	low := f.enqueue(t, 1)
	high := f.enqueue(t, 5)

	list, err := f.svc.ListQueue(f.ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, high.ID, list[0].ID)

	f.fail(t, low.ID, "x")
	updated, err := f.svc.SetPriority(f.ctx, low.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, 1, updated.AttemptCount)
	assert.Equal(t, constants.QueueStatusFailed, updated.Status)

	list, err = f.svc.ListQueue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, list[0].ID)

	hp, err := f.svc.HighPriorityItems(f.ctx)
	require.NoError(t, err)
	assert.Len(t, hp, 2)

	_, err = f.svc.SetPriority(f.ctx, low.ID, queue.MinPriority-1)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestSetPriority_RejectsCompleted(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 0)
	ref := f.claim(t, e.ID)
	_, err := f.svc.Complete(context.Background(), ref, nil)
	require.NoError(t, err)

	_, err = f.svc.SetPriority(f.ctx, e.ID, 3)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestRetryAllFailed(t *testing.T) {
	f := newFixture(t, queue.WithDefaultMaxAttempts(1))

	res, err := f.svc.RetryAllFailed(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.NoOp())
	assert.Equal(t, "No items to retry", f.sink.last().Message)

	exhausted := f.enqueue(t, 0)
	f.fail(t, exhausted.ID, "x")

	doc := testutil.SeedDocument(t, f.docs, f.owner)
	a, err := f.svc.Enqueue(f.ctx, queue.EnqueueRequest{DocumentID: doc.ID, MaxAttempts: 3})
	require.NoError(t, err)
	f.fail(t, a.ID, "x")
	doc = testutil.SeedDocument(t, f.docs, f.owner)
	b, err := f.svc.Enqueue(f.ctx, queue.EnqueueRequest{DocumentID: doc.ID, MaxAttempts: 3})
	require.NoError(t, err)
	f.fail(t, b.ID, "x")

	res, err = f.svc.RetryAllFailed(f.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, res.Affected)
	assert.Equal(t, []uuid.UUID{exhausted.ID}, res.Skipped)
	assert.Empty(t, res.Failures)
	assert.NoError(t, res.Err())
	assert.Equal(t, notify.KindSuccess, f.sink.last().Kind)

	stats, err := f.svc.GetStats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Total: 3, Failed: 1, Retrying: 2}, stats)
}

func TestRetryAllFailed_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ok := f.enqueue(t, 0)
	bad := f.enqueue(t, 0)
	f.fail(t, ok.ID, "x")
	f.fail(t, bad.ID, "x")

	svc := queue.NewService(&failingRepo{QueueEntryRepository: f.entries, failID: bad.ID}, f.docs, testutil.Logger(),
		queue.WithNotifier(f.sink), queue.WithClock(f.clock.Now))
	res, err := svc.RetryAllFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ok.ID}, res.Affected)
	require.Contains(t, res.Failures, bad.ID)
	assert.Error(t, res.Err())
	assert.Equal(t, notify.KindWarning, f.sink.last().Kind)

	stored, err := svc.Get(f.ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusRetrying, stored.Status)
	stored, err = svc.Get(f.ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusFailed, stored.Status)
}

func TestItemsByStatus(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, 0)
	b := f.enqueue(t, 0)
	f.fail(t, b.ID, "x")

	queued, err := f.svc.ItemsByStatus(f.ctx, constants.QueueStatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, a.ID, queued[0].ID)

	_, err = f.svc.ItemsByStatus(f.ctx, constants.QueueStatus("paused"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestClaimableIDs_QueueOrder(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, 0)
	urgent := f.enqueue(t, 7)
	second := f.enqueue(t, 0)
	busy := f.enqueue(t, 9)
	f.claim(t, busy.ID)

	ids, err := f.svc.ClaimableIDs(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{urgent.ID, first.ID, second.ID}, ids)
}
