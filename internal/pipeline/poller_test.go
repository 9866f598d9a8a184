package pipeline_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/pipeline"
)

type scriptedGetter struct {
	doneAfter int32
	reads     atomic.Int32
}

func (g *scriptedGetter) Get(_ context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	n := g.reads.Add(1)
	status := constants.QueueStatusProcessing
	if g.doneAfter > 0 && n >= g.doneAfter {
		status = constants.QueueStatusCompleted
	}
	return &entity.QueueEntry{ID: id, Status: status, Progress: int(n) * 10}, nil
}

func TestPoller_ReturnsWhenFinished(t *testing.T) {
	g := &scriptedGetter{doneAfter: 3}
	p := pipeline.NewPoller(g, pipeline.WithPollInterval(time.Millisecond))

	var progress []int
	e, err := p.Wait(context.Background(), uuid.New(), func(e *entity.QueueEntry) { progress = append(progress, e.Progress) })
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusCompleted, e.Status)
	assert.Equal(t, []int{10, 20, 30}, progress)
}

func TestPoller_Cap(t *testing.T) {
	g := &scriptedGetter{}
	p := pipeline.NewPoller(g, pipeline.WithPollInterval(time.Millisecond), pipeline.WithMaxPolls(5))

	e, err := p.Wait(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, pipeline.ErrPollTimeout)
	assert.EqualValues(t, 5, g.reads.Load())
	require.NotNil(t, e)
	assert.Equal(t, constants.QueueStatusProcessing, e.Status)
}

func TestPoller_DefaultRate(t *testing.T) {
	g := &scriptedGetter{}
	p := pipeline.NewPoller(g)
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx, uuid.New(), nil)
	assert.Error(t, err)
	assert.LessOrEqual(t, g.reads.Load(), int32(2))
}
