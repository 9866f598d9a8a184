package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/entity"
)

func ms(v int64) *int64 { return &v }

func TestComputeStats(t *testing.T) {
	entries := []*entity.QueueEntry{
		{Status: constants.QueueStatusQueued},
		{Status: constants.QueueStatusQueued},
		{Status: constants.QueueStatusProcessing},
		{Status: constants.QueueStatusFailed},
		{Status: constants.QueueStatusRetrying},
		{Status: constants.QueueStatusCompleted},
	}
	s := ComputeStats(entries)
	assert.Equal(t, Stats{Total: 6, Queued: 2, Processing: 1, Completed: 1, Failed: 1, Retrying: 1}, s)
	assert.Equal(t, s.Total, s.Queued+s.Processing+s.Completed+s.Failed+s.Retrying)
	assert.Equal(t, Stats{}, ComputeStats(nil))
}

func TestAverageProcessingTime(t *testing.T) {
	assert.Zero(t, AverageProcessingTime(nil))
	assert.Zero(t, AverageProcessingTime([]*entity.QueueEntry{{Status: constants.QueueStatusFailed, ProcessingTimeMs: ms(10)}}))

	entries := []*entity.QueueEntry{
		{Status: constants.QueueStatusCompleted, ProcessingTimeMs: ms(100)},
		{Status: constants.QueueStatusCompleted, ProcessingTimeMs: ms(250)},
		{Status: constants.QueueStatusQueued},
	}
	assert.Equal(t, 175.0, AverageProcessingTime(entries))
}

func TestHighPriorityAndFilter(t *testing.T) {
	entries := []*entity.QueueEntry{
		{Priority: 9, Status: constants.QueueStatusQueued},
		{Priority: 5, Status: constants.QueueStatusFailed},
		{Priority: 1, Status: constants.QueueStatusQueued},
	}
	assert.Len(t, HighPriority(entries, 5), 2)
	assert.Empty(t, HighPriority(entries, 10))
	assert.Len(t, FilterByStatus(entries, constants.QueueStatusQueued), 2)
	assert.NotNil(t, FilterByStatus(nil, constants.QueueStatusQueued))
}

func TestSortQueue(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	low := &entity.QueueEntry{ID: uuid.New(), Priority: 0, CreatedAt: base}
	older := &entity.QueueEntry{ID: uuid.New(), Priority: 5, CreatedAt: base}
	newer := &entity.QueueEntry{ID: uuid.New(), Priority: 5, CreatedAt: base.Add(time.Second)}

	entries := []*entity.QueueEntry{low, newer, older}
	SortQueue(entries)
	assert.Equal(t, []*entity.QueueEntry{older, newer, low}, entries)
}
