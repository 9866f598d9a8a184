package queue

import (
	"bytes"
	"sort"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/entity"
)

// Stats counts entries per status.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
}

// ComputeStats is a pure function of entries.
func ComputeStats(entries []*entity.QueueEntry) Stats {
	var s Stats
	for _, e := range entries {
		s.Total++
		switch e.Status {
		case constants.QueueStatusQueued:
			s.Queued++
		case constants.QueueStatusProcessing:
			s.Processing++
		case constants.QueueStatusCompleted:
			s.Completed++
		case constants.QueueStatusFailed:
			s.Failed++
		case constants.QueueStatusRetrying:
			s.Retrying++
		}
	}
	return s
}

// FilterByStatus keeps the input order.
func FilterByStatus(entries []*entity.QueueEntry, status constants.QueueStatus) []*entity.QueueEntry {
	out := make([]*entity.QueueEntry, 0)
	for _, e := range entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

// HighPriority returns entries with priority >= threshold, input order kept.
func HighPriority(entries []*entity.QueueEntry, threshold int) []*entity.QueueEntry {
	out := make([]*entity.QueueEntry, 0)
	for _, e := range entries {
		if e.Priority >= threshold {
			out = append(out, e)
		}
	}
	return out
}

// AverageProcessingTime is the mean processing time in milliseconds over
// completed entries, or 0 when none completed.
func AverageProcessingTime(entries []*entity.QueueEntry) float64 {
	var (
		sum int64
		n   int64
	)
	for _, e := range entries {
		if e.Status != constants.QueueStatusCompleted || e.ProcessingTimeMs == nil {
			continue
		}
		sum += *e.ProcessingTimeMs
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// SortQueue orders entries by priority desc, created_at asc, id asc in place.
func SortQueue(entries []*entity.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

// Less is the queue order.
func Less(a, b *entity.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
