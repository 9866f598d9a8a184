package constants

import (
	"fmt"
	"strings"
)

// QueueStatus is the canonical status for rows in queue_entries.
type QueueStatus string

// Stable values (store these exact strings in DB).
const (
	QueueStatusQueued     QueueStatus = "queued"     // waiting for a claim
	QueueStatusProcessing QueueStatus = "processing" // held by one orchestrator run
	QueueStatusCompleted  QueueStatus = "completed"  // terminal success
	QueueStatusFailed     QueueStatus = "failed"     // retryable while attempts remain
	QueueStatusRetrying   QueueStatus = "retrying"   // retry requested, waiting for a claim
)

var allQueueStatuses = []QueueStatus{
	QueueStatusQueued,
	QueueStatusProcessing,
	QueueStatusCompleted,
	QueueStatusFailed,
	QueueStatusRetrying,
}

// QueueStatuses returns every status in display order.
func QueueStatuses() []QueueStatus {
	out := make([]QueueStatus, len(allQueueStatuses))
	copy(out, allQueueStatuses)
	return out
}

// QueueStatusStrings is used for the enum column definition.
func QueueStatusStrings() []string {
	result := make([]string, len(allQueueStatuses))
	for i, s := range allQueueStatuses {
		result[i] = string(s)
	}
	return result
}

// Valid reports whether s is one of the known statuses.
func (s QueueStatus) Valid() bool {
	for _, known := range allQueueStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Claimable reports whether an orchestrator may take the entry.
func (s QueueStatus) Claimable() bool {
	return s == QueueStatusQueued || s == QueueStatusRetrying
}

func (s QueueStatus) String() string { return string(s) }

// ParseQueueStatus canonicalizes input and rejects unknown values.
func ParseQueueStatus(input string) (QueueStatus, error) {
	s := QueueStatus(strings.ToLower(strings.TrimSpace(input)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown queue status %q", input)
	}
	return s, nil
}
