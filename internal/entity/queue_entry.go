package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/constants"
)

// QueueEntry is one document's unit of processing work.
type QueueEntry struct {
	ID                    uuid.UUID             `json:"id"`
	OwnerID               uuid.UUID             `json:"owner_id"`
	DocumentID            uuid.UUID             `json:"document_id"`
	Priority              int                   `json:"priority"`
	Status                constants.QueueStatus `json:"status"`
	AttemptCount          int                   `json:"attempt_count"`
	MaxAttempts           int                   `json:"max_attempts"`
	ErrorMessage          *string               `json:"error_message,omitempty"`
	ProcessingStartedAt   *time.Time            `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time            `json:"processing_completed_at,omitempty"`
	ProcessingTimeMs      *int64                `json:"processing_time_ms,omitempty"`
	Phase                 constants.Phase       `json:"processing_phase,omitempty"`
	Progress              int                   `json:"progress_percentage"`
	Metadata              map[string]any        `json:"metadata,omitempty"`
	ClaimToken            *uuid.UUID            `json:"-"`
	Version               int64                 `json:"version"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// AttemptsRemaining is never negative.
func (e *QueueEntry) AttemptsRemaining() int {
	if n := e.MaxAttempts - e.AttemptCount; n > 0 {
		return n
	}
	return 0
}

// Exhausted reports whether no manual retry is allowed anymore.
func (e *QueueEntry) Exhausted() bool {
	return e.AttemptCount >= e.MaxAttempts
}

// Error returns the error message or "".
func (e *QueueEntry) Error() string {
	if e.ErrorMessage == nil {
		return ""
	}
	return *e.ErrorMessage
}

// Clone returns a deep copy so snapshots handed to observers cannot be mutated.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.ErrorMessage != nil {
		v := *e.ErrorMessage
		c.ErrorMessage = &v
	}
	if e.ProcessingStartedAt != nil {
		v := *e.ProcessingStartedAt
		c.ProcessingStartedAt = &v
	}
	if e.ProcessingCompletedAt != nil {
		v := *e.ProcessingCompletedAt
		c.ProcessingCompletedAt = &v
	}
	if e.ProcessingTimeMs != nil {
		v := *e.ProcessingTimeMs
		c.ProcessingTimeMs = &v
	}
	if e.ClaimToken != nil {
		v := *e.ClaimToken
		c.ClaimToken = &v
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
