package queue

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
)

// Event names a transition request against a queue entry.
type Event string

const (
	EventClaim        Event = "claim"
	EventSucceed      Event = "succeed"
	EventFail         Event = "fail"
	EventRetry        Event = "retry"
	EventCancel       Event = "cancel"
	EventClear        Event = "clear"
	EventReprioritize Event = "reprioritize"
)

// Outcome is where a legal event leaves the entry.
type Outcome struct {
	To     constants.QueueStatus
	Delete bool
}

type edge struct {
	from  constants.QueueStatus
	event Event
}

// transitions is the only place status changes are defined.
var transitions = map[edge]Outcome{
	{constants.QueueStatusQueued, EventClaim}:       {To: constants.QueueStatusProcessing},
	{constants.QueueStatusRetrying, EventClaim}:     {To: constants.QueueStatusProcessing},
	{constants.QueueStatusProcessing, EventSucceed}: {To: constants.QueueStatusCompleted},
	{constants.QueueStatusProcessing, EventFail}:    {To: constants.QueueStatusFailed},
	{constants.QueueStatusFailed, EventRetry}:       {To: constants.QueueStatusRetrying},
	{constants.QueueStatusQueued, EventCancel}:      {Delete: true},
	{constants.QueueStatusCompleted, EventClear}:    {Delete: true},

	{constants.QueueStatusQueued, EventReprioritize}:     {To: constants.QueueStatusQueued},
	{constants.QueueStatusProcessing, EventReprioritize}: {To: constants.QueueStatusProcessing},
	{constants.QueueStatusRetrying, EventReprioritize}:   {To: constants.QueueStatusRetrying},
	{constants.QueueStatusFailed, EventReprioritize}:     {To: constants.QueueStatusFailed},
}

// TransitionError reports an event the entry's current status does not permit.
type TransitionError struct {
	EntryID uuid.UUID
	From    constants.QueueStatus
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s entry %s while %s", e.Event, e.EntryID, e.From)
}

func (e *TransitionError) Unwrap() error { return common.ErrInvalidTransition }

// Transition resolves ev against the entry's current state and guards.
func Transition(e *entity.QueueEntry, ev Event) (Outcome, error) {
	out, ok := transitions[edge{e.Status, ev}]
	if !ok {
		return Outcome{}, &TransitionError{EntryID: e.ID, From: e.Status, Event: ev}
	}
	switch ev {
	case EventRetry:
		if e.Exhausted() {
			return Outcome{}, exhausted(e)
		}
	case EventReprioritize:
		if e.Status == constants.QueueStatusFailed && e.Exhausted() {
			return Outcome{}, &TransitionError{EntryID: e.ID, From: e.Status, Event: ev}
		}
	}
	return out, nil
}

// Allowed lists the events Transition would accept for e.
func Allowed(e *entity.QueueEntry) []Event {
	var out []Event
	for _, ev := range []Event{EventClaim, EventSucceed, EventFail, EventRetry, EventCancel, EventClear, EventReprioritize} {
		if _, err := Transition(e, ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func exhausted(e *entity.QueueEntry) error {
	return common.NewAppError(
		"ATTEMPTS_EXHAUSTED",
		fmt.Sprintf("entry %s used %d of %d attempts", e.ID, e.AttemptCount, e.MaxAttempts),
		common.ErrAttemptsExhausted,
	)
}
