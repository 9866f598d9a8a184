package queue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
)

func entry(status constants.QueueStatus, attempts, max int) *entity.QueueEntry {
	return &entity.QueueEntry{ID: uuid.New(), Status: status, AttemptCount: attempts, MaxAttempts: max}
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		entry   *entity.QueueEntry
		event   Event
		want    Outcome
		wantErr error
	}{
		{"claim queued", entry(constants.QueueStatusQueued, 0, 3), EventClaim, Outcome{To: constants.QueueStatusProcessing}, nil},
		{"claim retrying", entry(constants.QueueStatusRetrying, 2, 3), EventClaim, Outcome{To: constants.QueueStatusProcessing}, nil},
		{"claim processing", entry(constants.QueueStatusProcessing, 1, 3), EventClaim, Outcome{}, common.ErrInvalidTransition},
		{"claim failed", entry(constants.QueueStatusFailed, 1, 3), EventClaim, Outcome{}, common.ErrInvalidTransition},
		{"succeed processing", entry(constants.QueueStatusProcessing, 1, 3), EventSucceed, Outcome{To: constants.QueueStatusCompleted}, nil},
		{"succeed queued", entry(constants.QueueStatusQueued, 0, 3), EventSucceed, Outcome{}, common.ErrInvalidTransition},
		{"fail processing", entry(constants.QueueStatusProcessing, 3, 3), EventFail, Outcome{To: constants.QueueStatusFailed}, nil},
		{"fail completed", entry(constants.QueueStatusCompleted, 1, 3), EventFail, Outcome{}, common.ErrInvalidTransition},
		{"retry failed", entry(constants.QueueStatusFailed, 1, 3), EventRetry, Outcome{To: constants.QueueStatusRetrying}, nil},
		{"retry exhausted", entry(constants.QueueStatusFailed, 3, 3), EventRetry, Outcome{}, common.ErrAttemptsExhausted},
		{"retry queued", entry(constants.QueueStatusQueued, 0, 3), EventRetry, Outcome{}, common.ErrInvalidTransition},
		{"retry completed", entry(constants.QueueStatusCompleted, 1, 3), EventRetry, Outcome{}, common.ErrInvalidTransition},
		{"cancel queued", entry(constants.QueueStatusQueued, 0, 3), EventCancel, Outcome{Delete: true}, nil},
		{"cancel processing", entry(constants.QueueStatusProcessing, 1, 3), EventCancel, Outcome{}, common.ErrInvalidTransition},
		{"cancel retrying", entry(constants.QueueStatusRetrying, 2, 3), EventCancel, Outcome{}, common.ErrInvalidTransition},
		{"clear completed", entry(constants.QueueStatusCompleted, 1, 3), EventClear, Outcome{Delete: true}, nil},
		{"clear failed", entry(constants.QueueStatusFailed, 1, 3), EventClear, Outcome{}, common.ErrInvalidTransition},
		{"reprioritize queued", entry(constants.QueueStatusQueued, 0, 3), EventReprioritize, Outcome{To: constants.QueueStatusQueued}, nil},
		{"reprioritize processing", entry(constants.QueueStatusProcessing, 1, 3), EventReprioritize, Outcome{To: constants.QueueStatusProcessing}, nil},
		{"reprioritize failed", entry(constants.QueueStatusFailed, 1, 3), EventReprioritize, Outcome{To: constants.QueueStatusFailed}, nil},
		{"reprioritize exhausted", entry(constants.QueueStatusFailed, 3, 3), EventReprioritize, Outcome{}, common.ErrInvalidTransition},
		{"reprioritize completed", entry(constants.QueueStatusCompleted, 1, 3), EventReprioritize, Outcome{}, common.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.entry, tt.event)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionError_Message(t *testing.T) {
	e := entry(constants.QueueStatusProcessing, 1, 3)
	_, err := Transition(e, EventCancel)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, constants.QueueStatusProcessing, te.From)
	assert.Contains(t, err.Error(), "cannot cancel")
}

func TestAllowed(t *testing.T) {
	assert.ElementsMatch(t, []Event{EventClaim, EventCancel, EventReprioritize}, Allowed(entry(constants.QueueStatusQueued, 0, 3)))
	assert.ElementsMatch(t, []Event{EventSucceed, EventFail, EventReprioritize}, Allowed(entry(constants.QueueStatusProcessing, 1, 3)))
	assert.ElementsMatch(t, []Event{EventRetry, EventReprioritize}, Allowed(entry(constants.QueueStatusFailed, 1, 3)))
	assert.Empty(t, Allowed(entry(constants.QueueStatusFailed, 3, 3)))
	assert.ElementsMatch(t, []Event{EventClear}, Allowed(entry(constants.QueueStatusCompleted, 1, 3)))
}
