package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/internal/events"
)

// BusSink publishes notifications to subscribers such as the SSE feed.
type BusSink struct {
	Bus *events.Bus[Notification]
}

func (s BusSink) Notify(ctx context.Context, n Notification) {
	s.Bus.Publish(ctx, n)
}

// ForOwner keeps only notifications addressed to ownerID.
func ForOwner(ownerID uuid.UUID) events.Filter[Notification] {
	return func(n Notification) bool { return n.OwnerID == ownerID }
}
