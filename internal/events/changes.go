package events

import (
	"github.com/google/uuid"

	"github.com/joseph-ayodele/health-records/internal/entity"
)

// ChangeBus carries queue store writes.
type ChangeBus = Bus[entity.Change]

// OwnerChanges keeps only changes to entries owned by ownerID.
func OwnerChanges(ownerID uuid.UUID) Filter[entity.Change] {
	return func(c entity.Change) bool {
		return c.Entry != nil && c.Entry.OwnerID == ownerID
	}
}
