package entity

// ChangeKind is the mutation carried by a Change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is emitted for every queue store write. Entry is the row after the
// write; for deletes it is the last known row.
type Change struct {
	Kind  ChangeKind  `json:"kind"`
	Entry *QueueEntry `json:"entry"`
}
