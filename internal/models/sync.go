package models

import (
	"encoding/json"
	"time"
)

// MaxBatchSize is the hard cap on mutations per sync request. Requests
// above the cap are rejected whole, before any mutation is processed.
const MaxBatchSize = 100

// EntityItems is the only entity type the sync path currently supports.
const EntityItems = "items"

// MutationKind is the type of a buffered local write.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// OutcomeStatus is the server's per-mutation verdict.
type OutcomeStatus string

const (
	// OutcomeApplied means the mutation was persisted.
	OutcomeApplied OutcomeStatus = "applied"
	// OutcomeConflict means the remote record was newer; the client must
	// adopt the returned record and discard its local edit.
	OutcomeConflict OutcomeStatus = "conflict"
	// OutcomeError means the mutation was rejected and resubmission will
	// not help (unknown entity type, missing target, store fault).
	OutcomeError OutcomeStatus = "error"
)

// Mutation is the wire shape of one buffered write. EntityID is the
// correlation key between a queued mutation and its outcome; for creates
// it is generated on the client and becomes the record's primary key.
type Mutation struct {
	Kind            MutationKind    `json:"kind"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
}

// SyncRequest carries one ordered batch of mutations for a single
// household (the grouping key).
type SyncRequest struct {
	GroupKey  string     `json:"groupKey"`
	Mutations []Mutation `json:"mutations"`
}

// Outcome is the server's result for a single mutation. Outcomes are
// correlated by EntityID, never by position: a batch may hold several
// mutations for the same entity and the response's ordering is not
// guaranteed to match the request's.
type Outcome struct {
	EntityID string        `json:"entityId"`
	Kind     MutationKind  `json:"kind"`
	Status   OutcomeStatus `json:"status"`
	Record   *Item         `json:"record,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// SyncResponse partitions outcomes into applied and not-applied.
// Conflicts holds both conflict- and error-status outcomes; the name
// reflects its dominant case, not its full contents.
type SyncResponse struct {
	Applied   []Outcome `json:"applied"`
	Conflicts []Outcome `json:"conflicts"`
}
