// Package models defines types shared between the client and server halves.
package models

import "time"

// ItemStatus is the lifecycle state of an inventory item.
type ItemStatus string

// Allowed item statuses, matching the store CHECK constraint.
const (
	StatusStored      ItemStatus = "stored"
	StatusBorrowed    ItemStatus = "borrowed"
	StatusLost        ItemStatus = "lost"
	StatusInLostFound ItemStatus = "in_lost_found"
)

// statusTransitions maps a current status to the statuses it may move to.
// Enforced on the direct status endpoint only; the sync batch path applies
// status fields without re-validating (offline-authored transitions are
// trusted).
var statusTransitions = map[ItemStatus][]ItemStatus{
	StatusStored:      {StatusBorrowed, StatusLost},
	StatusBorrowed:    {StatusStored, StatusLost},
	StatusLost:        {StatusInLostFound, StatusStored},
	StatusInLostFound: {StatusStored},
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// AllowedTransitions returns the statuses reachable from s.
func (s ItemStatus) AllowedTransitions() []ItemStatus {
	return statusTransitions[s]
}

// Item is the core inventory record. Soft-deletable via DeletedAt.
// The server owns UpdatedAt; replica copies of it are advisory only.
type Item struct {
	ID            string     `json:"id"`
	HouseholdID   string     `json:"householdId"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	CategoryID    string     `json:"categoryId,omitempty"`
	LocationID    string     `json:"locationId,omitempty"`
	Quantity      int        `json:"quantity"`
	Tags          []string   `json:"tags"`
	Status        ItemStatus `json:"status"`
	CreatedBy     string     `json:"createdBy"`
	BorrowedBy    string     `json:"borrowedBy,omitempty"`
	BorrowDueDate string     `json:"borrowDueDate,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}
