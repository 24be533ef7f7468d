package domain

import (
	"time"
)

// Operation is the kind of change an offline mutation replays.
type Operation string

const (
	// OpCreate creates a new record on the server.
	OpCreate Operation = "create"
	// OpUpdate replaces the fields of an existing record.
	OpUpdate Operation = "update"
	// OpDelete removes an existing record.
	OpDelete Operation = "delete"
)

// MutationStatus represents where a queued mutation is in its lifecycle.
type MutationStatus string

const (
	// MutationPending is waiting for the next sync pass.
	MutationPending MutationStatus = "pending"
	// MutationPermanentlyFailed will not be retried until the user asks for it.
	MutationPermanentlyFailed MutationStatus = "permanently_failed"
)

// OfflineMutation is one change not yet confirmed by the remote store.
type OfflineMutation struct {
	// ID is the unique identifier of the mutation itself.
	ID string `json:"id"`

	// Operation is create, update or delete.
	Operation Operation `json:"operation"`

	// LocalID is the device-generated record id of a create.
	LocalID string `json:"local_id,omitempty"`

	// TargetID is the record affected by an update or delete.
	TargetID string `json:"target_id,omitempty"`

	// Payload carries the fields needed to replay the operation. For deletes it
	// holds the last known fields of the removed record.
	Payload Payload `json:"payload"`

	// OwnerID is the acting user.
	OwnerID string `json:"owner_id"`

	// Synced is false while the mutation is queued.
	Synced bool `json:"synced"`

	// Status is pending or permanently_failed.
	Status MutationStatus `json:"status"`

	// Attempts counts remote rejections. Transport failures do not count.
	Attempts int `json:"attempts"`

	// LastError is the message of the most recent failure.
	LastError string `json:"last_error,omitempty"`

	// LastAttemptAt is when the mutation was last replayed.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// EnqueuedAt is when the user made the change.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Seq orders mutations by enqueue time.
	Seq int64 `json:"seq"`
}

// Key returns the id of the logical transaction the mutation affects.
func (m OfflineMutation) Key() string {
	if m.Operation == OpCreate {
		return m.LocalID
	}
	return m.TargetID
}

// Pending reports whether the mutation should be replayed.
func (m OfflineMutation) Pending() bool {
	return !m.Synced && m.Status != MutationPermanentlyFailed
}
