package mutations

import (
	"errors"
	"fmt"

	"github.com/dvloznov/offline-ledger/internal/domain"
)

var (
	// ErrTargetDeleted is returned when a mutation targets a record that
	// already has a queued delete.
	ErrTargetDeleted = errors.New("transaction is already deleted")

	// ErrDuplicateCreate is returned when a second create reuses a local id.
	ErrDuplicateCreate = errors.New("local id already created")
)

// Collapse folds next into existing, which target the same logical record.
// keep is false when the pair cancels out (create followed by delete) and
// nothing remains to be sent.
//
//	create + update -> create with the new payload
//	create + delete -> nothing
//	update + update -> the latest update
//	update + delete -> delete
//	delete + any    -> ErrTargetDeleted
//
// The merged mutation keeps the identity and queue position of existing and
// starts its retry budget over, so a permanently failed mutation that gets
// superseded is pending again.
func Collapse(existing, next domain.OfflineMutation) (merged domain.OfflineMutation, keep bool, err error) {
	if existing.Key() != next.Key() {
		return domain.OfflineMutation{}, false, fmt.Errorf("Collapse: %s and %s target different records", existing.ID, next.ID)
	}

	merged = existing
	switch existing.Operation {
	case domain.OpDelete:
		return domain.OfflineMutation{}, false, fmt.Errorf("Collapse: %s: %w", existing.TargetID, ErrTargetDeleted)

	case domain.OpCreate:
		switch next.Operation {
		case domain.OpCreate:
			return domain.OfflineMutation{}, false, fmt.Errorf("Collapse: %s: %w", existing.LocalID, ErrDuplicateCreate)
		case domain.OpUpdate:
			merged.Payload = next.Payload
		case domain.OpDelete:
			return domain.OfflineMutation{}, false, nil
		}

	case domain.OpUpdate:
		switch next.Operation {
		case domain.OpCreate:
			return domain.OfflineMutation{}, false, fmt.Errorf("Collapse: %s: %w", next.LocalID, ErrDuplicateCreate)
		case domain.OpUpdate:
			merged.Payload = next.Payload
		case domain.OpDelete:
			merged.Operation = domain.OpDelete
			merged.Payload = next.Payload
		}

	default:
		return domain.OfflineMutation{}, false, fmt.Errorf("Collapse: unknown operation %q", existing.Operation)
	}

	merged.Status = domain.MutationPending
	merged.Attempts = 0
	merged.LastError = ""
	merged.LastAttemptAt = nil
	return merged, true, nil
}
