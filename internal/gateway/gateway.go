// Package gateway defines the remote transaction API the offline engine
// replays mutations against, and the error taxonomy used to decide whether a
// failed mutation is retried.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dvloznov/offline-ledger/internal/domain"
)

// Gateway is the authoritative store for income and expense records.
// Implementations are network-bound and may fail at any call.
type Gateway interface {
	// ListForMonth returns every record of the owner dated in key.
	ListForMonth(ctx context.Context, ownerID string, key domain.MonthKey) ([]domain.TransactionRecord, error)

	// Create stores a new record; the server assigns its id.
	Create(ctx context.Context, ownerID string, payload domain.Payload) (domain.TransactionRecord, error)

	// Update replaces the fields of record id.
	Update(ctx context.Context, ownerID, id string, payload domain.Payload) (domain.TransactionRecord, error)

	// Delete removes record id.
	Delete(ctx context.Context, ownerID, id string) error

	// ListCategories returns the owner's categories.
	ListCategories(ctx context.Context, ownerID string) ([]domain.Category, error)
}

var (
	// ErrTransport means the gateway could not be reached (no network, timeout).
	ErrTransport = errors.New("gateway unreachable")

	// ErrUnauthorized means the caller is not allowed to perform the call.
	ErrUnauthorized = errors.New("not authorized")

	// ErrNotFound means the target record does not exist remotely.
	ErrNotFound = errors.New("transaction not found")

	// ErrInvalid means the gateway rejected the payload.
	ErrInvalid = errors.New("rejected by gateway")
)

// RemoteError is a rejection that carries the server's status code.
type RemoteError struct {
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// FailureClass tells the sync engine what to do with a failed mutation.
type FailureClass int

const (
	// Transport failures keep the mutation queued without consuming an attempt.
	Transport FailureClass = iota
	// Retryable rejections consume an attempt and are retried up to the ceiling.
	Retryable
	// Permanent rejections stop retrying immediately.
	Permanent
)

func (c FailureClass) String() string {
	switch c {
	case Transport:
		return "transport"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("FailureClass(%d)", int(c))
	}
}

// Classify maps a gateway error to a FailureClass.
func Classify(err error) FailureClass {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrTransport),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return Transport
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalid),
		errors.Is(err, ErrNotFound),
		errors.Is(err, domain.ErrInvalidPayload):
		return Permanent
	default:
		return Retryable
	}
}
