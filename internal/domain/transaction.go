package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LocalIDPrefix marks ids generated on the device for records the server has
// not confirmed yet.
const LocalIDPrefix = "local_"

// MaxDescriptionLength mirrors the server's description column width.
const MaxDescriptionLength = 255

// Kind distinguishes income from expense entries.
type Kind string

const (
	// KindIncome is money received.
	KindIncome Kind = "income"
	// KindExpense is money spent.
	KindExpense Kind = "expense"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindIncome || k == KindExpense
}

// ErrInvalidPayload is returned by Payload.Validate.
var ErrInvalidPayload = errors.New("invalid transaction payload")

// TransactionRecord is one confirmed income or expense entry.
type TransactionRecord struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CategoryID  string          `json:"category_id,omitempty"`
	Date        civil.Date      `json:"date"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

// Month returns the bucket the record belongs to.
func (r TransactionRecord) Month() MonthKey {
	return MonthOf(r.Date)
}

// Payload returns the replayable field set of the record.
func (r TransactionRecord) Payload() Payload {
	return Payload{
		Kind:        r.Kind,
		Amount:      r.Amount,
		Description: r.Description,
		CategoryID:  r.CategoryID,
		Date:        r.Date,
	}
}

// Payload is the full field set needed to replay a mutation remotely.
type Payload struct {
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CategoryID  string          `json:"category_id,omitempty"`
	Date        civil.Date      `json:"date"`
}

// Validate checks the payload before it is queued or sent.
func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	if p.Date.IsZero() || !p.Date.IsValid() {
		return fmt.Errorf("%w: date is required", ErrInvalidPayload)
	}
	if len(p.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description longer than %d characters", ErrInvalidPayload, MaxDescriptionLength)
	}
	return nil
}

// Record projects the payload into a display-shaped record.
func (p Payload) Record(id, ownerID string, createdAt time.Time) TransactionRecord {
	return TransactionRecord{
		ID:          id,
		OwnerID:     ownerID,
		Kind:        p.Kind,
		Amount:      p.Amount,
		Description: p.Description,
		CategoryID:  p.CategoryID,
		Date:        p.Date,
		CreatedAt:   createdAt,
	}
}

// NewLocalID generates an id for a record created on the device.
func NewLocalID() string {
	return LocalIDPrefix + uuid.New().String()
}

// IsLocalID reports whether id was generated on the device.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Signed returns the amount with income positive and expense negative.
func Signed(kind Kind, amount decimal.Decimal) decimal.Decimal {
	if kind == KindExpense {
		return amount.Neg()
	}
	return amount
}
