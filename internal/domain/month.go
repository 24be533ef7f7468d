package domain

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// MonthKey identifies one calendar month bucket.
type MonthKey struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// MonthOf returns the bucket key for a calendar day.
func MonthOf(d civil.Date) MonthKey {
	return MonthKey{Year: d.Year, Month: d.Month}
}

// CurrentMonth returns the bucket key containing now.
func CurrentMonth(now time.Time) MonthKey {
	return MonthKey{Year: now.Year(), Month: now.Month()}
}

// ParseMonthKey parses the "2006-01" form.
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return MonthKey{}, fmt.Errorf("ParseMonthKey: %q: %w", s, err)
	}
	return MonthKey{Year: t.Year(), Month: t.Month()}, nil
}

func (k MonthKey) String() string {
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// Valid reports whether the key names a real month.
func (k MonthKey) Valid() bool {
	return k.Year > 0 && k.Month >= time.January && k.Month <= time.December
}

// Contains reports whether d falls in the month.
func (k MonthKey) Contains(d civil.Date) bool {
	return d.Year == k.Year && d.Month == k.Month
}

// FirstDay returns the first calendar day of the month.
func (k MonthKey) FirstDay() civil.Date {
	return civil.Date{Year: k.Year, Month: k.Month, Day: 1}
}

// LastDay returns the last calendar day of the month.
func (k MonthKey) LastDay() civil.Date {
	return civil.DateOf(time.Date(k.Year, k.Month+1, 0, 0, 0, 0, 0, time.UTC))
}

// MonthBucket holds the confirmed transactions of one month.
type MonthBucket struct {
	Key          MonthKey            `json:"key"`
	Transactions []TransactionRecord `json:"transactions"`
	IsLoading    bool                `json:"is_loading"`
	Loaded       bool                `json:"loaded"`
	LastLoadedAt time.Time           `json:"last_loaded_at,omitempty"`
}

// SortNewestFirst orders records by date descending, see NewerFirst.
func SortNewestFirst(records []TransactionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return NewerFirst(records[i], records[j])
	})
}

// NewerFirst reports whether a sorts before b in a newest-first list. Records
// on the same day keep the newer CreatedAt first, then fall back to the id so
// the order is deterministic.
func NewerFirst(a, b TransactionRecord) bool {
	if a.Date != b.Date {
		return a.Date.After(b.Date)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
