package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
)

// Operation names recorded in Call.Op.
const (
	OpList           = "list"
	OpCreate         = "create"
	OpUpdate         = "update"
	OpDelete         = "delete"
	OpListCategories = "list_categories"
)

// Call describes one request received by the gateway.
type Call struct {
	Op      string
	OwnerID string
	ID      string
	Month   domain.MonthKey
	Payload domain.Payload
}

// Interceptor runs before every call. A non-nil error is returned to the
// caller instead of executing the call. It may block, which lets tests hold a
// request in flight.
type Interceptor func(ctx context.Context, call Call) error

// Gateway is an in-process authoritative store. It backs the reference server
// when no database is configured and stands in for the network in tests.
type Gateway struct {
	mu         sync.Mutex
	records    map[string]domain.TransactionRecord
	categories []domain.Category
	nextID     int
	calls      []Call
	intercept  Interceptor
	now        func() time.Time
}

// New creates an empty gateway seeded with the default categories.
func New() *Gateway {
	return &Gateway{
		records:    make(map[string]domain.TransactionRecord),
		categories: DefaultCategories(),
		now:        time.Now,
	}
}

// DefaultCategories are the categories every owner starts with.
func DefaultCategories() []domain.Category {
	return []domain.Category{
		{ID: "groceries", Name: "Groceries", Kind: domain.KindExpense, Color: "#e74c3c"},
		{ID: "rent", Name: "Rent", Kind: domain.KindExpense, Color: "#e67e22"},
		{ID: "utilities", Name: "Utilities", Kind: domain.KindExpense, Color: "#f39c12"},
		{ID: "transportation", Name: "Transportation", Kind: domain.KindExpense, Color: "#3498db"},
		{ID: "entertainment", Name: "Entertainment", Kind: domain.KindExpense, Color: "#9b59b6"},
		{ID: "salary", Name: "Salary", Kind: domain.KindIncome, Color: "#27ae60"},
		{ID: "freelance", Name: "Freelance", Kind: domain.KindIncome, Color: "#16a085"},
	}
}

// SetInterceptor installs fn; nil removes it.
func (g *Gateway) SetInterceptor(fn Interceptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intercept = fn
}

// SetClock overrides the time source used for CreatedAt/UpdatedAt.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Seed stores record as-is, bypassing interception.
func (g *Gateway) Seed(record domain.TransactionRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[record.ID] = record
}

// Calls returns a copy of every call received so far.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CountCalls returns how many calls of op were received.
func (g *Gateway) CountCalls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Records returns every stored record of the owner, newest first.
func (g *Gateway) Records(ownerID string) []domain.TransactionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.TransactionRecord
	for _, r := range g.records {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	domain.SortNewestFirst(out)
	return out
}

func (g *Gateway) begin(ctx context.Context, call Call) error {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	intercept := g.intercept
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrTransport, err)
	}
	if intercept != nil {
		return intercept(ctx, call)
	}
	return nil
}

// ListForMonth implements gateway.Gateway.
func (g *Gateway) ListForMonth(ctx context.Context, ownerID string, key domain.MonthKey) ([]domain.TransactionRecord, error) {
	if err := g.begin(ctx, Call{Op: OpList, OwnerID: ownerID, Month: key}); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	result := []domain.TransactionRecord{}
	for _, r := range g.records {
		if r.OwnerID == ownerID && key.Contains(r.Date) {
			result = append(result, r)
		}
	}
	domain.SortNewestFirst(result)
	return result, nil
}

// Create implements gateway.Gateway.
func (g *Gateway) Create(ctx context.Context, ownerID string, payload domain.Payload) (domain.TransactionRecord, error) {
	if err := g.begin(ctx, Call{Op: OpCreate, OwnerID: ownerID, Payload: payload}); err != nil {
		return domain.TransactionRecord{}, err
	}
	if err := payload.Validate(); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %v", gateway.ErrInvalid, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	id := "srv_" + strconv.Itoa(g.nextID)
	for _, taken := g.records[id]; taken; _, taken = g.records[id] {
		g.nextID++
		id = "srv_" + strconv.Itoa(g.nextID)
	}

	now := g.now().UTC()
	record := payload.Record(id, ownerID, now)
	record.UpdatedAt = now
	g.records[id] = record
	return record, nil
}

// Update implements gateway.Gateway.
func (g *Gateway) Update(ctx context.Context, ownerID, id string, payload domain.Payload) (domain.TransactionRecord, error) {
	if err := g.begin(ctx, Call{Op: OpUpdate, OwnerID: ownerID, ID: id, Payload: payload}); err != nil {
		return domain.TransactionRecord{}, err
	}
	if err := payload.Validate(); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %v", gateway.ErrInvalid, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.records[id]
	if !ok || existing.OwnerID != ownerID {
		return domain.TransactionRecord{}, fmt.Errorf("Update %s: %w", id, gateway.ErrNotFound)
	}

	record := payload.Record(id, ownerID, existing.CreatedAt)
	record.UpdatedAt = g.now().UTC()
	g.records[id] = record
	return record, nil
}

// Delete implements gateway.Gateway.
func (g *Gateway) Delete(ctx context.Context, ownerID, id string) error {
	if err := g.begin(ctx, Call{Op: OpDelete, OwnerID: ownerID, ID: id}); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.records[id]
	if !ok || existing.OwnerID != ownerID {
		return fmt.Errorf("Delete %s: %w", id, gateway.ErrNotFound)
	}
	delete(g.records, id)
	return nil
}

// ListCategories implements gateway.Gateway.
func (g *Gateway) ListCategories(ctx context.Context, ownerID string) ([]domain.Category, error) {
	if err := g.begin(ctx, Call{Op: OpListCategories, OwnerID: ownerID}); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.Category, len(g.categories))
	copy(out, g.categories)
	return out, nil
}

// Ping always succeeds; the in-process store is never unreachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return nil
}

var _ gateway.Gateway = (*Gateway)(nil)
