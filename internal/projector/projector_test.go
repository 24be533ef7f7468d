package projector

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

var jan = domain.MonthKey{Year: 2025, Month: time.January}

func date(m time.Month, d int) civil.Date {
	return civil.Date{Year: 2025, Month: m, Day: d}
}

func confirmed(id string, kind domain.Kind, amount int64, d civil.Date) domain.TransactionRecord {
	return domain.TransactionRecord{ID: id, OwnerID: "alice", Kind: kind, Amount: decimal.NewFromInt(amount), Date: d}
}

func payload(kind domain.Kind, amount int64, d civil.Date) domain.Payload {
	return domain.Payload{Kind: kind, Amount: decimal.NewFromInt(amount), Date: d}
}

func mutation(seq int64, op domain.Operation, key string, p domain.Payload) domain.OfflineMutation {
	m := domain.OfflineMutation{ID: "m" + key, Operation: op, Payload: p, OwnerID: "alice", Seq: seq, Status: domain.MutationPending}
	if op == domain.OpCreate {
		m.LocalID = key
	} else {
		m.TargetID = key
	}
	return m
}

func entryIDs(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Transaction().ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestProject(t *testing.T) {
	bucket := []domain.TransactionRecord{
		confirmed("srv_1", domain.KindIncome, 100, date(time.January, 20)),
		confirmed("srv_2", domain.KindExpense, 30, date(time.January, 10)),
		confirmed("srv_3", domain.KindExpense, 5, date(time.January, 2)),
	}

	tests := []struct {
		name       string
		pending    []domain.OfflineMutation
		wantIDs    []string
		wantNet    int64
		wantHidden int
	}{
		{
			name:    "no pending",
			wantIDs: []string{"srv_1", "srv_2", "srv_3"},
			wantNet: 65,
		},
		{
			name:       "pending delete hides the record",
			pending:    []domain.OfflineMutation{mutation(1, domain.OpDelete, "srv_2", payload(domain.KindExpense, 30, date(time.January, 10)))},
			wantIDs:    []string{"srv_1", "srv_3"},
			wantNet:    95,
			wantHidden: 1,
		},
		{
			name:    "pending update replaces the record and re-sorts",
			pending: []domain.OfflineMutation{mutation(1, domain.OpUpdate, "srv_3", payload(domain.KindExpense, 15, date(time.January, 25)))},
			wantIDs: []string{"srv_3", "srv_1", "srv_2"},
			wantNet: 55,
		},
		{
			name:    "pending update moving the record out of the month",
			pending: []domain.OfflineMutation{mutation(1, domain.OpUpdate, "srv_1", payload(domain.KindIncome, 100, date(time.February, 1)))},
			wantIDs: []string{"srv_2", "srv_3"},
			wantNet: -35,
		},
		{
			name: "pending creates inside and outside the month",
			pending: []domain.OfflineMutation{
				mutation(1, domain.OpCreate, "local_a", payload(domain.KindIncome, 10, date(time.January, 15))),
				mutation(2, domain.OpCreate, "local_b", payload(domain.KindIncome, 10, date(time.March, 1))),
			},
			wantIDs: []string{"srv_1", "local_a", "srv_2", "srv_3"},
			wantNet: 75,
		},
		{
			name: "update moving a record in from another month",
			pending: []domain.OfflineMutation{
				mutation(1, domain.OpUpdate, "srv_9", payload(domain.KindExpense, 1, date(time.January, 31))),
			},
			wantIDs: []string{"srv_9", "srv_1", "srv_2", "srv_3"},
			wantNet: 64,
		},
		{
			name: "create followed by a delete appended while in flight",
			pending: []domain.OfflineMutation{
				mutation(1, domain.OpCreate, "local_a", payload(domain.KindIncome, 10, date(time.January, 15))),
				mutation(2, domain.OpDelete, "local_a", payload(domain.KindIncome, 10, date(time.January, 15))),
			},
			wantIDs: []string{"srv_1", "srv_2", "srv_3"},
			wantNet: 65,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := Project(jan, bucket, tt.pending)

			if got := entryIDs(view.Entries); !equalIDs(got, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", got, tt.wantIDs)
			}
			if !view.Total().Equal(decimal.NewFromInt(tt.wantNet)) {
				t.Errorf("net = %s, want %d", view.Total(), tt.wantNet)
			}
			if len(view.Hidden) != tt.wantHidden {
				t.Errorf("hidden = %d, want %d", len(view.Hidden), tt.wantHidden)
			}
		})
	}
}

func TestProject_DeleteBeforeRemoteAnswer(t *testing.T) {
	bucket := []domain.TransactionRecord{confirmed("srv_1", domain.KindIncome, 50, date(time.January, 5))}
	pending := []domain.OfflineMutation{mutation(1, domain.OpDelete, "srv_1", payload(domain.KindIncome, 50, date(time.January, 5)))}

	view := Project(jan, bucket, pending)
	if len(view.Entries) != 0 {
		t.Errorf("entries = %v, want none", entryIDs(view.Entries))
	}
	if !view.Total().IsZero() {
		t.Errorf("total = %s, want 0", view.Total())
	}
}

func TestProject_TotalIsIdempotent(t *testing.T) {
	bucket := []domain.TransactionRecord{
		confirmed("srv_1", domain.KindIncome, 100, date(time.January, 20)),
		confirmed("srv_2", domain.KindExpense, 40, date(time.January, 10)),
	}
	pending := []domain.OfflineMutation{
		mutation(1, domain.OpCreate, "local_a", payload(domain.KindIncome, 7, date(time.January, 3))),
		mutation(2, domain.OpDelete, "srv_2", payload(domain.KindExpense, 40, date(time.January, 10))),
	}

	first := Project(jan, bucket, pending)
	second := Project(jan, bucket, pending)
	if !first.Total().Equal(second.Total()) {
		t.Fatalf("totals differ: %s vs %s", first.Total(), second.Total())
	}

	// bucket sum + pending amounts not yet reflected - amounts pending delete
	want := decimal.NewFromInt(100 - 40 + 7 + 40)
	if !first.Total().Equal(want) {
		t.Errorf("total = %s, want %s", first.Total(), want)
	}
	if !first.Totals.Income.Equal(decimal.NewFromInt(107)) || !first.Totals.Expense.IsZero() {
		t.Errorf("totals = %+v", first.Totals)
	}
}

func TestView_List(t *testing.T) {
	bucket := []domain.TransactionRecord{
		confirmed("srv_1", domain.KindIncome, 1, date(time.January, 3)),
		confirmed("srv_2", domain.KindIncome, 1, date(time.January, 2)),
		confirmed("srv_3", domain.KindIncome, 1, date(time.January, 1)),
	}
	view := Project(jan, bucket, nil)

	tests := []struct {
		limit int
		want  int
	}{
		{0, 3},
		{-1, 3},
		{2, 2},
		{10, 3},
	}
	for _, tt := range tests {
		if got := len(view.List(tt.limit)); got != tt.want {
			t.Errorf("List(%d) returned %d entries, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestStatus(t *testing.T) {
	r := confirmed("srv_1", domain.KindIncome, 1, date(time.January, 3))
	tests := []struct {
		entry   Entry
		want    string
		pending bool
	}{
		{Confirmed{Record: r}, "confirmed", false},
		{PendingCreate{Record: r}, "pending create", true},
		{PendingUpdate{Record: r}, "pending update", true},
		{PendingDelete{Record: r}, "pending delete", true},
	}
	for _, tt := range tests {
		if got := Status(tt.entry); got != tt.want {
			t.Errorf("Status(%T) = %q, want %q", tt.entry, got, tt.want)
		}
		if IsPending(tt.entry) != tt.pending {
			t.Errorf("IsPending(%T) = %v", tt.entry, !tt.pending)
		}
	}
}
