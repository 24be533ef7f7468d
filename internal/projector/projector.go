// Package projector merges confirmed month buckets with queued mutations into
// the list the user sees.
package projector

import (
	"fmt"
	"sort"

	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Entry is one row of the combined view. It is one of Confirmed,
// PendingCreate, PendingUpdate or PendingDelete.
type Entry interface {
	// Transaction returns the record as it should be displayed.
	Transaction() domain.TransactionRecord
	isEntry()
}

// Confirmed is a record the remote store has acknowledged, with no queued
// change.
type Confirmed struct {
	Record domain.TransactionRecord
}

// PendingCreate is a record created on the device and not yet confirmed.
type PendingCreate struct {
	Record   domain.TransactionRecord
	Mutation domain.OfflineMutation
}

// PendingUpdate is a confirmed record with a queued edit applied on top.
type PendingUpdate struct {
	Record domain.TransactionRecord
	// Previous is the confirmed version, when it is cached.
	Previous *domain.TransactionRecord
	Mutation domain.OfflineMutation
}

// PendingDelete is a confirmed record with a queued delete. It is never part
// of the list; views keep it as a tombstone.
type PendingDelete struct {
	Record   domain.TransactionRecord
	Mutation domain.OfflineMutation
}

func (e Confirmed) Transaction() domain.TransactionRecord     { return e.Record }
func (e PendingCreate) Transaction() domain.TransactionRecord { return e.Record }
func (e PendingUpdate) Transaction() domain.TransactionRecord { return e.Record }
func (e PendingDelete) Transaction() domain.TransactionRecord { return e.Record }

func (Confirmed) isEntry()     {}
func (PendingCreate) isEntry() {}
func (PendingUpdate) isEntry() {}
func (PendingDelete) isEntry() {}

// Status names the state of an entry for display.
func Status(e Entry) string {
	switch e.(type) {
	case Confirmed:
		return "confirmed"
	case PendingCreate:
		return "pending create"
	case PendingUpdate:
		return "pending update"
	case PendingDelete:
		return "pending delete"
	default:
		panic(fmt.Sprintf("projector: unknown entry %T", e))
	}
}

// IsPending reports whether the entry still waits for the remote store.
func IsPending(e Entry) bool {
	_, confirmed := e.(Confirmed)
	return !confirmed
}

// Totals are the sums over a view.
type Totals struct {
	Income  decimal.Decimal
	Expense decimal.Decimal
	// Net is Income minus Expense.
	Net decimal.Decimal
}

// View is the combined list for one month.
type View struct {
	Month   domain.MonthKey
	Entries []Entry
	// Hidden holds confirmed records of the month that have a queued delete.
	Hidden []PendingDelete
	Totals Totals
}

// List returns at most limit entries, newest first. limit <= 0 returns all.
func (v View) List(limit int) []Entry {
	n := len(v.Entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, v.Entries[:n])
	return out
}

// Total is the net amount of the view.
func (v View) Total() decimal.Decimal {
	return v.Totals.Net
}

// pendingState is the net effect of every queued mutation for one record.
type pendingState struct {
	op       domain.Operation
	record   domain.TransactionRecord
	mutation domain.OfflineMutation
	used     bool
}

// Project merges the confirmed bucket of month with the queued mutations.
// pending must be in queue order. The result only depends on its inputs.
func Project(month domain.MonthKey, bucket []domain.TransactionRecord, pending []domain.OfflineMutation) View {
	states, order := fold(pending)
	view := View{Month: month}

	for _, r := range bucket {
		st, ok := states[r.ID]
		if !ok {
			view.Entries = append(view.Entries, Confirmed{Record: r})
			continue
		}
		st.used = true

		switch st.op {
		case domain.OpDelete:
			view.Hidden = append(view.Hidden, PendingDelete{Record: r, Mutation: st.mutation})
		case domain.OpUpdate, domain.OpCreate:
			updated := st.record
			updated.CreatedAt = r.CreatedAt
			if month.Contains(updated.Date) {
				prev := r
				view.Entries = append(view.Entries, PendingUpdate{Record: updated, Previous: &prev, Mutation: st.mutation})
			}
		}
	}

	for _, key := range order {
		st := states[key]
		if st.used || !month.Contains(st.record.Date) {
			continue
		}
		switch st.op {
		case domain.OpCreate:
			view.Entries = append(view.Entries, PendingCreate{Record: st.record, Mutation: st.mutation})
		case domain.OpUpdate:
			view.Entries = append(view.Entries, PendingUpdate{Record: st.record, Mutation: st.mutation})
		case domain.OpDelete:
			// The record lives in a bucket that is not part of this view.
		}
	}

	sort.SliceStable(view.Entries, func(i, j int) bool {
		return domain.NewerFirst(view.Entries[i].Transaction(), view.Entries[j].Transaction())
	})
	view.Totals = Sum(view.Entries)
	return view
}

// Sum totals the entries by kind.
func Sum(entries []Entry) Totals {
	t := Totals{Income: decimal.Zero, Expense: decimal.Zero}
	for _, e := range entries {
		r := e.Transaction()
		switch r.Kind {
		case domain.KindIncome:
			t.Income = t.Income.Add(r.Amount)
		case domain.KindExpense:
			t.Expense = t.Expense.Add(r.Amount)
		}
	}
	t.Net = t.Income.Sub(t.Expense)
	return t
}

// fold reduces the queue to one state per record, keyed by the id the record
// has in the cache (the local id for creates).
func fold(pending []domain.OfflineMutation) (map[string]*pendingState, []string) {
	states := make(map[string]*pendingState)
	var order []string

	for _, m := range pending {
		key := m.Key()
		id := key
		st, seen := states[key]
		if !seen {
			st = &pendingState{op: m.Operation}
			states[key] = st
			order = append(order, key)
		}
		st.mutation = m

		switch m.Operation {
		case domain.OpCreate:
			st.op = domain.OpCreate
			st.record = m.Payload.Record(id, m.OwnerID, m.EnqueuedAt)
		case domain.OpUpdate:
			createdAt := m.EnqueuedAt
			if seen {
				createdAt = st.record.CreatedAt
			}
			if st.op != domain.OpCreate {
				st.op = domain.OpUpdate
			}
			st.record = m.Payload.Record(id, m.OwnerID, createdAt)
		case domain.OpDelete:
			st.op = domain.OpDelete
			st.record = m.Payload.Record(id, m.OwnerID, m.EnqueuedAt)
		}
	}
	return states, order
}
