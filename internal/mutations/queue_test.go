package mutations

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/dvloznov/offline-ledger/internal/storage"
	"github.com/dvloznov/offline-ledger/internal/storage/file"
	"github.com/dvloznov/offline-ledger/internal/storage/memory"
	"github.com/shopspring/decimal"
)

const owner = "alice"

func payload(amount int64, day int) domain.Payload {
	return domain.Payload{
		Kind:        domain.KindExpense,
		Amount:      decimal.NewFromInt(amount),
		Description: "Coffee",
		Date:        civil.Date{Year: 2025, Month: time.January, Day: day},
	}
}

func createOf(localID string, p domain.Payload) domain.OfflineMutation {
	return domain.OfflineMutation{Operation: domain.OpCreate, LocalID: localID, Payload: p, OwnerID: owner}
}

func updateOf(target string, p domain.Payload) domain.OfflineMutation {
	return domain.OfflineMutation{Operation: domain.OpUpdate, TargetID: target, Payload: p, OwnerID: owner}
}

func deleteOf(target string) domain.OfflineMutation {
	return domain.OfflineMutation{Operation: domain.OpDelete, TargetID: target, Payload: payload(1, 1), OwnerID: owner}
}

func openQueue(t *testing.T, kv *memory.Store) *Queue {
	t.Helper()
	q, err := Open(context.Background(), kv, Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return q
}

func mustEnqueue(t *testing.T, q *Queue, m domain.OfflineMutation) EnqueueResult {
	t.Helper()
	res, err := q.Enqueue(context.Background(), m)
	if err != nil {
		t.Fatalf("Enqueue(%s %s) failed: %v", m.Operation, m.Key(), err)
	}
	return res
}

func TestQueue_Collapsing(t *testing.T) {
	tests := []struct {
		name      string
		sequence  []domain.OfflineMutation
		wantOps   []domain.Operation
		wantFinal int64
	}{
		{
			name:      "create then updates collapse into one create",
			sequence:  []domain.OfflineMutation{createOf("local_1", payload(10, 1)), updateOf("local_1", payload(20, 2)), updateOf("local_1", payload(30, 3))},
			wantOps:   []domain.Operation{domain.OpCreate},
			wantFinal: 30,
		},
		{
			name:     "create then delete leaves nothing",
			sequence: []domain.OfflineMutation{createOf("local_1", payload(10, 1)), updateOf("local_1", payload(20, 2)), deleteOf("local_1")},
			wantOps:  nil,
		},
		{
			name:      "updates keep the latest payload",
			sequence:  []domain.OfflineMutation{updateOf("srv_1", payload(10, 1)), updateOf("srv_1", payload(40, 4))},
			wantOps:   []domain.Operation{domain.OpUpdate},
			wantFinal: 40,
		},
		{
			name:     "update then delete becomes delete",
			sequence: []domain.OfflineMutation{updateOf("srv_1", payload(10, 1)), deleteOf("srv_1")},
			wantOps:  []domain.Operation{domain.OpDelete},
		},
		{
			name:      "different records are not collapsed",
			sequence:  []domain.OfflineMutation{updateOf("srv_1", payload(10, 1)), updateOf("srv_2", payload(50, 1))},
			wantOps:   []domain.Operation{domain.OpUpdate, domain.OpUpdate},
			wantFinal: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := openQueue(t, memory.NewStore())
			for _, m := range tt.sequence {
				mustEnqueue(t, q, m)
			}

			pending := q.ListPending(owner)
			if len(pending) != len(tt.wantOps) {
				t.Fatalf("got %d pending mutations, want %d", len(pending), len(tt.wantOps))
			}
			for i, op := range tt.wantOps {
				if pending[i].Operation != op {
					t.Errorf("pending[%d].Operation = %s, want %s", i, pending[i].Operation, op)
				}
			}
			if tt.wantFinal != 0 {
				last := pending[len(pending)-1]
				if !last.Payload.Amount.Equal(decimal.NewFromInt(tt.wantFinal)) {
					t.Errorf("final amount = %s, want %d", last.Payload.Amount, tt.wantFinal)
				}
			}
		})
	}
}

func TestQueue_DeleteThenAnythingRejected(t *testing.T) {
	q := openQueue(t, memory.NewStore())
	mustEnqueue(t, q, deleteOf("srv_1"))

	_, err := q.Enqueue(context.Background(), updateOf("srv_1", payload(5, 1)))
	if !errors.Is(err, ErrTargetDeleted) {
		t.Fatalf("update after delete = %v, want ErrTargetDeleted", err)
	}
	_, err = q.Enqueue(context.Background(), deleteOf("srv_1"))
	if !errors.Is(err, ErrTargetDeleted) {
		t.Fatalf("second delete = %v, want ErrTargetDeleted", err)
	}
	if got := q.Count(owner); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestQueue_InFlightIsNotCollapsed(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, memory.NewStore())

	create := mustEnqueue(t, q, createOf("local_1", payload(10, 1))).Mutation
	if err := q.MarkInFlight(ctx, create.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	res := mustEnqueue(t, q, updateOf("local_1", payload(20, 2)))
	if res.Collapsed {
		t.Fatal("update collapsed into an in-flight create")
	}
	// A second edit folds into the queued update, not the in-flight create.
	res = mustEnqueue(t, q, updateOf("local_1", payload(25, 2)))
	if !res.Collapsed || res.Mutation.Operation != domain.OpUpdate {
		t.Fatalf("second update result = %+v", res)
	}

	if err := q.MarkSynced(ctx, create.ID); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if err := q.Rebind(ctx, "local_1", "srv_9"); err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	if got := q.Resolve("local_1"); got != "srv_9" {
		t.Errorf("Resolve(local_1) = %q, want srv_9", got)
	}
	if got := q.Resolve("srv_1"); got != "srv_1" {
		t.Errorf("Resolve(srv_1) = %q, want srv_1", got)
	}

	pending := q.ListPending(owner)
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].TargetID != "srv_9" || !pending[0].Payload.Amount.Equal(decimal.NewFromInt(25)) {
		t.Errorf("pending update = %+v", pending[0])
	}
}

func TestQueue_MarkFailed(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name         string
		classes      []gateway.FailureClass
		wantAttempts int
		wantStatus   domain.MutationStatus
	}{
		{"transport does not consume attempts", []gateway.FailureClass{gateway.Transport, gateway.Transport, gateway.Transport, gateway.Transport}, 0, domain.MutationPending},
		{"retryable below ceiling", []gateway.FailureClass{gateway.Retryable, gateway.Retryable}, 2, domain.MutationPending},
		{"retryable reaches ceiling", []gateway.FailureClass{gateway.Retryable, gateway.Retryable, gateway.Retryable}, 3, domain.MutationPermanentlyFailed},
		{"permanent stops at once", []gateway.FailureClass{gateway.Permanent}, 1, domain.MutationPermanentlyFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := openQueue(t, memory.NewStore())
			m := mustEnqueue(t, q, updateOf("srv_1", payload(10, 1))).Mutation

			var got domain.OfflineMutation
			for _, class := range tt.classes {
				var err error
				got, err = q.MarkFailed(ctx, m.ID, boom, class)
				if err != nil {
					t.Fatalf("MarkFailed failed: %v", err)
				}
			}

			if got.Attempts != tt.wantAttempts || got.Status != tt.wantStatus {
				t.Errorf("attempts=%d status=%s, want %d %s", got.Attempts, got.Status, tt.wantAttempts, tt.wantStatus)
			}
			if got.LastError != "boom" || got.LastAttemptAt == nil {
				t.Errorf("failure not annotated: %+v", got)
			}
			if tt.wantStatus == domain.MutationPermanentlyFailed {
				if q.Count(owner) != 0 || len(q.ListFailed(owner)) != 1 {
					t.Errorf("failed mutation still counted as pending")
				}
			}
		})
	}
}

func TestQueue_RetryAndDiscard(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, memory.NewStore())

	create := mustEnqueue(t, q, createOf("local_1", payload(10, 1))).Mutation
	if err := q.Retry(ctx, create.ID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("Retry on pending = %v, want ErrNotFailed", err)
	}
	if _, err := q.MarkFailed(ctx, create.ID, gateway.ErrInvalid, gateway.Permanent); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if err := q.Retry(ctx, create.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if got := q.Count(owner); got != 1 {
		t.Fatalf("Count after retry = %d, want 1", got)
	}

	// Fail it again with a dependent update appended while it was in flight.
	q.MarkInFlight(ctx, create.ID)
	mustEnqueue(t, q, updateOf("local_1", payload(20, 1)))
	q.MarkFailed(ctx, create.ID, gateway.ErrInvalid, gateway.Permanent)

	if err := q.Discard(ctx, create.ID); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if got := q.Count(owner); got != 0 {
		t.Errorf("Count after discard = %d, want 0 (dependents dropped)", got)
	}
	if err := q.Discard(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Discard(missing) = %v, want ErrNotFound", err)
	}
}

func TestQueue_SupersedingFailedResetsIt(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, memory.NewStore())

	m := mustEnqueue(t, q, updateOf("srv_1", payload(10, 1))).Mutation
	q.MarkFailed(ctx, m.ID, gateway.ErrInvalid, gateway.Permanent)

	res := mustEnqueue(t, q, updateOf("srv_1", payload(15, 1)))
	if !res.Collapsed || res.Mutation.Status != domain.MutationPending || res.Mutation.Attempts != 0 {
		t.Errorf("superseded mutation = %+v", res.Mutation)
	}
	if len(q.ListFailed(owner)) != 0 {
		t.Error("failed list should be empty")
	}
}

func TestQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()

	q := openQueue(t, kv)
	mustEnqueue(t, q, createOf("local_1", payload(10, 1)))
	mustEnqueue(t, q, updateOf("srv_1", payload(20, 2)))
	mustEnqueue(t, q, deleteOf("srv_2"))

	reopened := openQueue(t, kv)
	pending := reopened.ListPending(owner)
	if len(pending) != 3 {
		t.Fatalf("got %d pending after restart, want 3", len(pending))
	}
	for i, op := range []domain.Operation{domain.OpCreate, domain.OpUpdate, domain.OpDelete} {
		if pending[i].Operation != op {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].Operation, op)
		}
	}

	// Collapsing keeps working against the reloaded log.
	res := mustEnqueue(t, reopened, deleteOf("local_1"))
	if !res.Removed {
		t.Errorf("delete of a reloaded create should remove it, got %+v", res)
	}
	next := mustEnqueue(t, reopened, updateOf("srv_3", payload(1, 1))).Mutation
	if next.Seq <= pending[2].Seq {
		t.Errorf("sequence went backwards after restart: %d <= %d", next.Seq, pending[2].Seq)
	}

	if err := reopened.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got := openQueue(t, kv).Count(""); got != 0 {
		t.Errorf("Count after Clear = %d, want 0", got)
	}
}

func TestQueue_RollsBackOnSaveFailure(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	q := openQueue(t, kv)
	first := mustEnqueue(t, q, updateOf("srv_1", payload(10, 1))).Mutation

	diskFull := errors.New("disk full")
	kv.SetFailSave(diskFull)

	if _, err := q.Enqueue(ctx, updateOf("srv_2", payload(5, 1))); !errors.Is(err, diskFull) {
		t.Fatalf("Enqueue = %v, want disk full", err)
	}
	if _, err := q.Enqueue(ctx, updateOf("srv_1", payload(99, 1))); err == nil {
		t.Fatal("collapsing Enqueue should fail")
	}
	if err := q.MarkSynced(ctx, first.ID); err == nil {
		t.Fatal("MarkSynced should fail")
	}

	pending := q.ListPending(owner)
	if len(pending) != 1 || !pending[0].Payload.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("queue changed despite failed writes: %+v", pending)
	}
}

func TestQueue_ValidatesMutations(t *testing.T) {
	q := openQueue(t, memory.NewStore())

	tests := []struct {
		name string
		m    domain.OfflineMutation
	}{
		{"create without local id", createOf("srv_1", payload(1, 1))},
		{"update without target", updateOf("", payload(1, 1))},
		{"invalid payload", updateOf("srv_1", domain.Payload{Kind: domain.KindIncome})},
		{"unknown operation", domain.OfflineMutation{Operation: "upsert", TargetID: "srv_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Enqueue(context.Background(), tt.m); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCollapse_KeysMustMatch(t *testing.T) {
	_, _, err := Collapse(updateOf("srv_1", payload(1, 1)), updateOf("srv_2", payload(1, 1)))
	if err == nil {
		t.Error("expected an error for different targets")
	}
}

func TestQueue_SharedStoreKeepsEveryWriter(t *testing.T) {
	fileStore, err := file.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	tests := []struct {
		name string
		kv   storage.KV
	}{
		{"memory", memory.NewStore()},
		{"file", fileStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			worker, err := Open(ctx, tt.kv, Options{})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			cli, err := Open(ctx, tt.kv, Options{})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}

			first := mustEnqueue(t, worker, updateOf("srv_1", payload(10, 1))).Mutation
			second := mustEnqueue(t, cli, updateOf("srv_2", payload(20, 2))).Mutation
			if first.Seq == second.Seq {
				t.Errorf("both queues handed out seq %d", first.Seq)
			}

			if got := worker.Count(owner); got != 2 {
				t.Fatalf("worker sees %d pending, want 2", got)
			}
			if err := worker.MarkSynced(ctx, first.ID); err != nil {
				t.Fatalf("MarkSynced failed: %v", err)
			}

			reopened, err := Open(ctx, tt.kv, Options{})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			pending := reopened.ListPending(owner)
			if len(pending) != 1 || pending[0].ID != second.ID {
				t.Fatalf("pending after reopen = %+v, want only %s", pending, second.ID)
			}
			if got := cli.Count(owner); got != 1 {
				t.Errorf("cli sees %d pending, want 1", got)
			}
		})
	}
}

func TestQueue_InFlightLeaseIsShared(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	now := time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	worker, err := Open(ctx, kv, Options{LeaseTTL: time.Minute, Now: clock})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cli, err := Open(ctx, kv, Options{LeaseTTL: time.Minute, Now: clock})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	create := mustEnqueue(t, cli, createOf("local_1", payload(10, 1))).Mutation
	if err := worker.MarkInFlight(ctx, create.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if !cli.InFlight(create.ID) {
		t.Error("lease not visible to the other queue")
	}
	if err := cli.MarkInFlight(ctx, create.ID); !errors.Is(err, ErrInFlight) {
		t.Errorf("second MarkInFlight = %v, want ErrInFlight", err)
	}

	res := mustEnqueue(t, cli, updateOf("local_1", payload(20, 1)))
	if res.Collapsed {
		t.Fatal("update collapsed into a create leased by another queue")
	}

	now = now.Add(2 * time.Minute)
	if cli.InFlight(create.ID) {
		t.Error("expired lease still held")
	}
	if err := cli.MarkInFlight(ctx, create.ID); err != nil {
		t.Errorf("MarkInFlight after expiry = %v", err)
	}
}

func TestQueue_ResolveSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	q := openQueue(t, kv)

	if err := q.Rebind(ctx, "local_1", "srv_9"); err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	if got := openQueue(t, kv).Resolve("local_1"); got != "srv_9" {
		t.Errorf("Resolve after reopen = %q, want srv_9", got)
	}

	for i := 0; i < maxAliases+5; i++ {
		if err := q.Rebind(ctx, fmt.Sprintf("local_x%d", i), fmt.Sprintf("srv_x%d", i)); err != nil {
			t.Fatalf("Rebind failed: %v", err)
		}
	}
	if got := q.Resolve("local_1"); got != "local_1" {
		t.Errorf("oldest alias kept past the cap: %q", got)
	}
	if got := q.Resolve(fmt.Sprintf("local_x%d", maxAliases+4)); got != fmt.Sprintf("srv_x%d", maxAliases+4) {
		t.Errorf("newest alias lost: %q", got)
	}
}
