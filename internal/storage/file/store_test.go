package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := s.Save(ctx, "offline_mutations", []byte(`[{"id":"m1"}]`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore (reopen) failed: %v", err)
	}
	got, found, err := reopened.Load(ctx, "offline_mutations")
	if err != nil || !found {
		t.Fatalf("Load failed: found %v, err %v", found, err)
	}
	if string(got) != `[{"id":"m1"}]` {
		t.Errorf("Load = %s", got)
	}
}

func TestStore_OverwriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	for _, v := range []string{"one", "two", "three"} {
		if err := s.Save(ctx, "k", []byte(v)); err != nil {
			t.Fatalf("Save(%s) failed: %v", v, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
	got, _, _ := s.Load(ctx, "k")
	if string(got) != "three" {
		t.Errorf("Load = %s, want three", got)
	}
}

func TestStore_KeySanitizing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := s.Save(ctx, "categories:../../etc", []byte("x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "categories_.._.._etc.json")); err != nil {
		t.Errorf("expected sanitized file inside the state dir: %v", err)
	}
}

func TestStore_DeleteMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := s.Delete(context.Background(), "nothing"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestStore_LockIsExclusive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	// A second store on the same directory stands in for another process.
	other, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	unlock, err := s.Lock(ctx, "offline_mutations")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := other.Lock(waitCtx, "offline_mutations"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock while held = %v, want deadline exceeded", err)
	}
	if release, err := other.Lock(ctx, "categories"); err != nil {
		t.Fatalf("Lock on another key failed: %v", err)
	} else {
		release()
	}

	unlock()
	release, err := other.Lock(ctx, "offline_mutations")
	if err != nil {
		t.Fatalf("Lock after release failed: %v", err)
	}
	release()
}
