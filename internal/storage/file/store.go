// Package file stores each record as a file in a state directory. Writes go to
// a temporary file that is synced and renamed over the target, so a crash
// leaves either the old or the new record, never a torn one.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/storage"
	"golang.org/x/sys/unix"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// lockPollInterval is how often Lock retries a lock held by someone else.
const lockPollInterval = 10 * time.Millisecond

// Store is a directory-backed implementation of storage.KV.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the state directory if needed and returns a store rooted
// at it.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("NewStore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("NewStore: creating %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".lock")
}

// Load implements the KV interface.
func (s *Store) Load(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Load: reading %s: %w", key, err)
	}
	return data, true, nil
}

// Save implements the KV interface.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("Save: key is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("Save: creating temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("Save: writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("Save: syncing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("Save: closing %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("Save: renaming %s: %w", key, err)
	}
	return nil
}

// Delete implements the KV interface.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("Delete: removing %s: %w", key, err)
	}
	return nil
}

// Lock implements storage.Locker with an advisory flock on a sidecar file, so
// every process sharing the state directory is serialized. Each call opens its
// own descriptor, which also serializes callers inside one process.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	f, err := os.OpenFile(s.lockPath(key), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("Lock: opening lock file for %s: %w", key, err)
	}
	fd := int(f.Fd())

	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("Lock: locking %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		unix.Flock(fd, unix.LOCK_UN)
		f.Close()
	}, nil
}

// Close implements the KV interface.
func (s *Store) Close() error {
	return nil
}

var (
	_ storage.KV     = (*Store)(nil)
	_ storage.Locker = (*Store)(nil)
)
