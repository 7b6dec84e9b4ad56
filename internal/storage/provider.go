// Package storage defines the per-origin key-value abstraction that ticket
// snapshots are persisted through, and its file, SQLite and memory backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotExist is returned by Get for a key that has never been written or was deleted.
var ErrNotExist = errors.New("storage: key does not exist")

// Event reports that the value under Key changed (written or deleted).
type Event struct {
	Key string
}

// Provider is the interface for origin-scoped key-value operations.
type Provider interface {
	// Get returns the bytes stored under key, or an error wrapping ErrNotExist.
	Get(key string) ([]byte, error)
	// Put fully replaces the value under key.
	Put(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Watch calls fn for every change to any key until ctx is cancelled.
	// Changes made through this provider value are reported as well; callers
	// that need writer suppression filter on their own marker.
	Watch(ctx context.Context, fn func(Event)) error
	// Lock takes an origin-wide exclusive lock on name. The returned func releases it.
	Lock(ctx context.Context, name string) (func(), error)
	// Close releases resources held by the provider.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// lockStale is how long a lock may be held before another tab may break it.
// It guards against a tab that crashed while holding the lock.
const lockStale = 10 * time.Second

// lockRetry is the back-off between lock acquisition attempts.
const lockRetry = 5 * time.Millisecond

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidKey reports an error for keys that cannot be stored by every backend:
// keys must be flat names without separators or a leading dot.
func ValidKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	return nil
}

// Open creates the provider for backend rooted at path. For the memory
// backend, path names the shared in-process origin.
func Open(backend, path string) (Provider, error) {
	switch backend {
	case BackendFS:
		return NewFS(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendMemory:
		return SharedMemory(path), nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", backend)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
