// Package testutil provides shared test helpers for setting up origins and stores.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/starford/tabsync/internal/localstore"
	"github.com/starford/tabsync/internal/storage"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// TestDB creates a temporary SQLite origin that is automatically closed.
func TestDB(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "tabsync-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestOrigin creates a temporary directory-backed origin.
func TestOrigin(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, fs
}

// Store opens the default collection on p as a new tab.
func Store(t *testing.T, p storage.Provider) *localstore.Store {
	t.Helper()
	s, err := localstore.New(p, "", "tab-"+uuid.NewString()[:8], Logger())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// Eventually polls fn every 10ms until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error(msg)
}
