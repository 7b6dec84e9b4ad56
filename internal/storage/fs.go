package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const tmpPrefix = ".tabsync-tmp-"

// FS implements Provider with one file per key in a flat directory.
type FS struct {
	root string // absolute path to the origin directory
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute origin directory.
func (f *FS) Root() string { return f.root }

// safePath maps a key to its file. Keys are validated so the result can never
// escape the root.
func (f *FS) safePath(key string) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.root, key), nil
}

// Get returns the raw bytes stored under key.
func (f *FS) Get(key string) ([]byte, error) {
	abs, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Put atomically writes value: tmp file → fsync → rename.
func (f *FS) Put(key string, value []byte) error {
	abs, err := f.safePath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.root, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Delete removes the file for key.
func (f *FS) Delete(key string) error {
	abs, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Watch starts an fsnotify watcher on the origin directory and reports key
// changes until ctx is cancelled. Temp and lock files are ignored; the
// rename that completes a Put arrives as a Create on the key's file.
func (f *FS) Watch(ctx context.Context, fn func(Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("storage: new watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(f.root); err != nil {
		return fmt.Errorf("storage: watch %s: %w", f.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || ValidKey(name) != nil {
				continue
			}
			fn(Event{Key: name})

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("storage: watcher: %w", watchErr)
		}
	}
}

// Lock creates an exclusive lock file next to the keys. A lock file older
// than lockStale is assumed abandoned and removed.
func (f *FS) Lock(ctx context.Context, name string) (func(), error) {
	if err := ValidKey(name); err != nil {
		return nil, err
	}
	path := filepath.Join(f.root, "."+name+".lock")
	for {
		lf, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(lf, "%d\n", os.Getpid())
			_ = lf.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("storage: lock %s: %w", name, err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStale {
			_ = os.Remove(path)
			continue
		}
		if err := sleepCtx(ctx, lockRetry); err != nil {
			return nil, fmt.Errorf("storage: lock %s: %w", name, err)
		}
	}
}

// Close is a no-op for the file backend.
func (f *FS) Close() error { return nil }
