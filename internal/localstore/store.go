// Package localstore persists a ticket collection as one JSON snapshot under a
// single key, plus a version marker that other tabs watch as a change signal.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/tabsync/internal/apperr"
	"github.com/starford/tabsync/internal/checksum"
	"github.com/starford/tabsync/internal/storage"
	"github.com/starford/tabsync/internal/ticket"
)

// DefaultCollection is the key tickets are stored under.
const DefaultCollection = "tickets"

// Snapshot is the result of a Read.
type Snapshot struct {
	Tickets ticket.Snapshot
	// Version is the token of the last completed write, or "" if none.
	Version string
	// Exists is false when the collection key has never been written.
	Exists bool
}

// Marker is the JSON value stored under the version key.
type Marker struct {
	Token     string    `json:"token"`
	Writer    string    `json:"writer"`
	Digest    string    `json:"digest"`
	WrittenAt time.Time `json:"writtenAt"`
}

// Change is delivered to Watch callbacks when another tab writes the collection.
type Change struct {
	Key    string
	Writer string
}

// Store is the Local Durable Store for one collection as seen from one tab.
type Store struct {
	provider   storage.Provider
	key        string
	versionKey string
	tabID      string
	logger     *slog.Logger

	mu sync.Mutex
	// known is the last marker token this tab wrote or was told about.
	known string
	// missed is set when this tab overwrote a marker it was never told about.
	missed bool
}

// New creates a Store for collection on provider. tabID identifies the
// writer in version markers so the tab's own writes can be filtered out of Watch.
func New(provider storage.Provider, collection, tabID string, logger *slog.Logger) (*Store, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if err := storage.ValidKey(collection); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		provider:   provider,
		key:        collection,
		versionKey: collection + "-version",
		tabID:      tabID,
		logger:     logger,
	}, nil
}

// Key returns the collection key.
func (s *Store) Key() string { return s.key }

// VersionKey returns the version marker key.
func (s *Store) VersionKey() string { return s.versionKey }

// TabID returns the writer identity of this store.
func (s *Store) TabID() string { return s.tabID }

// Read loads the current snapshot. A missing or corrupt collection yields an
// empty snapshot; corruption is logged, never returned. Only provider I/O
// failures are returned as errors.
//
// The marker is read before the data, so a write racing with Read can only
// make Version older than Tickets, never newer.
func (s *Store) Read(_ context.Context) (Snapshot, error) {
	m, err := s.readMarker()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Version: m.Token}

	raw, err := s.provider.Get(s.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return snap, nil
		}
		return Snapshot{}, fmt.Errorf("localstore: read %s: %w", s.key, err)
	}
	snap.Exists = true

	var tickets ticket.Snapshot
	if err := json.Unmarshal(raw, &tickets); err != nil {
		s.logger.Warn("localstore: corrupt snapshot, treating as empty",
			slog.String("key", s.key),
			slog.String("error", err.Error()))
		return snap, nil
	}
	if err := tickets.CheckUnique(); err != nil {
		s.logger.Warn("localstore: inconsistent snapshot, treating as empty",
			slog.String("key", s.key),
			slog.String("error", err.Error()))
		return snap, nil
	}
	snap.Tickets = tickets
	return snap, nil
}

// Write replaces the collection and bumps the version marker. It returns the
// new version token.
func (s *Store) Write(_ context.Context, tickets ticket.Snapshot) (string, error) {
	if tickets == nil {
		tickets = ticket.Snapshot{}
	}
	data, err := json.Marshal(tickets)
	if err != nil {
		return "", fmt.Errorf("localstore: encode: %w", err)
	}
	prev, err := s.readMarker()
	if err != nil {
		return "", err
	}
	if err := s.provider.Put(s.key, data); err != nil {
		return "", fmt.Errorf("localstore: write %s: %w", s.key, err)
	}

	m := Marker{
		Token:     uuid.NewString(),
		Writer:    s.tabID,
		Digest:    checksum.Short(data),
		WrittenAt: time.Now().UTC(),
	}
	mdata, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("localstore: encode marker: %w", err)
	}
	// Recorded before the marker lands: providers may deliver the event
	// from inside Put.
	s.mu.Lock()
	if prev.Token != "" && prev.Token != s.known {
		s.missed = true
	}
	s.known = m.Token
	s.mu.Unlock()
	if err := s.provider.Put(s.versionKey, mdata); err != nil {
		return "", fmt.Errorf("localstore: write %s: %w", s.versionKey, err)
	}

	s.logger.Debug("localstore: saved",
		slog.String("key", s.key),
		slog.Int("count", len(tickets)),
		slog.String("digest", m.Digest))
	return m.Token, nil
}

// CompareAndWrite writes tickets only if the version marker still carries
// expect. Otherwise it returns an error wrapping apperr.ErrConflict.
func (s *Store) CompareAndWrite(ctx context.Context, tickets ticket.Snapshot, expect string) (string, error) {
	unlock, err := s.provider.Lock(ctx, s.key)
	if err != nil {
		return "", fmt.Errorf("localstore: %w", err)
	}
	defer unlock()

	cur, err := s.readMarker()
	if err != nil {
		return "", err
	}
	if cur.Token != expect {
		return "", fmt.Errorf("localstore: version moved from %q to %q: %w", expect, cur.Token, apperr.ErrConflict)
	}
	return s.Write(ctx, tickets)
}

// Clear removes the collection and its marker.
func (s *Store) Clear(_ context.Context) error {
	if err := s.provider.Delete(s.key); err != nil {
		return fmt.Errorf("localstore: clear: %w", err)
	}
	if err := s.provider.Delete(s.versionKey); err != nil {
		return fmt.Errorf("localstore: clear: %w", err)
	}
	return nil
}

// Watch blocks until ctx is cancelled, calling fn whenever another tab
// completes a write to the collection. Completion is signalled by the version
// key; writes whose marker names this tab are suppressed.
//
// The marker is read when the event arrives, so another tab's write that this
// tab overwrote before the event was handled shows up with this tab's marker.
// Such a write is still delivered, once, with an empty Writer.
func (s *Store) Watch(ctx context.Context, fn func(Change)) error {
	if m, err := s.readMarker(); err == nil {
		s.mu.Lock()
		if s.known == "" {
			s.known = m.Token
		}
		s.mu.Unlock()
	}
	return s.provider.Watch(ctx, func(ev storage.Event) {
		if ev.Key != s.versionKey {
			return
		}
		m, err := s.readMarker()
		if err != nil {
			s.logger.Warn("localstore: read marker failed", slog.String("error", err.Error()))
			return
		}
		if m.Writer != "" && m.Writer == s.tabID {
			s.mu.Lock()
			missed := s.missed
			s.missed = false
			s.mu.Unlock()
			if missed {
				fn(Change{Key: s.key})
			}
			return
		}
		s.mu.Lock()
		s.known = m.Token
		s.missed = false
		s.mu.Unlock()
		fn(Change{Key: s.key, Writer: m.Writer})
	})
}

// readMarker returns the zero Marker when the version key is missing or unreadable.
func (s *Store) readMarker() (Marker, error) {
	raw, err := s.provider.Get(s.versionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return Marker{}, nil
		}
		return Marker{}, fmt.Errorf("localstore: read %s: %w", s.versionKey, err)
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		s.logger.Warn("localstore: corrupt version marker", slog.String("key", s.versionKey))
		return Marker{}, nil
	}
	return m, nil
}
