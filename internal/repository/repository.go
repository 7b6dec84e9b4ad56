// Package repository exposes CRUD over a ticket collection stored as a whole
// snapshot. Every call reads the full snapshot first and, when it mutates,
// writes the full snapshot back; nothing is cached between calls.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/tabsync/internal/apperr"
	"github.com/starford/tabsync/internal/localstore"
	"github.com/starford/tabsync/internal/ticket"
)

// Policy selects how concurrent writers from different tabs are resolved.
type Policy string

const (
	// LastWriterWins overwrites whatever another tab wrote in between a read
	// and a write.
	LastWriterWins Policy = "last-writer-wins"
	// CompareAndSwap rejects writes whose base snapshot or ticket revision is stale.
	CompareAndSwap Policy = "compare-and-swap"
)

// ParsePolicy validates s. An empty string selects LastWriterWins.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return LastWriterWins, nil
	case LastWriterWins, CompareAndSwap:
		return Policy(s), nil
	}
	return "", fmt.Errorf("%w: unknown sync policy %q", apperr.ErrInvalid, s)
}

// casAttempts bounds retries when the snapshot moved but the change itself
// does not conflict.
const casAttempts = 5

// Repository is the entity-level view of a ticket collection.
type Repository interface {
	FindAll(ctx context.Context) ([]ticket.Ticket, error)
	FindByID(ctx context.Context, id string) (ticket.Ticket, error)
	Save(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error)
	Delete(ctx context.Context, id string) error
	Reset(ctx context.Context) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// Local is a Repository backed by a localstore.Store.
type Local struct {
	store  *localstore.Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Local repository.
type Option func(*Local)

// WithPolicy sets the conflict policy.
func WithPolicy(p Policy) Option {
	return func(l *Local) { l.policy = p }
}

// WithClock overrides the time source used for seeding.
func WithClock(now func() time.Time) Option {
	return func(l *Local) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) { l.logger = logger }
}

// NewLocal creates a repository over store.
func NewLocal(store *localstore.Store, opts ...Option) *Local {
	l := &Local{
		store:  store,
		policy: LastWriterWins,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Policy returns the active conflict policy.
func (l *Local) Policy() Policy { return l.policy }

// FindAll returns all tickets, newest UpdatedAt first. A store that has never
// been written is seeded with demo tickets on first access.
func (l *Local) FindAll(ctx context.Context) ([]ticket.Ticket, error) {
	snap, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	out := []ticket.Ticket(snap.Tickets.Clone())
	if out == nil {
		out = []ticket.Ticket{}
	}
	ticket.SortByUpdated(out)
	return out, nil
}

// FindByID returns the ticket with id or apperr.ErrNotFound.
func (l *Local) FindByID(ctx context.Context, id string) (ticket.Ticket, error) {
	snap, err := l.load(ctx)
	if err != nil {
		return ticket.Ticket{}, err
	}
	i := snap.Tickets.Index(id)
	if i < 0 {
		return ticket.Ticket{}, fmt.Errorf("ticket %s: %w", id, apperr.ErrNotFound)
	}
	return snap.Tickets[i].Clone(), nil
}

// Save upserts t and returns it as persisted, with Revision incremented.
//
// Under CompareAndSwap, t.Revision must match the stored revision, and a
// ticket that was persisted before (Revision > 0) but is no longer present
// is reported as a conflict rather than silently recreated.
func (l *Local) Save(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error) {
	if err := t.Validate(); err != nil {
		return ticket.Ticket{}, err
	}
	var saved ticket.Ticket
	err := l.mutate(ctx, func(snap ticket.Snapshot) (ticket.Snapshot, bool, error) {
		saved = t.Clone()
		if l.policy == CompareAndSwap {
			if i := snap.Index(t.ID); i >= 0 {
				if cur := snap[i].Revision; cur != t.Revision {
					return nil, false, fmt.Errorf("ticket %s: revision %d, stored %d: %w", t.ID, t.Revision, cur, apperr.ErrConflict)
				}
			} else if t.Revision > 0 {
				return nil, false, fmt.Errorf("ticket %s: deleted by another tab: %w", t.ID, apperr.ErrConflict)
			}
		}
		if i := snap.Index(t.ID); i >= 0 && l.policy == LastWriterWins {
			saved.Revision = snap[i].Revision
		}
		saved.Revision++
		return snap.Upsert(saved), true, nil
	})
	if err != nil {
		return ticket.Ticket{}, err
	}
	return saved, nil
}

// Delete removes the ticket with id. Deleting an absent ticket is a no-op and
// performs no write.
func (l *Local) Delete(ctx context.Context, id string) error {
	return l.mutate(ctx, func(snap ticket.Snapshot) (ticket.Snapshot, bool, error) {
		next, found := snap.Without(id)
		return next, found, nil
	})
}

// Reset replaces the collection with a fresh set of demo tickets.
func (l *Local) Reset(ctx context.Context) error {
	if _, err := l.store.Write(ctx, ticket.Seed(l.now())); err != nil {
		return err
	}
	l.logger.Info("repository: reset to demo data", slog.String("key", l.store.Key()))
	return nil
}

// Clear removes the collection entirely; the next access seeds it again.
func (l *Local) Clear(ctx context.Context) error {
	return l.store.Clear(ctx)
}

// Count returns the number of stored tickets.
func (l *Local) Count(ctx context.Context) (int, error) {
	snap, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(snap.Tickets), nil
}

// load reads the snapshot, seeding it if the key has never been written.
func (l *Local) load(ctx context.Context) (localstore.Snapshot, error) {
	snap, err := l.store.Read(ctx)
	if err != nil {
		return localstore.Snapshot{}, err
	}
	if snap.Exists {
		return snap, nil
	}
	seed := ticket.Seed(l.now())
	var ver string
	if l.policy == CompareAndSwap {
		ver, err = l.store.CompareAndWrite(ctx, seed, snap.Version)
		if errors.Is(err, apperr.ErrConflict) {
			// Another tab seeded first; use theirs.
			return l.store.Read(ctx)
		}
	} else {
		ver, err = l.store.Write(ctx, seed)
	}
	if err != nil {
		return localstore.Snapshot{}, err
	}
	l.logger.Info("repository: seeded demo data",
		slog.String("key", l.store.Key()),
		slog.Int("count", len(seed)))
	return localstore.Snapshot{Tickets: seed, Version: ver, Exists: true}, nil
}

// mutate runs a read-modify-write cycle. fn returns the next snapshot and
// whether anything changed. Under CompareAndSwap the cycle is retried when
// another tab wrote in between; fn is re-run against the fresh snapshot so
// its own conflict checks see the latest state.
func (l *Local) mutate(ctx context.Context, fn func(ticket.Snapshot) (ticket.Snapshot, bool, error)) error {
	for attempt := 1; ; attempt++ {
		snap, err := l.load(ctx)
		if err != nil {
			return err
		}
		next, changed, err := fn(snap.Tickets.Clone())
		if err != nil || !changed {
			return err
		}
		if l.policy != CompareAndSwap {
			_, err = l.store.Write(ctx, next)
			return err
		}
		_, err = l.store.CompareAndWrite(ctx, next, snap.Version)
		if !errors.Is(err, apperr.ErrConflict) || attempt >= casAttempts {
			return err
		}
		l.logger.Debug("repository: snapshot moved, retrying",
			slog.String("key", l.store.Key()),
			slog.Int("attempt", attempt))
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

var _ Repository = (*Local)(nil)
