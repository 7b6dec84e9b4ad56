// Package view holds a tab's in-memory ticket list: the last fetched snapshot
// plus any optimistic mutations that have not been persisted yet.
package view

import (
	"sync"
	"time"

	"github.com/starford/tabsync/internal/ticket"
)

// Kind is the type of an optimistic mutation.
type Kind int

const (
	Upsert Kind = iota + 1
	Remove
)

// Mutation is one optimistic change. For Upsert, Ticket is the full new value;
// for Remove only ID is used.
type Mutation struct {
	Kind   Kind
	ID     string
	Ticket ticket.Ticket
}

func (m Mutation) apply(ts ticket.Snapshot) ticket.Snapshot {
	switch m.Kind {
	case Upsert:
		return ts.Upsert(m.Ticket.Clone())
	case Remove:
		out, _ := ts.Without(m.ID)
		return out
	}
	return ts
}

type pending struct {
	seq uint64
	mut Mutation
}

// settled is a persisted mutation kept for replay until a snapshot fetched
// after it was settled arrives.
type settled struct {
	gen uint64
	mut Mutation
}

// merge folds a persisted mutation into ts. An upsert never overwrites a copy
// with a higher revision, which another tab wrote after it.
func (s settled) merge(ts ticket.Snapshot) ticket.Snapshot {
	if s.mut.Kind == Upsert {
		if i := ts.Index(s.mut.ID); i >= 0 && ts[i].Revision > s.mut.Ticket.Revision {
			return ts
		}
	}
	return s.mut.apply(ts)
}

// Model is safe for concurrent use.
type Model struct {
	mu          sync.RWMutex
	base        ticket.Snapshot
	pending     []pending
	settled     []settled
	nextSeq     uint64
	gen         uint64
	visible     []ticket.Ticket
	lastUpdated time.Time
	err         error
	changes     chan struct{}
}

// New returns an empty model.
func New() *Model {
	return &Model{
		visible: []ticket.Ticket{},
		changes: make(chan struct{}, 1),
	}
}

// Generation identifies the set of settled mutations. Read it before fetching
// and hand it to Replace.
func (m *Model) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// Replace swaps in a snapshot whose fetch began at generation gen and clears
// the error. Mutations settled after gen may be missing from ts, so they are
// merged back in; pending mutations are replayed on top so in-flight edits
// stay visible.
func (m *Model) Replace(gen uint64, ts []ticket.Ticket, at time.Time) {
	m.mu.Lock()
	base := ticket.Snapshot(ts).Clone()
	keep := m.settled[:0]
	for _, s := range m.settled {
		if s.gen > gen {
			base = s.merge(base)
			keep = append(keep, s)
		}
	}
	m.settled = keep
	m.base = base
	m.lastUpdated = at
	m.err = nil
	m.recompute()
	m.mu.Unlock()
	m.signal()
}

// Apply records an optimistic mutation and returns its sequence number.
func (m *Model) Apply(mut Mutation) uint64 {
	m.mu.Lock()
	m.nextSeq++
	seq := m.nextSeq
	m.pending = append(m.pending, pending{seq: seq, mut: mut})
	m.recompute()
	m.mu.Unlock()
	m.signal()
	return seq
}

// Settle folds a persisted mutation into the base snapshot.
func (m *Model) Settle(seq uint64) {
	m.settle(seq, nil)
}

// SettleAs settles seq with the value the store actually persisted, which
// may differ from the optimistic one (revision, for instance).
func (m *Model) SettleAs(seq uint64, t ticket.Ticket) {
	m.settle(seq, &t)
}

func (m *Model) settle(seq uint64, persisted *ticket.Ticket) {
	m.mu.Lock()
	found := false
	for i, p := range m.pending {
		if p.seq != seq {
			continue
		}
		if persisted != nil && p.mut.Kind == Upsert {
			p.mut.Ticket = persisted.Clone()
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.gen++
		s := settled{gen: m.gen, mut: p.mut}
		m.settled = append(m.settled, s)
		m.base = s.merge(m.base)
		found = true
		break
	}
	if found {
		m.recompute()
	}
	m.mu.Unlock()
	if found {
		m.signal()
	}
}

// Revert drops a mutation whose persistence failed.
func (m *Model) Revert(seq uint64) {
	m.mu.Lock()
	found := false
	for i, p := range m.pending {
		if p.seq == seq {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			found = true
			break
		}
	}
	if found {
		m.recompute()
	}
	m.mu.Unlock()
	if found {
		m.signal()
	}
}

// SetError records a failure. The visible list is left untouched.
func (m *Model) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.signal()
}

// Tickets returns the visible list, newest first.
func (m *Model) Tickets() []ticket.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ticket.Snapshot(m.visible).Clone()
}

// Find returns the visible ticket with id.
func (m *Model) Find(id string) (ticket.Ticket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := ticket.Snapshot(m.visible).Index(id)
	if i < 0 {
		return ticket.Ticket{}, false
	}
	return m.visible[i].Clone(), true
}

// Filter returns the visible tickets with status s; "" returns all.
func (m *Model) Filter(s ticket.Status) []ticket.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ticket.Snapshot(ticket.Filter(m.visible, s)).Clone()
}

// Counts tallies visible tickets by status.
func (m *Model) Counts() ticket.Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ticket.CountByStatus(m.visible)
}

// LastUpdated is the time of the last successful Replace.
func (m *Model) LastUpdated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdated
}

// Err returns the most recent error, cleared by the next successful Replace.
func (m *Model) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Pending returns the number of unsettled mutations.
func (m *Model) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Changes receives a value after the model changes. Bursts are coalesced.
func (m *Model) Changes() <-chan struct{} { return m.changes }

// recompute must be called with mu held.
func (m *Model) recompute() {
	vis := m.base.Clone()
	for _, p := range m.pending {
		vis = p.mut.apply(vis)
	}
	out := []ticket.Ticket(vis)
	if out == nil {
		out = []ticket.Ticket{}
	}
	ticket.SortByUpdated(out)
	m.visible = out
}

func (m *Model) signal() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}
