package ticket

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a whole collection as persisted under one key.
type Snapshot []Ticket

// CheckUnique returns an error naming the first duplicated ID.
func (s Snapshot) CheckUnique() error {
	seen := make(map[string]struct{}, len(s))
	for _, t := range s {
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate ticket id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// Index returns the position of id, or -1.
func (s Snapshot) Index(id string) int {
	for i, t := range s {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Upsert replaces the ticket with the same ID in place or appends it.
func (s Snapshot) Upsert(t Ticket) Snapshot {
	if i := s.Index(t.ID); i >= 0 {
		s[i] = t
		return s
	}
	return append(s, t)
}

// Without returns s minus the ticket with id, and whether it was present.
func (s Snapshot) Without(id string) (Snapshot, bool) {
	out := make(Snapshot, 0, len(s))
	found := false
	for _, t := range s {
		if t.ID == id {
			found = true
			continue
		}
		out = append(out, t)
	}
	return out, found
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for i, t := range s {
		out[i] = t.Clone()
	}
	return out
}

// SortByUpdated sorts newest first; ties fall back to ID so ordering is stable
// across tabs.
func SortByUpdated(ts []Ticket) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].UpdatedAt.Equal(ts[j].UpdatedAt) {
			return ts[i].UpdatedAt.After(ts[j].UpdatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// Counts tallies tickets by status.
type Counts struct {
	Total      int `json:"total"`
	Todo       int `json:"todo"`
	InProgress int `json:"inProgress"`
	Done       int `json:"done"`
}

// CountByStatus computes Counts for ts.
func CountByStatus(ts []Ticket) Counts {
	c := Counts{Total: len(ts)}
	for _, t := range ts {
		switch t.Status {
		case StatusTodo:
			c.Todo++
		case StatusInProgress:
			c.InProgress++
		case StatusDone:
			c.Done++
		}
	}
	return c
}

// Filter returns the tickets with status s. An empty s matches all.
func Filter(ts []Ticket, s Status) []Ticket {
	out := make([]Ticket, 0, len(ts))
	for _, t := range ts {
		if s == "" || t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

// SeedCount is the number of demo tickets written into an empty store.
const SeedCount = 5

// Seed returns the demo tickets a fresh store is populated with.
func Seed(now time.Time) Snapshot {
	now = now.UTC()
	day := 24 * time.Hour
	mk := func(title, desc string, st Status, created, updated time.Duration) Ticket {
		return Ticket{
			ID:          uuid.NewString(),
			Title:       title,
			Description: desc,
			Status:      st,
			CreatedAt:   now.Add(-created),
			UpdatedAt:   now.Add(-updated),
		}
	}
	return Snapshot{
		mk("Initial project setup", "Bootstrap the module layout and tooling", StatusDone, 3*day, 2*day),
		mk("Design the domain model", "Model tickets, statuses and the persisted snapshot", StatusDone, 2*day, day),
		mk("Build the ticket views", "List, detail and edit surfaces for tickets", StatusInProgress, day, 2*time.Hour),
		mk("Implement polling", "Refresh the ticket list every five seconds", StatusTodo, 12*time.Hour, 12*time.Hour),
		mk("Add error handling", "Surface failures back to the user", StatusTodo, 6*time.Hour, 6*time.Hour),
	}
}
