package view

import (
	"errors"
	"testing"
	"time"

	"github.com/starford/tabsync/internal/ticket"
)

func tk(id, title string, st ticket.Status, updated time.Time) ticket.Ticket {
	return ticket.Ticket{ID: id, Title: title, Status: st, CreatedAt: updated, UpdatedAt: updated}
}

func ids(ts []ticket.Ticket) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestReplaceSortsAndClearsError(t *testing.T) {
	m := New()
	now := time.Now()
	m.SetError(errors.New("boom"))

	m.Replace(m.Generation(), []ticket.Ticket{
		tk("a", "old", ticket.StatusTodo, now.Add(-time.Hour)),
		tk("b", "new", ticket.StatusDone, now),
	}, now)

	if got := ids(m.Tickets()); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("order = %v, want [b a]", got)
	}
	if m.Err() != nil {
		t.Errorf("Err = %v, want nil after Replace", m.Err())
	}
	if !m.LastUpdated().Equal(now) {
		t.Errorf("LastUpdated = %v", m.LastUpdated())
	}
}

func TestSetErrorRetainsList(t *testing.T) {
	m := New()
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, time.Now())}, time.Now())
	m.SetError(errors.New("read failed"))
	if len(m.Tickets()) != 1 {
		t.Error("error must not clear the visible list")
	}
}

func TestApplyRevert(t *testing.T) {
	m := New()
	now := time.Now()
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now)

	seq := m.Apply(Mutation{Kind: Remove, ID: "a"})
	if len(m.Tickets()) != 0 || m.Pending() != 1 {
		t.Fatalf("after Apply: %v pending=%d", ids(m.Tickets()), m.Pending())
	}
	m.Revert(seq)
	if len(m.Tickets()) != 1 || m.Pending() != 0 {
		t.Fatalf("after Revert: %v pending=%d", ids(m.Tickets()), m.Pending())
	}
}

func TestSettleFoldsIntoBase(t *testing.T) {
	m := New()
	now := time.Now()
	seq := m.Apply(Mutation{Kind: Upsert, ID: "n", Ticket: tk("n", "new", ticket.StatusTodo, now)})
	m.Settle(seq)
	if m.Pending() != 0 {
		t.Fatalf("pending = %d", m.Pending())
	}
	if _, ok := m.Find("n"); !ok {
		t.Fatal("settled ticket missing")
	}
}

func TestReplaceKeepsPendingVisible(t *testing.T) {
	m := New()
	now := time.Now()
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now)

	edited := tk("a", "x", ticket.StatusDone, now.Add(time.Second))
	m.Apply(Mutation{Kind: Upsert, ID: "a", Ticket: edited})

	// a poll that read the store before the edit was persisted
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now.Add(time.Second))

	got, _ := m.Find("a")
	if got.Status != ticket.StatusDone {
		t.Errorf("status = %s, optimistic edit flickered away", got.Status)
	}
}

func TestFilterAndCounts(t *testing.T) {
	m := New()
	now := time.Now()
	m.Replace(m.Generation(), []ticket.Ticket{
		tk("a", "a", ticket.StatusTodo, now),
		tk("b", "b", ticket.StatusDone, now),
		tk("c", "c", ticket.StatusDone, now),
	}, now)

	if n := len(m.Filter(ticket.StatusDone)); n != 2 {
		t.Errorf("Filter(DONE) = %d", n)
	}
	if n := len(m.Filter("")); n != 3 {
		t.Errorf("Filter(all) = %d", n)
	}
	c := m.Counts()
	if c.Total != 3 || c.Todo != 1 || c.Done != 2 || c.InProgress != 0 {
		t.Errorf("counts = %+v", c)
	}
}

func TestTicketsReturnsCopy(t *testing.T) {
	m := New()
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, time.Now())}, time.Now())
	ts := m.Tickets()
	ts[0].Title = "mutated"
	if got, _ := m.Find("a"); got.Title != "x" {
		t.Error("caller mutation leaked into model")
	}
}

func TestChangesSignal(t *testing.T) {
	m := New()
	m.Replace(m.Generation(), nil, time.Now())
	m.Replace(m.Generation(), nil, time.Now())
	select {
	case <-m.Changes():
	default:
		t.Fatal("no change signal")
	}
	select {
	case <-m.Changes():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestSettleAsUsesPersistedValue(t *testing.T) {
	m := New()
	now := time.Now()
	opt := tk("n", "new", ticket.StatusTodo, now)
	seq := m.Apply(Mutation{Kind: Upsert, ID: "n", Ticket: opt})

	persisted := opt
	persisted.Revision = 3
	m.SettleAs(seq, persisted)

	got, _ := m.Find("n")
	if got.Revision != 3 {
		t.Errorf("revision = %d, want persisted 3", got.Revision)
	}
}

func drain(m *Model) {
	select {
	case <-m.Changes():
	default:
	}
}

func TestReplaceFetchedBeforeSettleKeepsSettled(t *testing.T) {
	m := New()
	now := time.Now()
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now)

	gen := m.Generation() // a poll starts reading the store here
	created := tk("n", "new", ticket.StatusTodo, now.Add(time.Second))
	created.Revision = 1
	seq := m.Apply(Mutation{Kind: Upsert, ID: "n", Ticket: created})
	m.SettleAs(seq, created)

	// the poll read the store before the create was written
	m.Replace(gen, []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now.Add(2*time.Second))
	if _, ok := m.Find("n"); !ok {
		t.Fatalf("settled ticket vanished after stale snapshot: %v", ids(m.Tickets()))
	}

	// a poll that started after the settle is authoritative
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now.Add(3*time.Second))
	if _, ok := m.Find("n"); ok {
		t.Error("settled ticket outlived a snapshot fetched after it")
	}
}

func TestReplaceFetchedBeforeSettleKeepsRemoval(t *testing.T) {
	m := New()
	now := time.Now()
	m.Replace(m.Generation(), []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now)

	gen := m.Generation()
	seq := m.Apply(Mutation{Kind: Remove, ID: "a"})
	m.Settle(seq)

	m.Replace(gen, []ticket.Ticket{tk("a", "x", ticket.StatusTodo, now)}, now.Add(time.Second))
	if _, ok := m.Find("a"); ok {
		t.Error("deleted ticket reappeared from a stale snapshot")
	}
}

func TestSettleKeepsNewerRevision(t *testing.T) {
	m := New()
	now := time.Now()
	mine := tk("a", "mine", ticket.StatusTodo, now)
	mine.Revision = 2
	seq := m.Apply(Mutation{Kind: Upsert, ID: "a", Ticket: mine})

	// another tab saved the ticket again before this tab settled
	theirs := tk("a", "theirs", ticket.StatusDone, now.Add(time.Second))
	theirs.Revision = 3
	m.Replace(m.Generation(), []ticket.Ticket{theirs}, now.Add(time.Second))

	m.SettleAs(seq, mine)
	if got, _ := m.Find("a"); got.Title != "theirs" || got.Revision != 3 {
		t.Errorf("visible = %q rev %d, want theirs rev 3", got.Title, got.Revision)
	}
}

func TestSettleAsSignalsChange(t *testing.T) {
	m := New()
	now := time.Now()
	opt := tk("n", "new", ticket.StatusTodo, now)
	seq := m.Apply(Mutation{Kind: Upsert, ID: "n", Ticket: opt})
	drain(m)

	persisted := opt
	persisted.Revision = 1
	m.SettleAs(seq, persisted)
	select {
	case <-m.Changes():
	default:
		t.Fatal("SettleAs did not signal a change")
	}
}
