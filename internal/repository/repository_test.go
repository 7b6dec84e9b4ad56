package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/starford/tabsync/internal/apperr"
	"github.com/starford/tabsync/internal/storage"
	"github.com/starford/tabsync/internal/testutil"
	"github.com/starford/tabsync/internal/ticket"
)

func newRepo(t *testing.T, p storage.Provider, opts ...Option) *Local {
	t.Helper()
	opts = append([]Option{WithLogger(testutil.Logger())}, opts...)
	return NewLocal(testutil.Store(t, p), opts...)
}

func mustNew(t *testing.T, title string) ticket.Ticket {
	t.Helper()
	tk, err := ticket.New(title, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestSeedOnce(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, storage.NewMemory())

	first, err := r.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(first) != ticket.SeedCount {
		t.Fatalf("seeded %d tickets, want %d", len(first), ticket.SeedCount)
	}
	second, _ := r.FindAll(ctx)
	if len(second) != ticket.SeedCount {
		t.Fatalf("second FindAll = %d tickets, want %d", len(second), ticket.SeedCount)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("reseeded: ids differ at %d", i)
		}
	}
}

func TestSeedOnce_EmptyListIsNotReseeded(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, storage.NewMemory())

	all, _ := r.FindAll(ctx)
	for _, tk := range all {
		if err := r.Delete(ctx, tk.ID); err != nil {
			t.Fatal(err)
		}
	}
	n, err := r.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("Count = %d, want 0 after deleting everything", n)
	}
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, storage.NewMemory())

	saved, err := r.Save(ctx, mustNew(t, "Foo"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := r.FindByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Title != "Foo" || got.Status != ticket.StatusTodo {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(got.UpdatedAt) {
		t.Errorf("createdAt %v != updatedAt %v", got.CreatedAt, got.UpdatedAt)
	}
	if got.Revision != 1 {
		t.Errorf("revision = %d, want 1", got.Revision)
	}
}

func TestUpdateStatusBumpsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, storage.NewMemory())

	saved, _ := r.Save(ctx, mustNew(t, "Foo"))
	before := saved.UpdatedAt

	cur, _ := r.FindByID(ctx, saved.ID)
	if err := cur.UpdateStatus(ticket.StatusDone, before); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Save(ctx, cur); err != nil {
		t.Fatal(err)
	}

	got, _ := r.FindByID(ctx, saved.ID)
	if got.Status != ticket.StatusDone {
		t.Errorf("status = %s, want DONE", got.Status)
	}
	if !got.UpdatedAt.After(before) {
		t.Errorf("updatedAt %v not after %v", got.UpdatedAt, before)
	}
}

func TestFindByID_NotFound(t *testing.T) {
	r := newRepo(t, storage.NewMemory())
	if _, err := r.FindByID(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, storage.NewMemory())
	tk := mustNew(t, "Once")

	_, _ = r.Save(ctx, tk)
	_, _ = r.Save(ctx, tk)

	all, _ := r.FindAll(ctx)
	n := 0
	for _, x := range all {
		if x.ID == tk.ID {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("ticket stored %d times, want 1", n)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	p := storage.NewMemory()
	r := newRepo(t, p)
	_, _ = r.FindAll(ctx)

	before, _ := p.Get("tickets-version")
	if err := r.Delete(ctx, "nope"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	after, _ := p.Get("tickets-version")
	if string(before) != string(after) {
		t.Error("delete of a missing id wrote the snapshot")
	}
}

func TestFindAllReflectsSequenceSorted(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, storage.NewMemory())
	seeded, _ := r.FindAll(ctx)

	want := map[string]bool{}
	for _, s := range seeded {
		want[s.ID] = true
	}

	a, _ := r.Save(ctx, mustNew(t, "a"))
	want[a.ID] = true
	b, _ := r.Save(ctx, mustNew(t, "b"))
	want[b.ID] = true
	_ = r.Delete(ctx, seeded[0].ID)
	delete(want, seeded[0].ID)
	_ = r.Delete(ctx, a.ID)
	delete(want, a.ID)

	all, err := r.FindAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(want) {
		t.Fatalf("got %d tickets, want %d", len(all), len(want))
	}
	for _, x := range all {
		if !want[x.ID] {
			t.Errorf("unexpected ticket %s", x.ID)
		}
	}
	if !sort.SliceIsSorted(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) }) {
		t.Error("FindAll not sorted by updatedAt descending")
	}
}

func TestResetAndClear(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, storage.NewMemory())
	_, _ = r.Save(ctx, mustNew(t, "extra"))

	if err := r.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.Count(ctx); n != ticket.SeedCount {
		t.Errorf("after Reset count = %d", n)
	}
	if err := r.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.Count(ctx); n != ticket.SeedCount {
		t.Errorf("after Clear the next access should seed, got %d", n)
	}
}

// Two tabs read the same ticket, then each saves a different change to it
// without re-reading. Under last-writer-wins only the later change survives.
func TestLostUpdate_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	p := storage.NewMemory()
	tabA := newRepo(t, p)
	tabB := newRepo(t, p)

	allA, _ := tabA.FindAll(ctx)
	allB, _ := tabB.FindAll(ctx)
	id := allA[0].ID
	xa := allA[0]
	xb := allB[tabBIndex(allB, id)]

	next := ticket.StatusTodo
	if xa.Status == ticket.StatusTodo {
		next = ticket.StatusDone
	}
	if err := xa.UpdateStatus(next, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := tabA.Save(ctx, xa); err != nil {
		t.Fatal(err)
	}
	if err := xb.UpdateContent("renamed by B", xb.Description, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := tabB.Save(ctx, xb); err != nil {
		t.Fatalf("last-writer-wins must not report conflicts: %v", err)
	}

	got, _ := tabA.FindByID(ctx, id)
	if got.Title != "renamed by B" {
		t.Errorf("title = %q, want later writer's", got.Title)
	}
	if got.Status == next {
		t.Error("earlier writer's status change survived; expected it to be lost")
	}
}

func TestLostUpdate_CompareAndSwapDetects(t *testing.T) {
	ctx := context.Background()
	p := storage.NewMemory()
	tabA := newRepo(t, p, WithPolicy(CompareAndSwap))
	tabB := newRepo(t, p, WithPolicy(CompareAndSwap))

	allA, _ := tabA.FindAll(ctx)
	allB, _ := tabB.FindAll(ctx)
	id := allA[0].ID
	xa := allA[0]
	xb := allB[tabBIndex(allB, id)]

	_ = xa.UpdateContent("renamed by A", xa.Description, time.Now())
	if _, err := tabA.Save(ctx, xa); err != nil {
		t.Fatal(err)
	}
	_ = xb.UpdateContent("renamed by B", xb.Description, time.Now())
	if _, err := tabB.Save(ctx, xb); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, _ := tabB.FindByID(ctx, id)
	if got.Title != "renamed by A" {
		t.Errorf("title = %q, earlier write must survive", got.Title)
	}
}

func TestCompareAndSwap_DeletedElsewhere(t *testing.T) {
	ctx := context.Background()
	p := storage.NewMemory()
	tabA := newRepo(t, p, WithPolicy(CompareAndSwap))
	tabB := newRepo(t, p, WithPolicy(CompareAndSwap))

	saved, _ := tabA.Save(ctx, mustNew(t, "doomed"))
	stale, _ := tabB.FindByID(ctx, saved.ID)
	if err := tabA.Delete(ctx, saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tabB.Save(ctx, stale); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCompareAndSwap_DisjointChangesBothLand(t *testing.T) {
	ctx := context.Background()
	p := storage.NewMemory()
	tabA := newRepo(t, p, WithPolicy(CompareAndSwap))
	tabB := newRepo(t, p, WithPolicy(CompareAndSwap))

	a, err := tabA.Save(ctx, mustNew(t, "from A"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := tabB.Save(ctx, mustNew(t, "from B"))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := tabA.FindByID(ctx, id); err != nil {
			t.Errorf("FindByID(%s): %v", id, err)
		}
	}
}

// interleaved runs hook once, when armed, just before the first collection
// Put or Lock. That is after the repository has loaded its snapshot and
// before it writes it back.
type interleaved struct {
	storage.Provider
	onLock bool
	armed  bool
	once   sync.Once
	hook   func()
}

func (p *interleaved) Put(key string, value []byte) error {
	if p.armed && !p.onLock && key == "tickets" {
		p.once.Do(p.hook)
	}
	return p.Provider.Put(key, value)
}

func (p *interleaved) Lock(ctx context.Context, name string) (func(), error) {
	if p.armed && p.onLock {
		p.once.Do(p.hook)
	}
	return p.Provider.Lock(ctx, name)
}

// renameFirst saves a title change to the first seeded ticket through r and
// returns its ID.
func renameFirst(t *testing.T, r *Local, title string) string {
	t.Helper()
	ctx := context.Background()
	all, err := r.FindAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tk := all[0]
	if err := tk.UpdateContent(title, tk.Description, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Save(ctx, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return tk.ID
}

// Tab B saves one ticket while tab A is between reading and writing the
// whole snapshot to save a different one. A's write carries the snapshot it
// read, so B's change is lost.
func TestLostUpdate_WholeSnapshotOverwrite(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	p := &interleaved{Provider: mem}
	tabA := newRepo(t, p)
	tabB := newRepo(t, mem)
	if _, err := tabB.FindAll(ctx); err != nil {
		t.Fatal(err)
	}

	var renamed string
	p.hook = func() { renamed = renameFirst(t, tabB, "renamed by B") }
	p.armed = true

	created, err := tabA.Save(ctx, mustNew(t, "created by A"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tabB.FindByID(ctx, created.ID); err != nil {
		t.Errorf("A's ticket missing: %v", err)
	}
	got, err := tabB.FindByID(ctx, renamed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title == "renamed by B" {
		t.Error("B's change survived A's stale whole-snapshot write; expected it to be lost")
	}
}

func TestCompareAndSwap_InterleavedSavesBothLand(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	p := &interleaved{Provider: mem, onLock: true}
	tabA := newRepo(t, p, WithPolicy(CompareAndSwap))
	tabB := newRepo(t, mem, WithPolicy(CompareAndSwap))
	if _, err := tabB.FindAll(ctx); err != nil {
		t.Fatal(err)
	}

	var renamed string
	p.hook = func() { renamed = renameFirst(t, tabB, "renamed by B") }
	p.armed = true

	created, err := tabA.Save(ctx, mustNew(t, "created by A"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tabB.FindByID(ctx, created.ID); err != nil {
		t.Errorf("A's ticket missing: %v", err)
	}
	got, err := tabB.FindByID(ctx, renamed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "renamed by B" {
		t.Errorf("title = %q, B's change was lost under compare-and-swap", got.Title)
	}
}

func TestSQLiteBackedRepository(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, testutil.TestDB(t))
	saved, err := r.Save(ctx, mustNew(t, "persisted"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindByID(ctx, saved.ID); err != nil {
		t.Fatal(err)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != LastWriterWins {
		t.Errorf("empty: %v %v", p, err)
	}
	if _, err := ParsePolicy("optimistic"); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("unknown policy err = %v", err)
	}
}

func tabBIndex(ts []ticket.Ticket, id string) int {
	for i, x := range ts {
		if x.ID == id {
			return i
		}
	}
	return -1
}
