package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testSQLite(t *testing.T, path string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_PutGetDelete(t *testing.T) {
	s := testSQLite(t, filepath.Join(t.TempDir(), "origin.db"))

	if _, err := s.Get("tickets"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("missing key err = %v", err)
	}
	if err := s.Put("tickets", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("tickets", []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("tickets")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("got %q, want v2", got)
	}

	var rev int64
	if err := s.conn.QueryRow(`SELECT rev FROM kv WHERE key = 'tickets'`).Scan(&rev); err != nil {
		t.Fatal(err)
	}
	if rev != 2 {
		t.Errorf("rev = %d, want 2", rev)
	}

	if err := s.Delete("tickets"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("tickets"); !errors.Is(err, ErrNotExist) {
		t.Errorf("after delete err = %v", err)
	}
}

func TestSQLite_WatchSeesOtherConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "origin.db")
	a := testSQLite(t, path)
	b := testSQLite(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 8)
	go a.Watch(ctx, func(ev Event) { got <- ev.Key })
	time.Sleep(100 * time.Millisecond)

	if err := b.Put("tickets-version", []byte("tok")); err != nil {
		t.Fatal(err)
	}

	select {
	case k := <-got:
		if k != "tickets-version" {
			t.Errorf("key = %q", k)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for data_version change")
	}

	_ = b.Delete("tickets-version")
	select {
	case k := <-got:
		if k != "tickets-version" {
			t.Errorf("delete key = %q", k)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for delete event")
	}
}

func TestSQLite_LockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "origin.db")
	a := testSQLite(t, path)
	b := testSQLite(t, path)

	unlock, err := a.Lock(context.Background(), "tickets")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(short, "tickets"); err == nil {
		t.Fatal("lock held by another tab should not be granted")
	}
	unlock()

	unlockB, err := b.Lock(context.Background(), "tickets")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	unlockB()
}
