package storage

import (
	"context"
	"fmt"
	"sync"
)

// Memory implements Provider in process memory. Tabs share an origin by
// sharing one *Memory value.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	nextID int
	subs   map[int]func(Event)

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemory returns an empty, unshared in-memory origin.
func NewMemory() *Memory {
	return &Memory{
		data:  make(map[string][]byte),
		subs:  make(map[int]func(Event)),
		locks: make(map[string]chan struct{}),
	}
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Memory{}
)

// SharedMemory returns the process-wide origin registered under name,
// creating it on first use.
func SharedMemory(name string) *Memory {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	m, ok := shared[name]
	if !ok {
		m = NewMemory()
		shared[name] = m
	}
	return m
}

// Get returns a copy of the value under key.
func (m *Memory) Get(key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value and notifies watchers.
func (m *Memory) Put(key string, value []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	m.notify(key)
	return nil
}

// Delete removes key and notifies watchers if it existed.
func (m *Memory) Delete(key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	_, ok := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()
	if ok {
		m.notify(key)
	}
	return nil
}

// Watch registers fn until ctx is cancelled.
func (m *Memory) Watch(ctx context.Context, fn func(Event)) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) notify(key string) {
	m.mu.RLock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(Event{Key: key})
	}
}

// Lock takes a per-name semaphore.
func (m *Memory) Lock(ctx context.Context, name string) (func(), error) {
	m.locksMu.Lock()
	sem, ok := m.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		m.locks[name] = sem
	}
	m.locksMu.Unlock()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("storage: lock %s: %w", name, ctx.Err())
	}
}

// Close is a no-op; shared origins outlive individual tabs.
func (m *Memory) Close() error { return nil }
