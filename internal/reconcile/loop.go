// Package reconcile keeps a tab's view model in step with its durable store.
//
// Refreshes are triggered by a fixed-interval poll, by storage change
// notifications, by broadcast messages from other tabs and on demand. All
// triggers feed one goroutine, so refreshes never overlap; triggers that
// arrive while a refresh is running collapse into a single follow-up.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/tabsync/internal/broadcast"
	"github.com/starford/tabsync/internal/checksum"
	"github.com/starford/tabsync/internal/localstore"
	"github.com/starford/tabsync/internal/ticket"
	"github.com/starford/tabsync/internal/view"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 5 * time.Second

// Trigger names what caused a refresh.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerPoll      Trigger = "poll"
	TriggerStorage   Trigger = "storage"
	TriggerBroadcast Trigger = "broadcast"
	TriggerManual    Trigger = "manual"
)

// State of the loop.
type State int32

const (
	Idle State = iota
	Fetching
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Fetcher loads the full ticket list.
type Fetcher interface {
	FindAll(ctx context.Context) ([]ticket.Ticket, error)
}

// Watcher reports writes made by other tabs.
type Watcher interface {
	Watch(ctx context.Context, fn func(localstore.Change)) error
}

// Stats counts refresh activity.
type Stats struct {
	Refreshes int             `json:"refreshes"`
	Failures  int             `json:"failures"`
	Coalesced int             `json:"coalesced"`
	Discarded int             `json:"discarded"`
	ByTrigger map[Trigger]int `json:"byTrigger"`
}

// Config wires a Loop.
type Config struct {
	Fetcher  Fetcher
	View     *view.Model
	Watcher  Watcher        // optional
	Hub      *broadcast.Hub // optional
	TabID    string
	Interval time.Duration
	Logger   *slog.Logger
}

// Loop is the reconciliation loop of one tab.
type Loop struct {
	fetch    Fetcher
	view     *view.Model
	watcher  Watcher
	hub      *broadcast.Hub
	tabID    string
	interval time.Duration
	logger   *slog.Logger

	trigger chan Trigger
	state   atomic.Int32
	runMu   sync.Mutex // serializes refreshes

	mu          sync.Mutex
	started     bool
	stopped     bool
	stats       Stats
	lastDigest  string
	stopCh      chan struct{}
	done        chan struct{}
	cancelWatch context.CancelFunc
	sub         chan broadcast.Message
	stopOnce    sync.Once
}

// New creates a loop. It does nothing until Start.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		fetch:    cfg.Fetcher,
		view:     cfg.View,
		watcher:  cfg.Watcher,
		hub:      cfg.Hub,
		tabID:    cfg.TabID,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		trigger:  make(chan Trigger, 1),
		stats:    Stats{ByTrigger: map[Trigger]int{}},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

var errStarted = errors.New("reconcile: loop already started")

// Start performs an immediate refresh and then keeps the view reconciled
// until Stop is called or ctx is cancelled. It returns without blocking.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return errStarted
	}
	l.started = true

	watchCtx, cancel := context.WithCancel(ctx)
	l.cancelWatch = cancel
	if l.hub != nil {
		l.sub = l.hub.Subscribe()
	}
	l.mu.Unlock()

	if l.watcher != nil {
		go func() {
			err := l.watcher.Watch(watchCtx, func(c localstore.Change) {
				l.logger.Debug("reconcile: storage change",
					slog.String("tab", l.tabID),
					slog.String("writer", c.Writer))
				l.enqueue(TriggerStorage)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Warn("reconcile: watch stopped", slog.String("error", err.Error()))
			}
		}()
	}
	if l.sub != nil {
		go l.listen(l.sub)
	}

	l.enqueue(TriggerStart)
	go l.run(ctx)

	l.logger.Info("reconcile: started",
		slog.String("tab", l.tabID),
		slog.Duration("interval", l.interval))
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// Fetches outlive Stop; their results are discarded instead.
	fetchCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			l.Stop()
			return
		case <-ticker.C:
			l.refresh(fetchCtx, TriggerPoll)
		case tr := <-l.trigger:
			l.refresh(fetchCtx, tr)
		}
	}
}

func (l *Loop) listen(ch chan broadcast.Message) {
	for m := range ch {
		if !m.IsTicketChange() || m.Origin == l.tabID {
			continue
		}
		l.logger.Debug("reconcile: broadcast received",
			slog.String("tab", l.tabID),
			slog.String("type", m.Type),
			slog.String("from", m.Origin))
		l.enqueue(TriggerBroadcast)
	}
}

// Refresh requests a refresh. It reports false when a refresh is already
// queued, in which case the request is folded into it.
func (l *Loop) Refresh() bool {
	return l.enqueue(TriggerManual)
}

func (l *Loop) enqueue(tr Trigger) bool {
	select {
	case l.trigger <- tr:
		return true
	default:
		l.mu.Lock()
		l.stats.Coalesced++
		l.mu.Unlock()
		return false
	}
}

// Sync refreshes synchronously on the caller's goroutine. It is used before a
// loop is started, or by one-shot callers that never start it.
func (l *Loop) Sync(ctx context.Context) error {
	return l.refresh(ctx, TriggerManual)
}

func (l *Loop) refresh(ctx context.Context, tr Trigger) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.state.CompareAndSwap(int32(Idle), int32(Fetching))
	defer l.state.CompareAndSwap(int32(Fetching), int32(Idle))

	gen := l.view.Generation()
	tickets, err := l.fetch.FindAll(ctx)

	l.mu.Lock()
	if l.stopped && l.started {
		l.stats.Discarded++
		l.mu.Unlock()
		l.logger.Debug("reconcile: discarding result after stop", slog.String("tab", l.tabID))
		return nil
	}
	l.stats.Refreshes++
	l.stats.ByTrigger[tr]++
	if err != nil {
		l.stats.Failures++
		l.mu.Unlock()
		l.logger.Error("reconcile: refresh failed",
			slog.String("tab", l.tabID),
			slog.String("trigger", string(tr)),
			slog.String("error", err.Error()))
		l.view.SetError(err)
		return err
	}
	digest := digestOf(tickets)
	changed := digest != l.lastDigest
	l.lastDigest = digest
	l.view.Replace(gen, tickets, time.Now())
	l.mu.Unlock()

	if changed && l.hub != nil && tr != TriggerStart {
		l.hub.PublishRefreshed(l.tabID)
	}
	return nil
}

// Stop halts polling and detaches listeners. A refresh already running is
// allowed to finish, but its result is not applied.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		started := l.started
		cancel := l.cancelWatch
		sub := l.sub
		l.mu.Unlock()

		l.state.Store(int32(Stopped))
		if cancel != nil {
			cancel()
		}
		if sub != nil {
			l.hub.Unsubscribe(sub)
		}
		close(l.stopCh)
		if !started {
			close(l.done)
		}
		l.logger.Info("reconcile: stopped", slog.String("tab", l.tabID))
	})
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// State returns the current loop state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Stats returns a copy of the refresh counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.ByTrigger = make(map[Trigger]int, len(l.stats.ByTrigger))
	for k, v := range l.stats.ByTrigger {
		s.ByTrigger[k] = v
	}
	return s
}

// Interval returns the poll period.
func (l *Loop) Interval() time.Duration { return l.interval }

func digestOf(ts []ticket.Ticket) string {
	b, err := json.Marshal(ts)
	if err != nil {
		return ""
	}
	return checksum.Short(b)
}
