// Package broadcast fans out same-origin ticket messages between tabs and to
// Server-Sent Events clients.
package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Message types.
const (
	TicketCreated    = "ticket.created"
	TicketUpdated    = "ticket.updated"
	TicketDeleted    = "ticket.deleted"
	TicketsRefreshed = "tickets.refreshed"
)

// Message is what tabs exchange after a successful mutation.
type Message struct {
	Type      string    `json:"type"`
	TicketID  string    `json:"ticketId,omitempty"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTicketChange reports whether m describes a persisted mutation, as opposed
// to a refresh notice.
func (m Message) IsTicketChange() bool {
	switch m.Type {
	case TicketCreated, TicketUpdated, TicketDeleted:
		return true
	}
	return false
}

// Hub delivers messages to subscribers.
//
// A single internal goroutine owns the subscriber set and the refresh
// throttle timestamp. Public methods talk to it over channels.
type Hub struct {
	refreshMin time.Duration

	subscribeCh   chan chan Message
	unsubscribeCh chan chan Message
	publishCh     chan Message
	refreshedCh   chan string
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewHub creates a hub. refreshThrottle is the minimum spacing between
// tickets.refreshed messages.
func NewHub(refreshThrottle time.Duration) *Hub {
	if refreshThrottle <= 0 {
		refreshThrottle = 2 * time.Second
	}

	h := &Hub{
		refreshMin:    refreshThrottle,
		subscribeCh:   make(chan chan Message),
		unsubscribeCh: make(chan chan Message),
		publishCh:     make(chan Message, 256),
		refreshedCh:   make(chan string, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go h.run()
	return h
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Hub{}
)

// Shared returns the process-wide hub for an origin, creating it on first use.
// Tabs that share a storage origin in one process share its hub.
func Shared(origin string) *Hub {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	h, ok := shared[origin]
	if !ok || h.closed.Load() {
		h = NewHub(0)
		shared[origin] = h
	}
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	clients := make(map[chan Message]struct{})
	var lastRefresh time.Time

	deliver := func(m Message) {
		for ch := range clients {
			select {
			case ch <- m:
			default:
				// Subscriber is slow; drop rather than stall every tab.
			}
		}
	}

	for {
		select {
		case <-h.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-h.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-h.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case m := <-h.publishCh:
			deliver(m)

		case origin := <-h.refreshedCh:
			now := time.Now()
			if now.Sub(lastRefresh) >= h.refreshMin {
				lastRefresh = now
				deliver(Message{Type: TicketsRefreshed, Origin: origin, Timestamp: now.UTC()})
			}

		case resp := <-h.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the hub and closes all subscriber channels.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

// Subscribe adds a subscriber and returns its channel.
func (h *Hub) Subscribe() chan Message {
	ch := make(chan Message, 64)
	if h.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case h.subscribeCh <- ch:
	case <-h.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Message) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unsubscribeCh <- ch:
	case <-h.stopped:
	}
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	if h.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case h.countReqCh <- resp:
	case <-h.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-h.stopped:
		return 0
	}
}

// Publish sends m to all subscribers. A zero Timestamp is set to now.
func (h *Hub) Publish(m Message) {
	if h.closed.Load() {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	select {
	case h.publishCh <- m:
	case <-h.stopped:
	}
}

// PublishRefreshed announces that origin reloaded its view. Announcements
// closer together than the throttle interval are dropped.
func (h *Hub) PublishRefreshed(origin string) {
	if h.closed.Load() {
		return
	}
	select {
	case h.refreshedCh <- origin:
	case <-h.stopped:
	}
}

// ServeHTTP streams messages as Server-Sent Events (GET /api/events).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the headers go out so nothing published after the
	// client sees the response is missed.
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(m)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, payload)
			flusher.Flush()
		}
	}
}
