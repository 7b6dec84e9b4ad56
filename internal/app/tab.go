// Package app assembles the components of one tab.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/tabsync/internal/broadcast"
	"github.com/starford/tabsync/internal/localstore"
	"github.com/starford/tabsync/internal/mutator"
	"github.com/starford/tabsync/internal/reconcile"
	"github.com/starford/tabsync/internal/repository"
	"github.com/starford/tabsync/internal/storage"
	"github.com/starford/tabsync/internal/view"
)

// Options describes the origin a tab attaches to and how it syncs.
type Options struct {
	Backend      string
	Path         string
	Collection   string
	PollInterval time.Duration
	Policy       repository.Policy
	// TabID defaults to a random identifier.
	TabID  string
	Logger *slog.Logger
	// Provider overrides Backend/Path. The tab does not close it.
	Provider storage.Provider
	// Hub overrides the process-wide hub for the origin.
	Hub *broadcast.Hub
}

// Tab is one client of an origin.
type Tab struct {
	ID       string
	Provider storage.Provider
	Store    *localstore.Store
	Repo     *repository.Local
	View     *view.Model
	Loop     *reconcile.Loop
	Mutator  *mutator.Service
	Hub      *broadcast.Hub

	ownsProvider bool
	logger       *slog.Logger
}

// NewTab opens the origin and wires a tab to it. Nothing runs until Start.
func NewTab(opts Options) (*Tab, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := opts.TabID
	if id == "" {
		id = "tab-" + uuid.NewString()[:8]
	}
	policy := opts.Policy
	if policy == "" {
		policy = repository.LastWriterWins
	}

	t := &Tab{ID: id, logger: logger, Provider: opts.Provider}
	if t.Provider == nil {
		p, err := storage.Open(opts.Backend, opts.Path)
		if err != nil {
			return nil, fmt.Errorf("open origin: %w", err)
		}
		t.Provider = p
		t.ownsProvider = true
	}

	store, err := localstore.New(t.Provider, opts.Collection, id, logger)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.Store = store

	t.Hub = opts.Hub
	if t.Hub == nil {
		t.Hub = broadcast.Shared(opts.Backend + ":" + opts.Path + ":" + store.Key())
	}

	t.Repo = repository.NewLocal(store,
		repository.WithPolicy(policy),
		repository.WithLogger(logger))
	t.View = view.New()
	t.Loop = reconcile.New(reconcile.Config{
		Fetcher:  t.Repo,
		View:     t.View,
		Watcher:  store,
		Hub:      t.Hub,
		TabID:    id,
		Interval: opts.PollInterval,
		Logger:   logger,
	})
	t.Mutator = mutator.NewService(t.Repo, t.View, id,
		mutator.WithHub(t.Hub),
		mutator.WithLogger(logger))

	logger.Debug("app: tab ready",
		slog.String("tab", id),
		slog.String("backend", opts.Backend),
		slog.String("collection", store.Key()),
		slog.String("policy", string(policy)))
	return t, nil
}

// Start begins reconciliation in the background.
func (t *Tab) Start(ctx context.Context) error {
	return t.Loop.Start(ctx)
}

// Close stops the loop and releases the origin if the tab opened it.
func (t *Tab) Close() error {
	if t.Loop != nil {
		t.Loop.Stop()
	}
	if t.ownsProvider && t.Provider != nil {
		return t.Provider.Close()
	}
	return nil
}
