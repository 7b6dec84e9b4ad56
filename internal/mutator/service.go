// Package mutator applies user edits optimistically: the view changes first,
// the store second, and the view is rolled back if the store rejects the edit.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/tabsync/internal/apperr"
	"github.com/starford/tabsync/internal/broadcast"
	"github.com/starford/tabsync/internal/repository"
	"github.com/starford/tabsync/internal/ticket"
	"github.com/starford/tabsync/internal/view"
)

// CreateInput holds the fields a new ticket can be created with.
type CreateInput struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Assignee    *ticket.Assignee `json:"assignee,omitempty"`
}

// Service coordinates the view, the repository and the broadcast hub of one tab.
type Service struct {
	repo   repository.Repository
	view   *view.Model
	hub    *broadcast.Hub
	tabID  string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHub publishes successful mutations on hub.
func WithHub(hub *broadcast.Hub) Option {
	return func(s *Service) { s.hub = hub }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a mutator for tabID.
func NewService(repo repository.Repository, v *view.Model, tabID string, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		view:   v,
		tabID:  tabID,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateTicket creates a ticket in the initial status.
func (s *Service) CreateTicket(ctx context.Context, in CreateInput) (ticket.Ticket, error) {
	t, err := ticket.New(in.Title, in.Description, s.now())
	if err != nil {
		return ticket.Ticket{}, s.fail("create", "", err)
	}
	if in.Assignee != nil {
		if err := t.Assign(in.Assignee, t.CreatedAt); err != nil {
			return ticket.Ticket{}, s.fail("create", "", err)
		}
		// creation is a single mutation
		t.UpdatedAt = t.CreatedAt
	}

	seq := s.view.Apply(view.Mutation{Kind: view.Upsert, ID: t.ID, Ticket: t})
	saved, err := s.repo.Save(ctx, t)
	if err != nil {
		s.view.Revert(seq)
		return ticket.Ticket{}, s.fail("create", t.ID, err)
	}
	s.view.SettleAs(seq, saved)
	s.publish(broadcast.TicketCreated, saved.ID)
	s.logger.Info("mutator: ticket created",
		slog.String("tab", s.tabID),
		slog.String("id", saved.ID))
	return saved, nil
}

// UpdateStatus moves a ticket to status.
func (s *Service) UpdateStatus(ctx context.Context, id string, status ticket.Status) (ticket.Ticket, error) {
	return s.update(ctx, "update status", id, func(t *ticket.Ticket, now time.Time) error {
		return t.UpdateStatus(status, now)
	})
}

// UpdateContent replaces a ticket's title and description.
func (s *Service) UpdateContent(ctx context.Context, id, title, description string) (ticket.Ticket, error) {
	return s.update(ctx, "update content", id, func(t *ticket.Ticket, now time.Time) error {
		return t.UpdateContent(title, description, now)
	})
}

// UpdateAssignee sets or, with nil, clears a ticket's assignee.
func (s *Service) UpdateAssignee(ctx context.Context, id string, a *ticket.Assignee) (ticket.Ticket, error) {
	return s.update(ctx, "update assignee", id, func(t *ticket.Ticket, now time.Time) error {
		return t.Assign(a, now)
	})
}

// DeleteTicket removes a ticket. Unlike Repository.Delete, an unknown id is
// an error here.
func (s *Service) DeleteTicket(ctx context.Context, id string) error {
	if _, err := s.current(ctx, id); err != nil {
		return s.fail("delete", id, err)
	}

	seq := s.view.Apply(view.Mutation{Kind: view.Remove, ID: id})
	if err := s.repo.Delete(ctx, id); err != nil {
		s.view.Revert(seq)
		return s.fail("delete", id, err)
	}
	s.view.Settle(seq)
	s.publish(broadcast.TicketDeleted, id)
	s.logger.Info("mutator: ticket deleted",
		slog.String("tab", s.tabID),
		slog.String("id", id))
	return nil
}

// update validates fn against the ticket as this tab sees it, shows the
// result immediately, then re-applies fn to a fresh read and saves that.
// The revision this tab saw is carried into the save so a compare-and-swap
// repository can reject edits made against a stale ticket.
func (s *Service) update(ctx context.Context, op, id string, fn func(*ticket.Ticket, time.Time) error) (ticket.Ticket, error) {
	cur, err := s.current(ctx, id)
	if err != nil {
		return ticket.Ticket{}, s.fail(op, id, err)
	}
	now := s.now()
	next := cur.Clone()
	if err := fn(&next, now); err != nil {
		return ticket.Ticket{}, s.fail(op, id, err)
	}

	seq := s.view.Apply(view.Mutation{Kind: view.Upsert, ID: id, Ticket: next})
	saved, err := s.persist(ctx, id, cur.Revision, now, fn)
	if err != nil {
		s.view.Revert(seq)
		return ticket.Ticket{}, s.fail(op, id, err)
	}
	s.view.SettleAs(seq, saved)
	s.publish(broadcast.TicketUpdated, id)
	s.logger.Info("mutator: ticket updated",
		slog.String("tab", s.tabID),
		slog.String("op", op),
		slog.String("id", id))
	return saved, nil
}

func (s *Service) persist(ctx context.Context, id string, seen int64, now time.Time, fn func(*ticket.Ticket, time.Time) error) (ticket.Ticket, error) {
	fresh, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if err := fn(&fresh, now); err != nil {
		return ticket.Ticket{}, err
	}
	fresh.Revision = seen
	return s.repo.Save(ctx, fresh)
}

// current returns the ticket from the view, falling back to the repository
// when the view has not loaded it yet.
func (s *Service) current(ctx context.Context, id string) (ticket.Ticket, error) {
	if t, ok := s.view.Find(id); ok {
		return t, nil
	}
	return s.repo.FindByID(ctx, id)
}

// fail records err on the view and returns it wrapped with the operation.
func (s *Service) fail(op, id string, err error) error {
	s.view.SetError(err)
	level := slog.LevelWarn
	if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrInvalid) && !errors.Is(err, apperr.ErrConflict) {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "mutator: "+op+" failed",
		slog.String("tab", s.tabID),
		slog.String("id", id),
		slog.String("error", err.Error()))
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) publish(kind, id string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(broadcast.Message{Type: kind, TicketID: id, Origin: s.tabID, Timestamp: s.now().UTC()})
}
