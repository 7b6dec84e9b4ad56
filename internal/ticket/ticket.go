// Package ticket defines the ticket entity, its status lifecycle, and the
// snapshot type that is persisted as a whole.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/tabsync/internal/apperr"
)

// Field limits.
const (
	MaxTitleLen       = 100
	MaxDescriptionLen = 500
)

// Assignee is the person a ticket is assigned to.
type Assignee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Ticket is the unit of work persisted in a collection snapshot.
//
// ID and CreatedAt never change after creation. UpdatedAt is bumped on every
// mutation and Revision on every persisted save.
type Ticket struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Assignee    *Assignee `json:"assignee"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Revision    int64     `json:"revision"`
}

// New creates a ticket in the initial status with a fresh ID.
// CreatedAt and UpdatedAt are both set to now.
func New(title, description string, now time.Time) (Ticket, error) {
	now = now.UTC()
	t := Ticket{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      StatusTodo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.Validate(); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// Validate checks field constraints. The returned error wraps apperr.ErrInvalid.
func (t Ticket) Validate() error {
	err := validation.ValidateStruct(&t,
		validation.Field(&t.ID, validation.Required),
		validation.Field(&t.Title, validation.Required, validation.By(notBlank), validation.RuneLength(1, MaxTitleLen)),
		validation.Field(&t.Description, validation.RuneLength(0, MaxDescriptionLen)),
		validation.Field(&t.Status, validation.Required, validation.In(StatusTodo, StatusInProgress, StatusDone)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	return nil
}

// UpdateStatus moves the ticket to s if the transition is allowed.
func (t *Ticket) UpdateStatus(s Status, now time.Time) error {
	if err := ValidateTransition(t.Status, s); err != nil {
		return err
	}
	t.Status = s
	t.touch(now)
	return nil
}

// UpdateContent replaces title and description.
func (t *Ticket) UpdateContent(title, description string, now time.Time) error {
	next := *t
	next.Title = title
	next.Description = description
	if err := next.Validate(); err != nil {
		return err
	}
	t.Title = title
	t.Description = description
	t.touch(now)
	return nil
}

// Assign sets or clears (nil) the assignee.
func (t *Ticket) Assign(a *Assignee, now time.Time) error {
	if a != nil && strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: assignee id is required", apperr.ErrInvalid)
	}
	if a != nil {
		cp := *a
		a = &cp
	}
	t.Assignee = a
	t.touch(now)
	return nil
}

// IsDone reports whether the ticket is finished.
func (t Ticket) IsDone() bool { return t.Status == StatusDone }

// IsInProgress reports whether the ticket is being worked on.
func (t Ticket) IsInProgress() bool { return t.Status == StatusInProgress }

// IsTodo reports whether the ticket has not been started.
func (t Ticket) IsTodo() bool { return t.Status == StatusTodo }

// Clone returns a deep copy.
func (t Ticket) Clone() Ticket {
	if t.Assignee != nil {
		a := *t.Assignee
		t.Assignee = &a
	}
	return t
}

// touch bumps UpdatedAt, keeping it strictly increasing even when the
// wall clock has not advanced since the previous mutation.
func (t *Ticket) touch(now time.Time) {
	now = now.UTC()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Nanosecond)
	}
	t.UpdatedAt = now
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}
