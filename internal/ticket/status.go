package ticket

import (
	"fmt"

	"github.com/starford/tabsync/internal/apperr"
)

// Status is the lifecycle state of a ticket.
type Status string

// Ticket statuses.
const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusDone}

var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress, StatusDone},
	StatusInProgress: {StatusTodo, StatusDone},
	StatusDone:       {StatusTodo, StatusInProgress},
}

// ParseStatus converts s to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", apperr.ErrInvalid, s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping apperr.ErrInvalid when
// from -> to is not allowed. Staying in the same status is not a transition.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: status transition from %s to %s", apperr.ErrInvalid, from, to)
	}
	return nil
}

// Label returns the human-readable name.
func (s Status) Label() string {
	switch s {
	case StatusTodo:
		return "To Do"
	case StatusInProgress:
		return "In Progress"
	case StatusDone:
		return "Done"
	}
	return string(s)
}
