package api

import (
	"time"

	"github.com/starford/tabsync/internal/reconcile"
	"github.com/starford/tabsync/internal/ticket"
)

// CreateTicketRequest is the request body for creating a ticket.
type CreateTicketRequest struct {
	Title       string           `json:"title" example:"Fix login" validate:"required"`
	Description string           `json:"description" example:"Users cannot sign in"`
	Assignee    *ticket.Assignee `json:"assignee,omitempty"`
}

// UpdateTicketRequest is the request body for replacing title and description.
type UpdateTicketRequest struct {
	Title       string `json:"title" example:"Fix login" validate:"required"`
	Description string `json:"description" example:"Users cannot sign in"`
}

// UpdateStatusRequest is the request body for a status change.
type UpdateStatusRequest struct {
	Status ticket.Status `json:"status" example:"IN_PROGRESS" validate:"required"`
}

// UpdateAssigneeRequest sets the assignee; a null assignee unassigns.
type UpdateAssigneeRequest struct {
	Assignee *ticket.Assignee `json:"assignee"`
}

// TicketListResponse wraps a ticket listing.
type TicketListResponse struct {
	Tickets []ticket.Ticket `json:"tickets" validate:"required"`
	Total   int             `json:"total" example:"5" validate:"required"`
}

// StateResponse describes the tab's view and loop.
type StateResponse struct {
	Tab         string          `json:"tab"`
	Loop        string          `json:"loop"`
	Counts      ticket.Counts   `json:"counts"`
	LastUpdated *time.Time      `json:"lastUpdated"`
	Error       string          `json:"error,omitempty"`
	Pending     int             `json:"pending"`
	Stats       reconcile.Stats `json:"stats"`
}

// RefreshResponse reports whether a refresh was queued or merged into one
// already pending.
type RefreshResponse struct {
	Queued bool `json:"queued"`
}
