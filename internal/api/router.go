package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/tabsync/internal/app"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced; the event
// stream sits behind the same check.
func NewRouter(tab *app.Tab, authEnabled bool, token string) chi.Router {
	h := NewHandler(tab)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/tickets", h.ListTickets)
	r.Post("/tickets", h.CreateTicket)
	r.Get("/tickets/{id}", h.GetTicket)
	r.Put("/tickets/{id}", h.UpdateTicket)
	r.Delete("/tickets/{id}", h.DeleteTicket)
	r.Patch("/tickets/{id}/status", h.UpdateStatus)
	r.Patch("/tickets/{id}/assignee", h.UpdateAssignee)

	r.Post("/refresh", h.Refresh)
	r.Get("/state", h.State)

	if tab.Hub != nil {
		r.Get("/events", tab.Hub.ServeHTTP)
	}

	return r
}
