package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/tabsync/internal/app"
	"github.com/starford/tabsync/internal/mutator"
	"github.com/starford/tabsync/internal/ticket"
)

const maxBody = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	tab *app.Tab
}

// NewHandler creates a new Handler.
func NewHandler(tab *app.Tab) *Handler {
	return &Handler{tab: tab}
}

// ListTickets handles GET /api/tickets.
//
//	@Summary		List the tab's tickets, newest first
//	@Tags			tickets
//	@Produce		json
//	@Param			status	query		string	false	"Filter by status"	Enums(TODO, IN_PROGRESS, DONE)
//	@Success		200		{object}	TicketListResponse
//	@Success		304		"Not modified"
//	@Security		BearerAuth
//	@Router			/tickets [get]
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	var status ticket.Status
	if q := r.URL.Query().Get("status"); q != "" {
		s, err := ticket.ParseStatus(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		status = s
	}

	tickets := h.tab.View.Filter(status)
	tag := etag(tickets)
	if tag != "" && r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", tag)
	writeJSON(w, http.StatusOK, TicketListResponse{Tickets: tickets, Total: len(tickets)})
}

// GetTicket handles GET /api/tickets/{id}.
//
//	@Summary		Get a single ticket
//	@Tags			tickets
//	@Produce		json
//	@Param			id	path		string	true	"Ticket ID"
//	@Success		200	{object}	ticket.Ticket
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tickets/{id} [get]
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.tab.View.Find(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	w.Header().Set("ETag", etag(t))
	writeJSON(w, http.StatusOK, t)
}

// CreateTicket handles POST /api/tickets.
//
//	@Summary		Create a ticket
//	@Tags			tickets
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateTicketRequest	true	"Ticket to create"
//	@Success		201		{object}	ticket.Ticket
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tickets [post]
func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	t, err := h.tab.Mutator.CreateTicket(r.Context(), mutator.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Assignee:    req.Assignee,
	})
	if err != nil {
		writeError(w, "create ticket", "", err)
		return
	}
	w.Header().Set("ETag", etag(t))
	writeJSON(w, http.StatusCreated, t)
}

// UpdateTicket handles PUT /api/tickets/{id}.
//
//	@Summary		Replace title and description
//	@Tags			tickets
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string				true	"Ticket ID"
//	@Param			If-Match	header		string				false	"ETag from a previous GET"
//	@Param			body		body		UpdateTicketRequest	true	"New content"
//	@Success		200			{object}	ticket.Ticket
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Failure		422			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tickets/{id} [put]
func (h *Handler) UpdateTicket(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	id := chi.URLParam(r, "id")
	var req UpdateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		cur, ok := h.tab.View.Find(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		if strings.Trim(ifMatch, `"`) != strings.Trim(etag(cur), `"`) {
			writeJSON(w, http.StatusConflict, errorBody("etag mismatch"))
			return
		}
	}

	t, err := h.tab.Mutator.UpdateContent(r.Context(), id, req.Title, req.Description)
	if err != nil {
		writeError(w, "update ticket", id, err)
		return
	}
	w.Header().Set("ETag", etag(t))
	writeJSON(w, http.StatusOK, t)
}

// UpdateStatus handles PATCH /api/tickets/{id}/status.
//
//	@Summary		Change a ticket's status
//	@Tags			tickets
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Ticket ID"
//	@Param			body	body		UpdateStatusRequest	true	"New status"
//	@Success		200		{object}	ticket.Ticket
//	@Failure		404		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tickets/{id}/status [patch]
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	id := chi.URLParam(r, "id")
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	t, err := h.tab.Mutator.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, "update status", id, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateAssignee handles PATCH /api/tickets/{id}/assignee.
//
//	@Summary		Assign or unassign a ticket
//	@Tags			tickets
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Ticket ID"
//	@Param			body	body		UpdateAssigneeRequest	true	"Assignee or null"
//	@Success		200		{object}	ticket.Ticket
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tickets/{id}/assignee [patch]
func (h *Handler) UpdateAssignee(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	id := chi.URLParam(r, "id")
	var req UpdateAssigneeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	t, err := h.tab.Mutator.UpdateAssignee(r.Context(), id, req.Assignee)
	if err != nil {
		writeError(w, "update assignee", id, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTicket handles DELETE /api/tickets/{id}.
//
//	@Summary		Delete a ticket
//	@Tags			tickets
//	@Param			id	path	string	true	"Ticket ID"
//	@Success		204	"Ticket deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tickets/{id} [delete]
func (h *Handler) DeleteTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.tab.Mutator.DeleteTicket(r.Context(), id); err != nil {
		writeError(w, "delete ticket", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refresh handles POST /api/refresh.
//
//	@Summary		Request an immediate reconciliation
//	@Tags			sync
//	@Produce		json
//	@Success		202	{object}	RefreshResponse
//	@Security		BearerAuth
//	@Router			/refresh [post]
func (h *Handler) Refresh(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, RefreshResponse{Queued: h.tab.Loop.Refresh()})
}

// State handles GET /api/state.
//
//	@Summary		Describe the tab's view and reconciliation loop
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	StateResponse
//	@Security		BearerAuth
//	@Router			/state [get]
func (h *Handler) State(w http.ResponseWriter, _ *http.Request) {
	v := h.tab.View
	resp := StateResponse{
		Tab:     h.tab.ID,
		Loop:    h.tab.Loop.State().String(),
		Counts:  v.Counts(),
		Pending: v.Pending(),
		Stats:   h.tab.Loop.Stats(),
	}
	if at := v.LastUpdated(); !at.IsZero() {
		resp.LastUpdated = &at
	}
	if err := v.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
