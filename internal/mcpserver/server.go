// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes ticket tools of one tab for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/tabsync/internal/app"
	"github.com/starford/tabsync/internal/mutator"
	"github.com/starford/tabsync/internal/ticket"
)

const ticketsURI = "tabsync://tickets"

// Server wraps the MCP server with ticket tools.
type Server struct {
	mcp *server.MCPServer
	tab *app.Tab
}

// New creates a new MCP server with all ticket tools registered.
func New(tab *app.Tab, version string) *Server {
	s := &Server{tab: tab}

	s.mcp = server.NewMCPServer(
		"tabsync",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_tickets",
		mcp.WithDescription("List tickets, newest first. Optionally filter by status."),
		mcp.WithString("status", mcp.Description("TODO, IN_PROGRESS or DONE (empty for all)")),
	), s.listTickets)

	s.mcp.AddTool(mcp.NewTool("get_ticket",
		mcp.WithDescription("Read one ticket by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Ticket id")),
	), s.getTicket)

	s.mcp.AddTool(mcp.NewTool("create_ticket",
		mcp.WithDescription("Create a ticket in status TODO. "+
			"Read the format first via the get_ticket_format tool or the tabsync://ticket-format resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Title, at most 100 characters")),
		mcp.WithString("description", mcp.Description("Description, at most 500 characters")),
	), s.createTicket)

	s.mcp.AddTool(mcp.NewTool("update_ticket_status",
		mcp.WithDescription("Move a ticket to another status."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Ticket id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("TODO, IN_PROGRESS or DONE")),
	), s.updateTicketStatus)

	s.mcp.AddTool(mcp.NewTool("delete_ticket",
		mcp.WithDescription("Delete a ticket by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Ticket id")),
	), s.deleteTicket)

	s.mcp.AddTool(mcp.NewTool("get_ticket_format",
		mcp.WithDescription("Returns the ticket fields, limits and status rules."),
	), s.getTicketFormat)

	s.mcp.AddResource(
		mcp.NewResource(ticketsURI, "Tickets",
			mcp.WithResourceDescription("The tab's current ticket list as JSON."),
			mcp.WithMIMEType("application/json"),
		),
		s.readTicketsResource,
	)
	s.mcp.AddResource(
		mcp.NewResource("tabsync://ticket-format", "Ticket Format",
			mcp.WithResourceDescription("Ticket fields, limits and status rules."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readTicketFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listTickets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status ticket.Status
	if raw, err := req.RequireString("status"); err == nil && raw != "" {
		st, err := ticket.ParseStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status = st
	}
	return jsonResult(s.tab.View.Filter(status)), nil
}

func (s *Server) getTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, ok := s.tab.View.Find(id)
	if !ok {
		found, err := s.tab.Repo.FindByID(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
		}
		t = found
	}
	return jsonResult(t), nil
}

func (s *Server) createTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	description := ""
	if d, err := req.RequireString("description"); err == nil {
		description = d
	}
	t, err := s.tab.Mutator.CreateTicket(ctx, mutator.CreateInput{
		Title:       title,
		Description: description,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(t), nil
}

func (s *Server) updateTicketStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := ticket.ParseStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.tab.Mutator.UpdateStatus(ctx, id, st)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(t), nil
}

func (s *Server) deleteTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.tab.Mutator.DeleteTicket(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) getTicketFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(TicketFormatContract), nil
}

func (s *Server) readTicketsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	out, err := json.Marshal(s.tab.View.Tickets())
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ticketsURI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

func (s *Server) readTicketFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "tabsync://ticket-format",
			MIMEType: "text/markdown",
			Text:     TicketFormatContract,
		},
	}, nil
}
