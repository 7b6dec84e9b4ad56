package mcpserver

// TicketFormatContract describes the ticket model that LLM consumers should
// follow when creating or changing tickets.
const TicketFormatContract = `# tabsync Ticket Format

Tickets live in one shared list per origin. Every tab sees the same list and
picks up changes from other tabs within one poll interval.

## Fields

| Field | Type | Notes |
|---|---|---|
| id | string | UUID, assigned on creation, never changes |
| title | string | required, not blank, at most 100 characters |
| description | string | optional, at most 500 characters |
| status | string | one of TODO, IN_PROGRESS, DONE; new tickets start as TODO |
| assignee | object or null | {"id": "...", "name": "..."} |
| createdAt | RFC 3339 time | set once |
| updatedAt | RFC 3339 time | bumped by every change |
| revision | integer | incremented by every saved change |

## Rules

1. **Status changes** may go between any two different statuses. Setting the
   status a ticket already has is rejected.
2. **Deleting** an unknown id is an error. Look the ticket up first.
3. **Conflicts**: when the origin runs with the compare-and-swap policy, a
   change made against an outdated ticket is rejected. Re-read and retry.
`
