package events

import (
	"time"

	"github.com/guildops/ticket-bridge/internal/domain"
)

// EventType enumerates lifecycle transitions broadcast to the dashboard.
type EventType string

const (
	EventTicketCreated      EventType = "ticket_created"
	EventTicketClaimed      EventType = "ticket_claimed"
	EventTicketUnclaimed    EventType = "ticket_unclaimed"
	EventTicketResolved     EventType = "ticket_resolved"
	EventTicketReopened     EventType = "ticket_reopened"
	EventTicketClosed       EventType = "ticket_closed"
	EventTicketMessageAdded EventType = "ticket_message_added"
)

// AllEventTypes lists every type a sink can subscribe to.
var AllEventTypes = []EventType{
	EventTicketCreated,
	EventTicketClaimed,
	EventTicketUnclaimed,
	EventTicketResolved,
	EventTicketReopened,
	EventTicketClosed,
	EventTicketMessageAdded,
}

// Event represents a committed lifecycle mutation. Delivery to sinks is
// fire-and-forget.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	GuildID   string    `json:"guild_id"`
	TicketID  string    `json:"ticket_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	TicketNumber int64  `json:"ticket_number"`
	UserID       string `json:"user_id"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	Priority     int    `json:"priority"`
}

// TicketClaimedPayload payload.
type TicketClaimedPayload struct {
	ClaimedBy string `json:"claimed_by"`
}

// TicketUnclaimedPayload payload.
type TicketUnclaimedPayload struct {
	ReleasedBy string `json:"released_by"`
}

// TicketResolvedPayload payload.
type TicketResolvedPayload struct {
	ResolvedBy         string    `json:"resolved_by"`
	ResolveAutoCloseAt time.Time `json:"resolve_auto_close_at"`
}

// TicketClosedPayload payload.
type TicketClosedPayload struct {
	ClosedBy string `json:"closed_by"`
	Reason   string `json:"reason,omitempty"`
	IsStaff  bool   `json:"is_staff"`
}

// TicketMessageAddedPayload payload.
type TicketMessageAddedPayload struct {
	MessageID   string                   `json:"message_id"`
	AuthorType  domain.MessageAuthorType `json:"author_type"`
	AuthorID    string                   `json:"author_id"`
	IsStaffOnly bool                     `json:"is_staff_only"`
	Preview     string                   `json:"preview"`
}
