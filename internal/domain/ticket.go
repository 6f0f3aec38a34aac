package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "OPEN"
	TicketStatusResolved TicketStatus = "RESOLVED"
	TicketStatusClosed   TicketStatus = "CLOSED"
)

// Terminal reports whether no further transitions are permitted.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusClosed
}

// Ticket priorities, lowest to highest urgency.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// Ticket is the aggregate for one support conversation bridged between a
// user's direct-message channel and a staff relay thread.
type Ticket struct {
	ID              string
	GuildID         string
	TicketNumber    int64
	UserID          string
	UserDisplayName string
	CategoryID      string
	CategoryName    string
	Priority        int
	Status          TicketStatus

	// ClaimedBy is only ever set while the ticket is OPEN.
	ClaimedBy *string
	ClaimedAt *time.Time

	// ThreadChannelID is the per-ticket relay thread under the category's
	// relay channel. Orphan detection checks its continued existence.
	ThreadChannelID string

	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastUserActivityAt  time.Time
	LastStaffActivityAt *time.Time

	MarkedResolvedAt   *time.Time
	MarkedResolvedBy   *string
	ResolveAutoCloseAt *time.Time

	// AutoCloseWarningAt records that an inactivity warning has been sent,
	// so each threshold crossing warns at most once.
	AutoCloseWarningAt *time.Time

	ClosedAt    *time.Time
	ClosedBy    *string
	CloseReason *string

	AutoCloseDisabled bool
}

// Claimed reports whether a staff member currently holds the ticket.
func (t *Ticket) Claimed() bool {
	return t.ClaimedBy != nil
}
