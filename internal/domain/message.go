package domain

import "time"

// MessageAuthorType indicates who authored a message.
type MessageAuthorType string

const (
	AuthorTypeUser   MessageAuthorType = "USER"
	AuthorTypeStaff  MessageAuthorType = "STAFF"
	AuthorTypeSystem MessageAuthorType = "SYSTEM"
)

// MessageContext records which side of the bridge a message originated on.
type MessageContext string

const (
	ContextDM     MessageContext = "DM"
	ContextThread MessageContext = "THREAD"
	ContextBoth   MessageContext = "BOTH"
)

// Attachment stores metadata for a relayed attachment.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Message is one entry in a ticket's append-only transcript. Entries are
// never reordered or removed; edits and deletions are recorded as flags.
type Message struct {
	ID       string
	TicketID string

	AuthorID   string
	AuthorType MessageAuthorType
	Context    MessageContext

	Content     string
	Attachments []Attachment
	IsStaffOnly bool

	// Delivery bookkeeping: whether the relay succeeded on each side.
	// Failures are recorded, not retried.
	DeliveredToDM     bool
	DeliveredToThread bool

	Edited  bool
	Deleted bool

	Timestamp time.Time
}
