package intake

import "time"

// MessageRef points at a platform message captured during intake, replayed
// into the ticket transcript once the ticket exists.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// Session is an ephemeral draft of a ticket being composed across one or
// more form steps before a durable ticket exists.
type Session struct {
	ID              string `json:"session_id"`
	GuildID         string `json:"guild_id"`
	UserID          string `json:"user_id"`
	UserDisplayName string `json:"user_display_name"`
	CategoryID      string `json:"category_id"`

	InitialMessage    string       `json:"initial_message"`
	InitialMessageRef *MessageRef  `json:"initial_message_ref,omitempty"`
	QueuedMessageRefs []MessageRef `json:"queued_message_refs,omitempty"`

	// CurrentStep indexes into the category's field list for single-step
	// flows.
	CurrentStep int `json:"current_step"`

	// Multi-step modal support. Answer batches are keyed by page index;
	// pages may be recorded out of order and re-recorded.
	CurrentModalPage   int                       `json:"current_modal_page"`
	TotalModalPages    int                       `json:"total_modal_pages"`
	ModalAnswerBatches map[int]map[string]string `json:"modal_answer_batches,omitempty"`

	// Answers is the flattened view produced by FlattenAnswers.
	Answers map[string]string `json:"answers,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is fixed at creation. Updates recompute remaining TTL from
	// this deadline and never extend it.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the fixed deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
