package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guildops/ticket-bridge/internal/domain"
	"github.com/guildops/ticket-bridge/internal/events"
	"github.com/guildops/ticket-bridge/internal/observability"
	"github.com/guildops/ticket-bridge/internal/relay"
	"github.com/guildops/ticket-bridge/internal/repository"
	apperrors "github.com/guildops/ticket-bridge/pkg/util"
)

// Lifecycle orchestrates every ticket state mutation. It is the only
// component allowed to change ticket status; the maintenance sweep drives
// terminal actions through it rather than writing state itself.
type Lifecycle struct {
	tickets     repository.TicketRepository
	categories  repository.CategoryRepository
	relay       relay.Client
	credentials *relay.CredentialManager
	dispatcher  events.Dispatcher
	logger      *zap.Logger
	metrics     *observability.Metrics

	externalTimeout time.Duration
	now             func() time.Time
}

// LifecycleDependencies bundles collaborators for the engine.
type LifecycleDependencies struct {
	TicketRepo      repository.TicketRepository
	CategoryRepo    repository.CategoryRepository
	Relay           relay.Client
	Credentials     *relay.CredentialManager
	Dispatcher      events.Dispatcher
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	ExternalTimeout time.Duration
}

// NewLifecycle constructs the engine.
func NewLifecycle(deps LifecycleDependencies) *Lifecycle {
	timeout := deps.ExternalTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Lifecycle{
		tickets:         deps.TicketRepo,
		categories:      deps.CategoryRepo,
		relay:           deps.Relay,
		credentials:     deps.Credentials,
		dispatcher:      deps.Dispatcher,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		externalTimeout: timeout,
		now:             time.Now,
	}
}

// QueuedMessage is a user message captured while intake was still in
// progress, replayed into the ticket right after creation.
type QueuedMessage struct {
	Content string
}

// CreateTicketInput describes a completed intake ready to become a ticket.
type CreateTicketInput struct {
	GuildID         string
	UserID          string
	UserDisplayName string
	CategoryID      string
	InitialMessage  string

	// Answers is the flattened intake form, rendered into a staff-only
	// system message. Order follows the category's field list.
	Answers map[string]string

	QueuedMessages []QueuedMessage
}

// CreateTicket consumes a completed intake and creates a durable ticket:
// category pre-checks, one-open-ticket-per-user pre-check, gapless number
// allocation, relay thread creation, initial transcript entries, created
// event.
func (l *Lifecycle) CreateTicket(ctx context.Context, input CreateTicketInput) (ticket *domain.Ticket, err error) {
	defer func() { l.metrics.RecordOp("create", err) }()

	guildCategories, err := l.categories.ListByGuild(ctx, input.GuildID)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	if len(guildCategories) == 0 {
		return nil, apperrors.NewConfigMissing(input.GuildID)
	}
	var category *domain.Category
	for i := range guildCategories {
		if guildCategories[i].ID == input.CategoryID {
			category = &guildCategories[i]
			break
		}
	}
	if category == nil {
		return nil, apperrors.NewCategoryNotFound(input.CategoryID)
	}

	existing, err := l.tickets.FindOpenByUser(ctx, input.GuildID, input.UserID)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	if existing != nil {
		return nil, apperrors.NewConflict("user already has an open ticket",
			map[string]any{"ticket_id": existing.ID, "ticket_number": existing.TicketNumber})
	}

	// Validate relay access before allocating anything: an undecryptable
	// category credential means the thread can never be posted to.
	if l.credentials != nil && category.EncryptedCredential != "" {
		if _, credErr := l.credentials.Decrypt(category.EncryptedCredential); credErr != nil {
			return nil, credErr
		}
	}

	number, err := l.tickets.NextTicketNumber(ctx, input.GuildID)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	threadName := fmt.Sprintf("ticket-%04d-%s", number, sanitizeThreadName(input.UserDisplayName))
	threadID, err := l.relay.CreateThread(ctx, category.RelayChannelID, threadName)
	if err != nil {
		return nil, apperrors.NewExternalDeliveryError("create relay thread", err)
	}

	now := l.now()
	ticket = &domain.Ticket{
		GuildID:            input.GuildID,
		TicketNumber:       number,
		UserID:             input.UserID,
		UserDisplayName:    input.UserDisplayName,
		CategoryID:         category.ID,
		CategoryName:       category.Name,
		Priority:           category.Priority,
		Status:             domain.TicketStatusOpen,
		ThreadChannelID:    threadID,
		LastUserActivityAt: now,
	}
	if ticket.Priority == 0 {
		ticket.Priority = domain.PriorityMedium
	}
	if err = l.tickets.Create(ctx, ticket); err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	if _, msgErr := l.appendAndRelayToThread(ctx, ticket, input.UserID, domain.AuthorTypeUser, input.InitialMessage, false); msgErr != nil {
		return nil, msgErr
	}
	if len(input.Answers) > 0 {
		summary := renderAnswers(category.FormFields, input.Answers)
		if _, msgErr := l.appendAndRelayToThread(ctx, ticket, "system", domain.AuthorTypeSystem, summary, true); msgErr != nil {
			return nil, msgErr
		}
	}
	for _, queued := range input.QueuedMessages {
		if _, msgErr := l.appendAndRelayToThread(ctx, ticket, input.UserID, domain.AuthorTypeUser, queued.Content, false); msgErr != nil {
			return nil, msgErr
		}
	}

	l.publish(ctx, events.Event{
		Type:     events.EventTicketCreated,
		GuildID:  ticket.GuildID,
		TicketID: ticket.ID,
		Payload: events.TicketCreatedPayload{
			TicketNumber: ticket.TicketNumber,
			UserID:       ticket.UserID,
			CategoryID:   ticket.CategoryID,
			CategoryName: ticket.CategoryName,
			Priority:     ticket.Priority,
		},
	})
	return ticket, nil
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Claimed          bool
	AlreadyClaimedBy string
}

// Claim assigns the ticket to a staff member via a single conditional
// update. Two concurrent attempts race safely: exactly one wins, the loser
// learns who holds the claim.
func (l *Lifecycle) Claim(ctx context.Context, ticketID, staffID string) (result *ClaimResult, err error) {
	defer func() { l.metrics.RecordOp("claim", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != domain.TicketStatusOpen {
		return nil, apperrors.NewInvalidState("only open tickets can be claimed",
			map[string]any{"status": ticket.Status})
	}

	claimed, holder, err := l.tickets.Claim(ctx, ticketID, staffID, l.now())
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	if !claimed {
		result = &ClaimResult{}
		if holder != nil {
			result.AlreadyClaimedBy = *holder
		}
		return result, nil
	}

	l.updateThreadNameOnClaim(ctx, ticket, staffID)
	l.publish(ctx, events.Event{
		Type:     events.EventTicketClaimed,
		GuildID:  ticket.GuildID,
		TicketID: ticket.ID,
		Payload:  events.TicketClaimedPayload{ClaimedBy: staffID},
	})
	return &ClaimResult{Claimed: true}, nil
}

// Unclaim releases a claimed ticket.
func (l *Lifecycle) Unclaim(ctx context.Context, ticketID, staffID string) (err error) {
	defer func() { l.metrics.RecordOp("unclaim", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status.Terminal() {
		return alreadyClosed(ticket)
	}
	if !ticket.Claimed() {
		return apperrors.NewInvalidState("ticket is not claimed", nil)
	}

	ticket.ClaimedBy = nil
	ticket.ClaimedAt = nil
	if err = l.tickets.Update(ctx, ticket); err != nil {
		return apperrors.NewStorageError(err)
	}

	l.publish(ctx, events.Event{
		Type:     events.EventTicketUnclaimed,
		GuildID:  ticket.GuildID,
		TicketID: ticket.ID,
		Payload:  events.TicketUnclaimedPayload{ReleasedBy: staffID},
	})
	return nil
}

// MarkResolved moves an open ticket to RESOLVED and schedules its expiry.
// The claim is released because a claim is only valid while OPEN.
func (l *Lifecycle) MarkResolved(ctx context.Context, ticketID, staffID string) (err error) {
	defer func() { l.metrics.RecordOp("resolve", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status.Terminal() {
		return alreadyClosed(ticket)
	}
	if ticket.Status == domain.TicketStatusResolved {
		return apperrors.NewInvalidState("ticket is already resolved", nil)
	}

	hours := l.resolveAutoCloseHours(ctx, ticket.CategoryID)
	now := l.now()
	expiry := now.Add(time.Duration(hours) * time.Hour)

	ticket.Status = domain.TicketStatusResolved
	ticket.MarkedResolvedAt = &now
	ticket.MarkedResolvedBy = &staffID
	ticket.ResolveAutoCloseAt = &expiry
	ticket.ClaimedBy = nil
	ticket.ClaimedAt = nil
	if err = l.tickets.Update(ctx, ticket); err != nil {
		return apperrors.NewStorageError(err)
	}

	l.publish(ctx, events.Event{
		Type:     events.EventTicketResolved,
		GuildID:  ticket.GuildID,
		TicketID: ticket.ID,
		Payload:  events.TicketResolvedPayload{ResolvedBy: staffID, ResolveAutoCloseAt: expiry},
	})
	return nil
}

// CancelResolveTimer soft-reopens a resolved ticket: resolved bookkeeping is
// cleared and the ticket returns to OPEN. The relay thread is deliberately
// left untouched; this is not a full reopen.
func (l *Lifecycle) CancelResolveTimer(ctx context.Context, ticketID string) (err error) {
	defer func() { l.metrics.RecordOp("cancel_resolve", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status != domain.TicketStatusResolved {
		return apperrors.NewInvalidState("ticket is not resolved",
			map[string]any{"status": ticket.Status})
	}

	ticket.Status = domain.TicketStatusOpen
	ticket.MarkedResolvedAt = nil
	ticket.MarkedResolvedBy = nil
	ticket.ResolveAutoCloseAt = nil
	ticket.LastUserActivityAt = l.now()
	if err = l.tickets.Update(ctx, ticket); err != nil {
		return apperrors.NewStorageError(err)
	}

	l.publish(ctx, events.Event{
		Type:     events.EventTicketReopened,
		GuildID:  ticket.GuildID,
		TicketID: ticket.ID,
	})
	return nil
}

// Close moves the ticket to its terminal state. Closing an already-closed
// ticket is rejected, not silently accepted: callers must not assume retries
// are free of side effects.
func (l *Lifecycle) Close(ctx context.Context, ticketID, closedBy string, reason string, isStaff bool) (err error) {
	defer func() { l.metrics.RecordOp("close", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status.Terminal() {
		return alreadyClosed(ticket)
	}

	now := l.now()
	ticket.Status = domain.TicketStatusClosed
	ticket.ClosedAt = &now
	ticket.ClosedBy = &closedBy
	if reason != "" {
		ticket.CloseReason = &reason
	}
	ticket.ClaimedBy = nil
	ticket.ClaimedAt = nil
	if err = l.tickets.Update(ctx, ticket); err != nil {
		return apperrors.NewStorageError(err)
	}

	// Label sync is presentation only; a failure never rolls the close back.
	l.bestEffort(ctx, "sync closed label", ticket.ID, func(ctx context.Context) error {
		return l.relay.SetLabels(ctx, ticket.ThreadChannelID, []string{"closed"})
	})

	l.publish(ctx, events.Event{
		Type:     events.EventTicketClosed,
		GuildID:  ticket.GuildID,
		TicketID: ticket.ID,
		Payload:  events.TicketClosedPayload{ClosedBy: closedBy, Reason: reason, IsStaff: isStaff},
	})
	return nil
}

// Finalize applies the terminal presentation sequence to a closed ticket:
// closed labels, a note disabling further interaction, lock, archive. Each
// sub-step is best-effort because finalize commonly runs from background
// contexts where the thread may already be gone.
func (l *Lifecycle) Finalize(ctx context.Context, ticketID string) (err error) {
	defer func() { l.metrics.RecordOp("finalize", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if !ticket.Status.Terminal() {
		return apperrors.NewInvalidState("only closed tickets can be finalized",
			map[string]any{"status": ticket.Status})
	}

	channelID := ticket.ThreadChannelID
	l.bestEffort(ctx, "finalize: set labels", ticket.ID, func(ctx context.Context) error {
		return l.relay.SetLabels(ctx, channelID, []string{"closed"})
	})
	l.bestEffort(ctx, "finalize: closing note", ticket.ID, func(ctx context.Context) error {
		return l.relay.PostMessage(ctx, channelID, "This ticket is closed. Further replies here are not relayed.")
	})
	l.bestEffort(ctx, "finalize: lock", ticket.ID, func(ctx context.Context) error {
		return l.relay.Lock(ctx, channelID)
	})
	l.bestEffort(ctx, "finalize: archive", ticket.ID, func(ctx context.Context) error {
		return l.relay.Archive(ctx, channelID)
	})
	return nil
}

// StampAutoCloseWarning records that an inactivity warning has been sent so
// it fires at most once per threshold crossing. Only valid while OPEN.
func (l *Lifecycle) StampAutoCloseWarning(ctx context.Context, ticketID string) (err error) {
	defer func() { l.metrics.RecordOp("stamp_warning", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status != domain.TicketStatusOpen {
		return apperrors.NewInvalidState("warning stamp requires an open ticket",
			map[string]any{"status": ticket.Status})
	}
	now := l.now()
	ticket.AutoCloseWarningAt = &now
	if err = l.tickets.Update(ctx, ticket); err != nil {
		return apperrors.NewStorageError(err)
	}
	return nil
}

// RecordUserMessage appends a user message to the transcript, relays it to
// the staff thread and refreshes the user activity clock. New user activity
// also re-arms the inactivity warning.
func (l *Lifecycle) RecordUserMessage(ctx context.Context, ticketID, userID, content string, attachments []domain.Attachment) (msg *domain.Message, err error) {
	defer func() { l.metrics.RecordOp("user_message", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status.Terminal() {
		return nil, alreadyClosed(ticket)
	}

	msg = l.newMessage(ticket.ID, userID, domain.AuthorTypeUser, domain.ContextDM, content, false)
	msg.Attachments = attachments
	msg.DeliveredToDM = true
	msg.DeliveredToThread = l.relayToThread(ctx, ticket, content)
	if err = l.tickets.AppendMessage(ctx, msg); err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	ticket.LastUserActivityAt = l.now()
	ticket.AutoCloseWarningAt = nil
	if err = l.tickets.Update(ctx, ticket); err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	l.publishMessageAdded(ctx, ticket, msg)
	return msg, nil
}

// RecordStaffMessage appends a staff message, relays it to the user's DM
// unless staff-only, and refreshes the staff activity clock.
func (l *Lifecycle) RecordStaffMessage(ctx context.Context, ticketID, staffID, content string, isStaffOnly bool) (msg *domain.Message, err error) {
	defer func() { l.metrics.RecordOp("staff_message", err) }()

	ticket, err := l.getTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status.Terminal() {
		return nil, alreadyClosed(ticket)
	}

	msg = l.newMessage(ticket.ID, staffID, domain.AuthorTypeStaff, domain.ContextThread, content, isStaffOnly)
	msg.DeliveredToThread = true
	if !isStaffOnly {
		delivered := false
		l.bestEffort(ctx, "relay staff reply to dm", ticket.ID, func(ctx context.Context) error {
			ok, dmErr := l.relay.SendDirectMessage(ctx, ticket.UserID, content)
			delivered = ok
			return dmErr
		})
		msg.DeliveredToDM = delivered
	}
	if err = l.tickets.AppendMessage(ctx, msg); err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	now := l.now()
	ticket.LastStaffActivityAt = &now
	if err = l.tickets.Update(ctx, ticket); err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	l.publishMessageAdded(ctx, ticket, msg)
	return msg, nil
}

// FlagMessage records an edit or deletion as status flags on the transcript
// entry; entries are never physically removed.
func (l *Lifecycle) FlagMessage(ctx context.Context, messageID string, edited, deleted bool) error {
	if err := l.tickets.SetMessageFlags(ctx, messageID, edited, deleted); err != nil {
		return apperrors.MapError(err)
	}
	return nil
}

// Transcript returns the ticket's append-ordered message list.
func (l *Lifecycle) Transcript(ctx context.Context, ticketID string) ([]domain.Message, error) {
	msgs, err := l.tickets.ListMessages(ctx, ticketID)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return msgs, nil
}

func (l *Lifecycle) getTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, err := l.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return ticket, nil
}

func (l *Lifecycle) resolveAutoCloseHours(ctx context.Context, categoryID string) int {
	category, err := l.categories.GetByID(ctx, categoryID)
	if err != nil || category.ResolveAutoCloseHours <= 0 {
		return 24
	}
	return category.ResolveAutoCloseHours
}

func (l *Lifecycle) newMessage(ticketID, authorID string, authorType domain.MessageAuthorType, context domain.MessageContext, content string, staffOnly bool) *domain.Message {
	return &domain.Message{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		AuthorID:    authorID,
		AuthorType:  authorType,
		Context:     context,
		Content:     content,
		IsStaffOnly: staffOnly,
		Timestamp:   l.now(),
	}
}

func (l *Lifecycle) appendAndRelayToThread(ctx context.Context, ticket *domain.Ticket, authorID string, authorType domain.MessageAuthorType, content string, staffOnly bool) (*domain.Message, error) {
	msg := l.newMessage(ticket.ID, authorID, authorType, domain.ContextDM, content, staffOnly)
	if authorType == domain.AuthorTypeSystem {
		msg.Context = domain.ContextBoth
	}
	msg.DeliveredToDM = authorType == domain.AuthorTypeUser
	msg.DeliveredToThread = l.relayToThread(ctx, ticket, content)
	if err := l.tickets.AppendMessage(ctx, msg); err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return msg, nil
}

func (l *Lifecycle) relayToThread(ctx context.Context, ticket *domain.Ticket, content string) bool {
	delivered := true
	l.bestEffort(ctx, "relay to thread", ticket.ID, func(ctx context.Context) error {
		if err := l.relay.PostMessage(ctx, ticket.ThreadChannelID, content); err != nil {
			delivered = false
			return err
		}
		return nil
	})
	return delivered
}

func (l *Lifecycle) updateThreadNameOnClaim(ctx context.Context, ticket *domain.Ticket, staffID string) {
	name := fmt.Sprintf("ticket-%04d-claimed", ticket.TicketNumber)
	l.bestEffort(ctx, "rename thread on claim", ticket.ID, func(ctx context.Context) error {
		if err := l.relay.SetChannelName(ctx, ticket.ThreadChannelID, name); err != nil {
			return err
		}
		return l.relay.SetLabels(ctx, ticket.ThreadChannelID, []string{"claimed:" + staffID})
	})
}

// bestEffort runs a presentation or notification side effect with its own
// timeout. Failures are logged and swallowed; the underlying state change
// already succeeded.
func (l *Lifecycle) bestEffort(ctx context.Context, op, ticketID string, fn func(context.Context) error) {
	callCtx, cancel := context.WithTimeout(ctx, l.externalTimeout)
	defer cancel()
	if err := fn(callCtx); err != nil {
		l.logger.Warn("external delivery failed",
			zap.String("op", op),
			zap.String("ticket_id", ticketID),
			zap.Error(apperrors.NewExternalDeliveryError(op, err)))
	}
}

func (l *Lifecycle) publish(ctx context.Context, event events.Event) {
	if l.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	_ = l.dispatcher.Publish(ctx, event)
}

func (l *Lifecycle) publishMessageAdded(ctx context.Context, ticket *domain.Ticket, msg *domain.Message) {
	l.publish(ctx, events.Event{
		Type:     events.EventTicketMessageAdded,
		GuildID:  ticket.GuildID,
		TicketID: ticket.ID,
		Payload: events.TicketMessageAddedPayload{
			MessageID:   msg.ID,
			AuthorType:  msg.AuthorType,
			AuthorID:    msg.AuthorID,
			IsStaffOnly: msg.IsStaffOnly,
			Preview:     stringPreview(msg.Content, 120),
		},
	})
}

func alreadyClosed(ticket *domain.Ticket) error {
	return apperrors.NewInvalidState("ticket is already closed",
		map[string]any{"status": ticket.Status, "closed_at": ticket.ClosedAt})
}

func renderAnswers(fields []domain.FormField, answers map[string]string) string {
	var b strings.Builder
	b.WriteString("Intake form:")
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if value, ok := answers[field.ID]; ok {
			fmt.Fprintf(&b, "\n%s: %s", field.Label, value)
			seen[field.ID] = struct{}{}
		}
	}
	// Answers for fields no longer configured are kept rather than dropped.
	var leftovers []string
	for id := range answers {
		if _, ok := seen[id]; !ok {
			leftovers = append(leftovers, id)
		}
	}
	sort.Strings(leftovers)
	for _, id := range leftovers {
		fmt.Fprintf(&b, "\n%s: %s", id, answers[id])
	}
	return b.String()
}

func sanitizeThreadName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, name)
	if name == "" {
		name = "user"
	}
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}

func stringPreview(body string, max int) string {
	body = strings.TrimSpace(body)
	if len(body) <= max {
		return body
	}
	if max <= 3 {
		return body[:max]
	}
	return body[:max-3] + "..."
}
