package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/guildops/ticket-bridge/internal/domain"
	"github.com/guildops/ticket-bridge/internal/intake"
	"github.com/guildops/ticket-bridge/internal/repository"
	apperrors "github.com/guildops/ticket-bridge/pkg/util"
)

// Intake glues the ephemeral session store to the lifecycle engine: it
// starts and resumes drafts, records form steps, and on completion consumes
// the session into a durable ticket.
type Intake struct {
	sessions   *intake.SessionStore
	categories repository.CategoryRepository
	lifecycle  *Lifecycle
	logger     *zap.Logger
}

// NewIntake constructs the flow.
func NewIntake(sessions *intake.SessionStore, categories repository.CategoryRepository, lifecycle *Lifecycle, logger *zap.Logger) *Intake {
	return &Intake{
		sessions:   sessions,
		categories: categories,
		lifecycle:  lifecycle,
		logger:     logger,
	}
}

// BeginInput describes a user's first message or command starting intake.
type BeginInput struct {
	GuildID           string
	UserID            string
	UserDisplayName   string
	CategoryID        string
	InitialMessage    string
	InitialMessageRef *intake.MessageRef
}

// BeginResult reports whether an existing draft was resumed.
type BeginResult struct {
	SessionID string
	Resumed   bool
}

// Begin starts a new intake session, or redirects the user to their still
// active one. The user index alone is not trusted: the session must still
// exist, since index and session expire independently.
func (i *Intake) Begin(ctx context.Context, input BeginInput) (*BeginResult, error) {
	existingID, err := i.sessions.ActiveSessionForUser(ctx, input.GuildID, input.UserID)
	if err != nil && !errors.Is(err, intake.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		if _, getErr := i.sessions.Get(ctx, existingID); getErr == nil {
			return &BeginResult{SessionID: existingID, Resumed: true}, nil
		} else if !errors.Is(getErr, intake.ErrNotFound) {
			return nil, getErr
		}
		// Index without session: treat as no active session.
	}

	category, err := i.categories.GetByID(ctx, input.CategoryID)
	if err != nil {
		return nil, apperrors.NewCategoryNotFound(input.CategoryID)
	}
	if err := category.ValidateFormFields(); err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	sessionID, err := i.sessions.Create(ctx, intake.Session{
		GuildID:           input.GuildID,
		UserID:            input.UserID,
		UserDisplayName:   input.UserDisplayName,
		CategoryID:        input.CategoryID,
		InitialMessage:    input.InitialMessage,
		InitialMessageRef: input.InitialMessageRef,
	})
	if err != nil {
		return nil, err
	}
	return &BeginResult{SessionID: sessionID}, nil
}

// QueueMessageRef records a message the user sent while intake is still in
// progress; it is replayed into the ticket once created.
func (i *Intake) QueueMessageRef(ctx context.Context, sessionID string, ref intake.MessageRef) error {
	applied, err := i.sessions.Update(ctx, sessionID, func(session *intake.Session) {
		session.QueuedMessageRefs = append(session.QueuedMessageRefs, ref)
	})
	if err != nil {
		return err
	}
	if !applied {
		return apperrors.NewNotFound("intake session", map[string]any{"session_id": sessionID})
	}
	return nil
}

// InitializeModalPages prepares a multi-page form flow.
func (i *Intake) InitializeModalPages(ctx context.Context, sessionID string, totalPages int) error {
	applied, err := i.sessions.InitializeModalPages(ctx, sessionID, totalPages)
	return requireApplied(sessionID, applied, err)
}

// RecordPageAnswers stores one submitted form page.
func (i *Intake) RecordPageAnswers(ctx context.Context, sessionID string, pageIndex int, answers map[string]string) error {
	applied, err := i.sessions.RecordPageAnswers(ctx, sessionID, pageIndex, answers)
	return requireApplied(sessionID, applied, err)
}

// AdvancePage moves to the next form page and reports whether more remain.
func (i *Intake) AdvancePage(ctx context.Context, sessionID string) (bool, error) {
	hasMore, err := i.sessions.AdvancePage(ctx, sessionID)
	if errors.Is(err, intake.ErrNotFound) {
		return false, apperrors.NewNotFound("intake session", map[string]any{"session_id": sessionID})
	}
	return hasMore, err
}

// Cancel discards the draft.
func (i *Intake) Cancel(ctx context.Context, sessionID string) error {
	return i.sessions.Delete(ctx, sessionID)
}

// Complete flattens the recorded answers, validates required fields and
// consumes the session into a ticket. The session is deleted only after the
// ticket exists; a transient failure leaves the draft resumable.
func (i *Intake) Complete(ctx context.Context, sessionID string) (*domain.Ticket, error) {
	if _, err := i.sessions.FlattenAnswers(ctx, sessionID); err != nil {
		return nil, err
	}
	session, err := i.sessions.Get(ctx, sessionID)
	if errors.Is(err, intake.ErrNotFound) {
		return nil, apperrors.NewNotFound("intake session", map[string]any{"session_id": sessionID})
	}
	if err != nil {
		return nil, err
	}

	category, err := i.categories.GetByID(ctx, session.CategoryID)
	if err != nil {
		return nil, apperrors.NewCategoryNotFound(session.CategoryID)
	}
	for _, field := range category.FormFields {
		if field.Required && session.Answers[field.ID] == "" {
			return nil, apperrors.NewDomainError("VALIDATION_FAILED", "required intake field missing", 400,
				map[string]any{"field_id": field.ID})
		}
	}

	queued := make([]QueuedMessage, 0, len(session.QueuedMessageRefs))
	for _, ref := range session.QueuedMessageRefs {
		queued = append(queued, QueuedMessage{Content: ref.Content})
	}

	ticket, err := i.lifecycle.CreateTicket(ctx, CreateTicketInput{
		GuildID:         session.GuildID,
		UserID:          session.UserID,
		UserDisplayName: session.UserDisplayName,
		CategoryID:      session.CategoryID,
		InitialMessage:  session.InitialMessage,
		Answers:         session.Answers,
		QueuedMessages:  queued,
	})
	if err != nil {
		return nil, err
	}

	if delErr := i.sessions.Delete(ctx, sessionID); delErr != nil {
		i.logger.Warn("failed to delete consumed intake session",
			zap.String("session_id", sessionID), zap.Error(delErr))
	}
	return ticket, nil
}

func requireApplied(sessionID string, applied bool, err error) error {
	if err != nil {
		return err
	}
	if !applied {
		return apperrors.NewNotFound("intake session", map[string]any{"session_id": sessionID})
	}
	return nil
}
