package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/guildops/ticket-bridge/internal/domain"
	"github.com/guildops/ticket-bridge/internal/intake"
	"github.com/guildops/ticket-bridge/internal/service"
	apperrors "github.com/guildops/ticket-bridge/pkg/util"
)

// BridgeHandler is the internal surface the command-dispatch layer calls
// into. It translates requests into intake-flow and lifecycle operations;
// all invariants live in the services.
type BridgeHandler struct {
	intake    *service.Intake
	lifecycle *service.Lifecycle
}

// NewBridgeHandler returns a new handler instance.
func NewBridgeHandler(intakeFlow *service.Intake, lifecycle *service.Lifecycle) *BridgeHandler {
	return &BridgeHandler{intake: intakeFlow, lifecycle: lifecycle}
}

type beginIntakeRequest struct {
	GuildID         string             `json:"guild_id"`
	UserID          string             `json:"user_id"`
	UserDisplayName string             `json:"user_display_name"`
	CategoryID      string             `json:"category_id"`
	InitialMessage  string             `json:"initial_message"`
	InitialRef      *intake.MessageRef `json:"initial_message_ref,omitempty"`
}

// BeginIntake starts or resumes an intake session.
func (h *BridgeHandler) BeginIntake(c *fiber.Ctx) error {
	var req beginIntakeRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	result, err := h.intake.Begin(c.UserContext(), service.BeginInput{
		GuildID:           req.GuildID,
		UserID:            req.UserID,
		UserDisplayName:   req.UserDisplayName,
		CategoryID:        req.CategoryID,
		InitialMessage:    req.InitialMessage,
		InitialMessageRef: req.InitialRef,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"session_id": result.SessionID, "resumed": result.Resumed})
}

type modalPagesRequest struct {
	TotalPages int `json:"total_pages"`
}

// InitializeModalPages prepares a multi-page form flow for a session.
func (h *BridgeHandler) InitializeModalPages(c *fiber.Ctx) error {
	var req modalPagesRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	if err := h.intake.InitializeModalPages(c.UserContext(), c.Params("sessionID"), req.TotalPages); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type pageAnswersRequest struct {
	Answers map[string]string `json:"answers"`
}

// RecordPageAnswers stores one submitted form page.
func (h *BridgeHandler) RecordPageAnswers(c *fiber.Ctx) error {
	pageIndex, err := c.ParamsInt("pageIndex")
	if err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid page index", fiber.StatusBadRequest, nil)
	}
	var req pageAnswersRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	if err := h.intake.RecordPageAnswers(c.UserContext(), c.Params("sessionID"), pageIndex, req.Answers); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AdvancePage moves a session to its next form page.
func (h *BridgeHandler) AdvancePage(c *fiber.Ctx) error {
	hasMore, err := h.intake.AdvancePage(c.UserContext(), c.Params("sessionID"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"has_more_pages": hasMore})
}

type queueMessageRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// QueueMessage records a user message sent mid-intake.
func (h *BridgeHandler) QueueMessage(c *fiber.Ctx) error {
	var req queueMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	err := h.intake.QueueMessageRef(c.UserContext(), c.Params("sessionID"), intake.MessageRef{
		ChannelID: req.ChannelID,
		MessageID: req.MessageID,
		Content:   req.Content,
	})
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// CompleteIntake consumes the session into a ticket.
func (h *BridgeHandler) CompleteIntake(c *fiber.Ctx) error {
	ticket, err := h.intake.Complete(c.UserContext(), c.Params("sessionID"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"ticket_id":     ticket.ID,
		"ticket_number": ticket.TicketNumber,
	})
}

// CancelIntake discards a draft.
func (h *BridgeHandler) CancelIntake(c *fiber.Ctx) error {
	if err := h.intake.Cancel(c.UserContext(), c.Params("sessionID")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type staffActionRequest struct {
	StaffID string `json:"staff_id"`
}

// Claim attempts to claim a ticket for a staff member.
func (h *BridgeHandler) Claim(c *fiber.Ctx) error {
	var req staffActionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	result, err := h.lifecycle.Claim(c.UserContext(), c.Params("ticketID"), req.StaffID)
	if err != nil {
		return err
	}
	if !result.Claimed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"claimed":            false,
			"already_claimed_by": result.AlreadyClaimedBy,
		})
	}
	return c.JSON(fiber.Map{"claimed": true})
}

// Unclaim releases a claimed ticket.
func (h *BridgeHandler) Unclaim(c *fiber.Ctx) error {
	var req staffActionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	if err := h.lifecycle.Unclaim(c.UserContext(), c.Params("ticketID"), req.StaffID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Resolve marks a ticket resolved.
func (h *BridgeHandler) Resolve(c *fiber.Ctx) error {
	var req staffActionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	if err := h.lifecycle.MarkResolved(c.UserContext(), c.Params("ticketID"), req.StaffID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// CancelResolve soft-reopens a resolved ticket.
func (h *BridgeHandler) CancelResolve(c *fiber.Ctx) error {
	if err := h.lifecycle.CancelResolveTimer(c.UserContext(), c.Params("ticketID")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type closeRequest struct {
	ClosedBy string `json:"closed_by"`
	Reason   string `json:"reason"`
	IsStaff  bool   `json:"is_staff"`
}

// Close moves a ticket to its terminal state and finalizes its thread.
func (h *BridgeHandler) Close(c *fiber.Ctx) error {
	var req closeRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	ticketID := c.Params("ticketID")
	if err := h.lifecycle.Close(c.UserContext(), ticketID, req.ClosedBy, req.Reason, req.IsStaff); err != nil {
		return err
	}
	if err := h.lifecycle.Finalize(c.UserContext(), ticketID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type userMessageRequest struct {
	UserID      string              `json:"user_id"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// RecordUserMessage appends a user message and relays it to staff.
func (h *BridgeHandler) RecordUserMessage(c *fiber.Ctx) error {
	var req userMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	msg, err := h.lifecycle.RecordUserMessage(c.UserContext(), c.Params("ticketID"), req.UserID, req.Content, req.Attachments)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message_id":          msg.ID,
		"delivered_to_thread": msg.DeliveredToThread,
	})
}

type staffMessageRequest struct {
	StaffID     string `json:"staff_id"`
	Content     string `json:"content"`
	IsStaffOnly bool   `json:"is_staff_only"`
}

// RecordStaffMessage appends a staff message and relays it to the user.
func (h *BridgeHandler) RecordStaffMessage(c *fiber.Ctx) error {
	var req staffMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewDomainError("VALIDATION_FAILED", "invalid request body", fiber.StatusBadRequest, nil)
	}
	msg, err := h.lifecycle.RecordStaffMessage(c.UserContext(), c.Params("ticketID"), req.StaffID, req.Content, req.IsStaffOnly)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message_id":      msg.ID,
		"delivered_to_dm": msg.DeliveredToDM,
	})
}
