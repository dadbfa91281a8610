package handlers

import (
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/services"
	"github.com/Ananth-NQI/wabot/internal/storage"
)

// OperatorHandler serves the operator dashboard API.
type OperatorHandler struct {
	engine        *services.Engine
	conversations *services.ConversationStore
	queue         *services.DeliveryQueue
	governor      *services.Governor
	store         storage.Store
	logger        *zap.Logger
}

// NewOperatorHandler creates a new operator handler
func NewOperatorHandler(engine *services.Engine, conversations *services.ConversationStore, queue *services.DeliveryQueue, governor *services.Governor, store storage.Store, logger *zap.Logger) *OperatorHandler {
	return &OperatorHandler{
		engine:        engine,
		conversations: conversations,
		queue:         queue,
		governor:      governor,
		store:         store,
		logger:        logger,
	}
}

// conversationSummary is the list view of a conversation.
type conversationSummary struct {
	ID           string `json:"id"`
	Phone        string `json:"phone"`
	LastActivity string `json:"last_activity"`
	UnreadCount  int    `json:"unread_count"`
	WithAdvisor  bool   `json:"with_advisor"`
	Messages     int    `json:"messages"`
	Preview      string `json:"preview"`
}

func summarize(c models.Conversation) conversationSummary {
	s := conversationSummary{
		ID:           c.ID,
		Phone:        c.Phone,
		LastActivity: c.LastActivity.Format(time.RFC3339),
		UnreadCount:  c.UnreadCount,
		WithAdvisor:  c.WithAdvisor,
		Messages:     len(c.Messages),
	}
	if last, ok := c.LastMessage(); ok {
		s.Preview = last.Preview()
	}
	return s
}

// ListConversations lists active conversations, newest activity first.
// Query: advisor=true, unread=true, q=<phone or text>.
func (h *OperatorHandler) ListConversations(c *fiber.Ctx) error {
	convs := h.conversations.ListActive(services.ListFilter{
		WithAdvisorOnly: c.QueryBool("advisor"),
		UnreadOnly:      c.QueryBool("unread"),
		Search:          c.Query("q"),
	})

	out := make([]conversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, summarize(conv))
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"conversations": out,
		"count":         len(out),
	})
}

// GetConversation returns the active conversation with all messages.
func (h *OperatorHandler) GetConversation(c *fiber.Ctx) error {
	phone := c.Params("phone")
	conv, ok := h.conversations.GetActive(phone)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	return c.JSON(fiber.Map{
		"success":      true,
		"conversation": conv,
	})
}

// GetHistory returns every stored conversation of a phone, archived included.
func (h *OperatorHandler) GetHistory(c *fiber.Ctx) error {
	phone := c.Params("phone")
	if err := h.conversations.Flush(c.UserContext()); err != nil {
		h.logger.Warn("flush before history read", zap.Error(err))
	}
	recs, err := h.store.GetConversationsByPhone(c.UserContext(), phone)
	if err != nil {
		h.logger.Error("load conversation history", zap.Error(err), zap.String("phone", phone))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch history",
		})
	}

	history := make([]*models.Conversation, 0, len(recs))
	for _, rec := range recs {
		conv, err := rec.ToConversation()
		if err != nil {
			h.logger.Warn("skip unreadable conversation", zap.Error(err), zap.String("id", rec.ConversationID))
			continue
		}
		history = append(history, conv)
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].StartedAt.After(history[j].StartedAt)
	})
	return c.JSON(fiber.Map{
		"success":       true,
		"conversations": history,
		"count":         len(history),
	})
}

// Reply sends an operator message to the client.
func (h *OperatorHandler) Reply(c *fiber.Ctx) error {
	phone := c.Params("phone")
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.engine.OperatorReply(c.UserContext(), phone, req.Text); err != nil {
		if errors.Is(err, services.ErrEmptyMessage) || errors.Is(err, services.ErrMessageTooLong) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		h.logger.Error("operator reply failed", zap.Error(err), zap.String("phone", phone))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to send message",
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Message sent",
	})
}

// MarkRead clears the unread counter.
func (h *OperatorHandler) MarkRead(c *fiber.Ctx) error {
	if !h.conversations.MarkRead(c.Params("phone")) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	return c.JSON(fiber.Map{"success": true})
}

// Archive closes the active conversation.
func (h *OperatorHandler) Archive(c *fiber.Ctx) error {
	phone := c.Params("phone")
	var req struct {
		Notes string `json:"notes"`
	}
	// an empty body is fine
	_ = c.BodyParser(&req)

	id, err := h.conversations.Archive(c.UserContext(), phone, req.Notes)
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	if err != nil {
		h.logger.Error("archive conversation", zap.Error(err), zap.String("phone", phone))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to archive conversation",
		})
	}
	return c.JSON(fiber.Map{
		"success":         true,
		"conversation_id": id,
	})
}

// Delete erases every stored conversation of the phone and its media.
func (h *OperatorHandler) Delete(c *fiber.Ctx) error {
	phone := c.Params("phone")
	err := h.conversations.DeletePermanently(c.UserContext(), phone)
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	if err != nil {
		h.logger.Error("delete conversation", zap.Error(err), zap.String("phone", phone))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete conversation",
		})
	}
	return c.JSON(fiber.Map{"success": true})
}

// ListEscalations lists open advisor escalations, oldest first.
func (h *OperatorHandler) ListEscalations(c *fiber.Ctx) error {
	active := h.engine.Advisors().ListActive()
	return c.JSON(fiber.Map{
		"success":     true,
		"escalations": active,
		"count":       len(active),
	})
}

// CloseEscalation ends the advisor session of a client.
func (h *OperatorHandler) CloseEscalation(c *fiber.Ctx) error {
	phone := c.Params("phone")
	closed, err := h.engine.CloseEscalation(c.UserContext(), phone)
	if err != nil {
		h.logger.Error("close escalation", zap.Error(err), zap.String("phone", phone))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to close escalation",
		})
	}
	if !closed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active escalation",
		})
	}
	return c.JSON(fiber.Map{"success": true})
}

// QueueStats reports delivery counts by status.
func (h *OperatorHandler) QueueStats(c *fiber.Ctx) error {
	stats, err := h.queue.Stats(c.UserContext())
	if err != nil {
		h.logger.Error("queue stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch queue stats",
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"queue":   stats,
	})
}

// GovernorStats reports the outbound rate window.
func (h *OperatorHandler) GovernorStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":  true,
		"governor": h.governor.Stats(),
	})
}

// GetPromo returns the promotional text of the info menu.
func (h *OperatorHandler) GetPromo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"promo":   h.engine.Promo(c.UserContext()),
	})
}

// UpdatePromo replaces the promotional text.
func (h *OperatorHandler) UpdatePromo(c *fiber.Ctx) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := h.engine.SetPromo(c.UserContext(), req.Text); err != nil {
		if errors.Is(err, services.ErrEmptyMessage) || errors.Is(err, services.ErrMessageTooLong) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		h.logger.Error("update promo", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update promo",
		})
	}
	return c.JSON(fiber.Map{"success": true})
}
