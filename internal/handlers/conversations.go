package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/uniboxhq/unibox/internal/auth"
	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/conversation"
	"github.com/uniboxhq/unibox/internal/dispatch"
)

// ConversationService is the slice of the conversation store the handler
// needs.
type ConversationService interface {
	Get(ctx context.Context, accountID, conversationID string) (conversation.Conversation, error)
	List(ctx context.Context, accountID string, filter conversation.ListFilter) ([]conversation.Conversation, error)
	Assign(ctx context.Context, accountID, conversationID, userID string) (conversation.Conversation, error)
	SetStatus(ctx context.Context, accountID, conversationID string, status conversation.Status) (conversation.Conversation, error)
	MarkRead(ctx context.Context, accountID, conversationID string) error
	ListMessages(ctx context.Context, accountID, conversationID string, limit, offset int) ([]conversation.Message, error)
}

// MessageDispatcher queues outbound messages.
type MessageDispatcher interface {
	Send(ctx context.Context, accountID, conversationID string, content channel.OutboundContent) (conversation.Message, error)
	Cancel(ctx context.Context, accountID, conversationID, messageID string) (conversation.Message, error)
}

// PresenceTracker records who is viewing a conversation.
type PresenceTracker interface {
	Heartbeat(ctx context.Context, accountID, conversationID, userID string) error
	Leave(ctx context.Context, accountID, conversationID, userID string) error
	Viewers(ctx context.Context, accountID, conversationID string) ([]string, error)
}

// ConversationHandler serves the dashboard inbox.
type ConversationHandler struct {
	logger        *slog.Logger
	conversations ConversationService
	dispatcher    MessageDispatcher
	presence      PresenceTracker
}

// NewConversationHandler creates a ConversationHandler. presence is
// optional.
func NewConversationHandler(log *slog.Logger, conversations ConversationService, dispatcher MessageDispatcher, presence PresenceTracker) *ConversationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationHandler{
		logger:        log.With(slog.String("handler", "conversation")),
		conversations: conversations,
		dispatcher:    dispatcher,
		presence:      presence,
	}
}

// Register registers all conversation routes.
func (h *ConversationHandler) Register(e *echo.Echo) {
	group := e.Group("/conversations")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.POST("/:id/assign", h.Assign)
	group.POST("/:id/status", h.SetStatus)
	group.POST("/:id/read", h.MarkRead)
	group.GET("/:id/messages", h.ListMessages)
	group.POST("/:id/messages", h.SendMessage)
	group.DELETE("/:id/messages/:message_id", h.CancelMessage)
	group.POST("/:id/viewing", h.MarkViewing)
	group.DELETE("/:id/viewing", h.ClearViewing)
	group.GET("/:id/viewing", h.ListViewers)
}

func intQuery(c echo.Context, name string) int {
	v, _ := strconv.Atoi(c.QueryParam(name))
	return v
}

// List returns the account's conversations, most recent activity first.
func (h *ConversationHandler) List(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	filter := conversation.ListFilter{
		Status:           conversation.Status(strings.TrimSpace(c.QueryParam("status"))),
		Channel:          channel.ChannelType(strings.TrimSpace(c.QueryParam("channel"))),
		AssignedToUserID: strings.TrimSpace(c.QueryParam("assigned_to")),
		Query:            c.QueryParam("q"),
		Limit:            intQuery(c, "limit"),
		Offset:           intQuery(c, "offset"),
	}
	items, err := h.conversations.List(c.Request().Context(), principal.AccountID, filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []conversation.Conversation{}
	}
	return c.JSON(http.StatusOK, items)
}

type conversationDetail struct {
	conversation.Conversation
	Messages []conversation.Message `json:"messages"`
}

// Get returns one conversation with its most recent messages.
func (h *ConversationHandler) Get(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, err := h.conversations.Get(ctx, principal.AccountID, c.Param("id"))
	if err != nil {
		return notFoundOr(err, conversation.ErrNotFound)
	}
	messages, err := h.conversations.ListMessages(ctx, principal.AccountID, conv.ID, intQuery(c, "limit"), 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if messages == nil {
		messages = []conversation.Message{}
	}
	return c.JSON(http.StatusOK, conversationDetail{Conversation: conv, Messages: messages})
}

// Assign sets or clears the conversation's assignee.
func (h *ConversationHandler) Assign(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conv, err := h.conversations.Assign(c.Request().Context(), principal.AccountID, c.Param("id"), strings.TrimSpace(req.UserID))
	if err != nil {
		return notFoundOr(err, conversation.ErrNotFound)
	}
	return c.JSON(http.StatusOK, conv)
}

// SetStatus moves the conversation to open, closed or archived.
func (h *ConversationHandler) SetStatus(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := conversation.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case conversation.StatusOpen, conversation.StatusClosed, conversation.StatusArchived:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be open, closed or archived")
	}
	conv, err := h.conversations.SetStatus(c.Request().Context(), principal.AccountID, c.Param("id"), status)
	if err != nil {
		return notFoundOr(err, conversation.ErrNotFound)
	}
	return c.JSON(http.StatusOK, conv)
}

// MarkRead zeroes the unread counter.
func (h *ConversationHandler) MarkRead(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	if err := h.conversations.MarkRead(c.Request().Context(), principal.AccountID, c.Param("id")); err != nil {
		return notFoundOr(err, conversation.ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListMessages returns the conversation history.
func (h *ConversationHandler) ListMessages(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	messages, err := h.conversations.ListMessages(c.Request().Context(), principal.AccountID, c.Param("id"),
		intQuery(c, "limit"), intQuery(c, "offset"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if messages == nil {
		messages = []conversation.Message{}
	}
	return c.JSON(http.StatusOK, messages)
}

type sendMessageRequest struct {
	Text  string `json:"text"`
	Media *struct {
		Kind     string `json:"kind"`
		URL      string `json:"url"`
		MIMEType string `json:"mime_type"`
		FileName string `json:"file_name"`
	} `json:"media"`
}

// SendMessage queues an outbound message for delivery. The response is
// the queued message; progress arrives over the realtime stream.
func (h *ConversationHandler) SendMessage(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" && req.Media == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "text or media is required")
	}
	content := channel.OutboundContent{Text: req.Text}
	if req.Media != nil {
		content.Media = &channel.MediaRef{
			Kind:     channel.MediaKind(req.Media.Kind),
			URL:      req.Media.URL,
			MIMEType: req.Media.MIMEType,
			FileName: req.Media.FileName,
		}
	}
	msg, err := h.dispatcher.Send(c.Request().Context(), principal.AccountID, c.Param("id"), content)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, msg)
	case errors.Is(err, conversation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrConversationClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, channel.ErrSendUnsupported):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// CancelMessage withdraws a still-queued outbound message.
func (h *ConversationHandler) CancelMessage(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	msg, err := h.dispatcher.Cancel(c.Request().Context(), principal.AccountID, c.Param("id"), c.Param("message_id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, msg)
	case errors.Is(err, conversation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNotCancellable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// MarkViewing records that the caller has the thread on screen.
func (h *ConversationHandler) MarkViewing(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	if h.presence == nil {
		return c.NoContent(http.StatusNoContent)
	}
	if err := h.presence.Heartbeat(c.Request().Context(), principal.AccountID, c.Param("id"), principal.UserID); err != nil {
		h.logger.Warn("presence heartbeat failed", slog.Any("error", err))
	}
	return c.NoContent(http.StatusNoContent)
}

// ClearViewing records that the caller navigated away.
func (h *ConversationHandler) ClearViewing(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	if h.presence == nil {
		return c.NoContent(http.StatusNoContent)
	}
	if err := h.presence.Leave(c.Request().Context(), principal.AccountID, c.Param("id"), principal.UserID); err != nil {
		h.logger.Warn("presence leave failed", slog.Any("error", err))
	}
	return c.NoContent(http.StatusNoContent)
}

// ListViewers returns who currently has the thread open.
func (h *ConversationHandler) ListViewers(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	viewers := []string{}
	if h.presence != nil {
		v, err := h.presence.Viewers(c.Request().Context(), principal.AccountID, c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if v != nil {
			viewers = v
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"viewers": viewers})
}
