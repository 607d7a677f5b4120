// Package handlers holds the HTTP surface. Each handler is a struct
// registering its own routes on the echo instance.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/uniboxhq/unibox/internal/channel"
)

// maxWebhookBody caps how much of a provider callback is read.
const maxWebhookBody = 4 << 20

// WebhookIntegrations loads integrations for inbound routing.
type WebhookIntegrations interface {
	GetByID(ctx context.Context, integrationID string) (channel.Integration, error)
}

// InboundProcessor ingests the normalized result of one webhook.
type InboundProcessor interface {
	Process(ctx context.Context, integ channel.Integration, result channel.InboundResult) error
}

// WebhookHandler is the unauthenticated entry point for provider
// callbacks. The adapter verifies request authenticity against the
// integration's credentials before anything is trusted.
type WebhookHandler struct {
	logger       *slog.Logger
	registry     *channel.Registry
	integrations WebhookIntegrations
	processor    InboundProcessor
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, integrations WebhookIntegrations, processor InboundProcessor) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:       log.With(slog.String("handler", "webhook")),
		registry:     registry,
		integrations: integrations,
		processor:    processor,
	}
}

// Register registers webhook routes. These paths bypass JWT auth; the
// adapters carry their own verification.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/:channel/:integration_id", h.Receive)
	e.GET("/webhooks/:channel/:integration_id", h.Verify)
}

func (h *WebhookHandler) loadIntegration(c echo.Context) (channel.Integration, channel.ChannelType, error) {
	channelType, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return channel.Integration{}, "", echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	integ, err := h.integrations.GetByID(c.Request().Context(), c.Param("integration_id"))
	if err != nil {
		return channel.Integration{}, "", echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	if integ.Channel != channelType {
		return channel.Integration{}, "", echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	if integ.Status == channel.IntegrationDisabled {
		return channel.Integration{}, "", echo.NewHTTPError(http.StatusForbidden, "integration is disabled")
	}
	return integ, channelType, nil
}

// Receive handles one provider callback: verify, parse, ingest.
func (h *WebhookHandler) Receive(c echo.Context) error {
	integ, channelType, err := h.loadIntegration(c)
	if err != nil {
		return err
	}
	handler, ok := h.registry.InboundHandler(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel does not accept webhooks")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	result, err := handler.HandleInbound(c.Request().Context(), integ, body, c.Request().Header)
	if err != nil {
		switch {
		case channel.IsAuth(err):
			h.logger.Warn("webhook verification failed",
				slog.String("integration_id", integ.ID),
				slog.String("channel", channelType.String()),
				slog.Any("error", err))
			return echo.NewHTTPError(http.StatusUnauthorized, "verification failed")
		case channel.IsValidation(err):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
		}
	}

	// The provider is acknowledged once the payload is verified and
	// parsed. Storage failures are retried inside the processor, so a
	// transient outage never turns into a provider retry storm.
	if err := h.processor.Process(c.Request().Context(), integ, result); err != nil {
		h.logger.Error("inbound processing failed",
			slog.String("integration_id", integ.ID),
			slog.String("channel", channelType.String()),
			slog.Any("error", err))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Verify answers provider subscription handshakes (Meta's hub.challenge).
func (h *WebhookHandler) Verify(c echo.Context) error {
	integ, channelType, err := h.loadIntegration(c)
	if err != nil {
		return err
	}
	verifier, ok := h.registry.SubscriptionVerifier(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel has no verification handshake")
	}
	challenge, err := verifier.VerifySubscription(integ,
		c.QueryParam("hub.mode"), c.QueryParam("hub.verify_token"), c.QueryParam("hub.challenge"))
	if err != nil {
		if channel.IsAuth(err) {
			return echo.NewHTTPError(http.StatusForbidden, "verification failed")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.String(http.StatusOK, challenge)
}

// notFoundOr maps a service not-found error to 404 and everything else
// to 500.
func notFoundOr(err error, notFound error) error {
	if errors.Is(err, notFound) {
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
