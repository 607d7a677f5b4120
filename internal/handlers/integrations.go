package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/uniboxhq/unibox/internal/auth"
	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/integration"
)

const probeTimeout = 10 * time.Second

// IntegrationService manages channel integrations.
type IntegrationService interface {
	Upsert(ctx context.Context, input integration.UpsertInput) (channel.Integration, error)
	Get(ctx context.Context, accountID, integrationID string) (channel.Integration, error)
	List(ctx context.Context, accountID string) ([]channel.Integration, error)
	SetStatus(ctx context.Context, accountID, integrationID string, status channel.IntegrationStatus, note string) error
	Delete(ctx context.Context, accountID, integrationID string) error
}

// IntegrationHandler manages an account's channel connections.
type IntegrationHandler struct {
	logger       *slog.Logger
	registry     *channel.Registry
	integrations IntegrationService
}

// NewIntegrationHandler creates an IntegrationHandler.
func NewIntegrationHandler(log *slog.Logger, registry *channel.Registry, integrations IntegrationService) *IntegrationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &IntegrationHandler{
		logger:       log.With(slog.String("handler", "integration")),
		registry:     registry,
		integrations: integrations,
	}
}

// Register registers integration routes.
func (h *IntegrationHandler) Register(e *echo.Echo) {
	e.GET("/channels", h.ListChannels)

	group := e.Group("/integrations")
	group.GET("", h.List)
	group.PUT("/:channel", h.Upsert)
	group.DELETE("/:id", h.Delete)
	group.POST("/:id/test", h.Test)
}

// integrationView is the API shape of an integration. Credential values
// never leave the server; only the key names are echoed back.
type integrationView struct {
	ID             string                    `json:"id"`
	Channel        channel.ChannelType       `json:"channel"`
	Status         channel.IntegrationStatus `json:"status"`
	StatusNote     string                    `json:"status_note,omitempty"`
	Settings       map[string]any            `json:"settings,omitempty"`
	CredentialKeys []string                  `json:"credential_keys,omitempty"`
}

func viewOf(integ channel.Integration) integrationView {
	keys := make([]string, 0, len(integ.Credentials))
	for k := range integ.Credentials {
		keys = append(keys, k)
	}
	return integrationView{
		ID:             integ.ID,
		Channel:        integ.Channel,
		Status:         integ.Status,
		StatusNote:     integ.StatusNote,
		Settings:       integ.Settings,
		CredentialKeys: keys,
	}
}

// ListChannels returns the static metadata of every registered channel.
func (h *IntegrationHandler) ListChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.ListDescriptors())
}

// List returns the account's integrations without credential values.
func (h *IntegrationHandler) List(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.integrations.List(c.Request().Context(), principal.AccountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]integrationView, 0, len(items))
	for _, it := range items {
		views = append(views, viewOf(it))
	}
	return c.JSON(http.StatusOK, views)
}

// Upsert creates or replaces the account's integration for a channel.
func (h *IntegrationHandler) Upsert(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	channelType, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req struct {
		Credentials map[string]string `json:"credentials"`
		Settings    map[string]any    `json:"settings"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Credentials) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "credentials are required")
	}
	integ, err := h.integrations.Upsert(c.Request().Context(), integration.UpsertInput{
		AccountID:   principal.AccountID,
		Channel:     channelType,
		Credentials: req.Credentials,
		Settings:    req.Settings,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, viewOf(integ))
}

// Delete removes an integration.
func (h *IntegrationHandler) Delete(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	if err := h.integrations.Delete(c.Request().Context(), principal.AccountID, c.Param("id")); err != nil {
		return notFoundOr(err, integration.ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// Test runs the channel's connectivity probe and updates the
// integration's status from the outcome.
func (h *IntegrationHandler) Test(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	integ, err := h.integrations.Get(ctx, principal.AccountID, c.Param("id"))
	if err != nil {
		return notFoundOr(err, integration.ErrNotFound)
	}
	prober, ok := h.registry.Prober(integ.Channel)
	if !ok {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "channel has no connectivity probe")
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if probeErr := prober.Probe(probeCtx, integ); probeErr != nil {
		if err := h.integrations.SetStatus(ctx, principal.AccountID, integ.ID, channel.IntegrationError, probeErr.Error()); err != nil {
			h.logger.Error("record probe failure", slog.String("integration_id", integ.ID), slog.Any("error", err))
		}
		return c.JSON(http.StatusOK, map[string]any{"status": channel.IntegrationError, "error": probeErr.Error()})
	}
	if err := h.integrations.SetStatus(ctx, principal.AccountID, integ.ID, channel.IntegrationActive, ""); err != nil {
		h.logger.Error("record probe success", slog.String("integration_id", integ.ID), slog.Any("error", err))
	}
	return c.JSON(http.StatusOK, map[string]any{"status": channel.IntegrationActive})
}
