package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/uniboxhq/unibox/internal/auth"
	"github.com/uniboxhq/unibox/internal/lead"
)

// LeadService is the slice of the lead store the handler needs.
type LeadService interface {
	Get(ctx context.Context, accountID, leadID string) (lead.Lead, error)
	List(ctx context.Context, accountID string, query string, limit, offset int) ([]lead.Lead, error)
	Update(ctx context.Context, accountID, leadID string, update lead.UpdateInput) (lead.Lead, error)
}

// LeadHandler serves the CRM contacts born from inbound traffic.
type LeadHandler struct {
	logger *slog.Logger
	leads  LeadService
}

// NewLeadHandler creates a LeadHandler.
func NewLeadHandler(log *slog.Logger, leads LeadService) *LeadHandler {
	if log == nil {
		log = slog.Default()
	}
	return &LeadHandler{
		logger: log.With(slog.String("handler", "lead")),
		leads:  leads,
	}
}

// Register registers lead routes.
func (h *LeadHandler) Register(e *echo.Echo) {
	group := e.Group("/leads")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.PATCH("/:id", h.Update)
}

// List returns the account's leads, optionally filtered by a name,
// phone or email substring.
func (h *LeadHandler) List(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.leads.List(c.Request().Context(), principal.AccountID, c.QueryParam("q"),
		intQuery(c, "limit"), intQuery(c, "offset"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []lead.Lead{}
	}
	return c.JSON(http.StatusOK, items)
}

// Get returns one lead.
func (h *LeadHandler) Get(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	l, err := h.leads.Get(c.Request().Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		return notFoundOr(err, lead.ErrNotFound)
	}
	return c.JSON(http.StatusOK, l)
}

// Update patches lead fields. Absent fields are left untouched.
func (h *LeadHandler) Update(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Name   *string        `json:"name"`
		Phone  *string        `json:"phone"`
		Email  *string        `json:"email"`
		Fields map[string]any `json:"fields"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.leads.Update(c.Request().Context(), principal.AccountID, c.Param("id"), lead.UpdateInput{
		Name:   req.Name,
		Phone:  req.Phone,
		Email:  req.Email,
		Fields: req.Fields,
	})
	if err != nil {
		return notFoundOr(err, lead.ErrNotFound)
	}
	return c.JSON(http.StatusOK, l)
}
