package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/uniboxhq/unibox/internal/auth"
	"github.com/uniboxhq/unibox/internal/telephony"
)

// CallStore reads call history.
type CallStore interface {
	Get(ctx context.Context, accountID, callID string) (telephony.Call, error)
	List(ctx context.Context, accountID string, filter telephony.CallFilter) ([]telephony.Call, error)
}

// CallEngine drives live calls.
type CallEngine interface {
	Cancel(ctx context.Context, accountID, callID string, control telephony.CallControl) (telephony.Call, error)
	Originate(ctx context.Context, accountID, phone, callerID string, control telephony.CallControl) (telephony.Call, error)
}

// ControlSource hands out the PBX connection of an account.
type ControlSource interface {
	Control(accountID string) (telephony.CallControl, bool)
}

// CallHandler serves call history and live call commands.
type CallHandler struct {
	logger   *slog.Logger
	store    CallStore
	engine   CallEngine
	controls ControlSource
}

// NewCallHandler creates a CallHandler.
func NewCallHandler(log *slog.Logger, store CallStore, engine CallEngine, controls ControlSource) *CallHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CallHandler{
		logger:   log.With(slog.String("handler", "call")),
		store:    store,
		engine:   engine,
		controls: controls,
	}
}

// Register registers call routes.
func (h *CallHandler) Register(e *echo.Echo) {
	group := e.Group("/calls")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.POST("", h.Originate)
	group.POST("/:id/cancel", h.Cancel)
}

// List returns the account's calls, newest first.
func (h *CallHandler) List(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	filter := telephony.CallFilter{
		Status:    telephony.Status(strings.TrimSpace(c.QueryParam("status"))),
		Direction: telephony.Direction(strings.TrimSpace(c.QueryParam("direction"))),
		LeadID:    strings.TrimSpace(c.QueryParam("lead_id")),
		Limit:     intQuery(c, "limit"),
		Offset:    intQuery(c, "offset"),
	}
	calls, err := h.store.List(c.Request().Context(), principal.AccountID, filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if calls == nil {
		calls = []telephony.Call{}
	}
	return c.JSON(http.StatusOK, calls)
}

// Get returns one call.
func (h *CallHandler) Get(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	call, err := h.store.Get(c.Request().Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		return notFoundOr(err, telephony.ErrCallNotFound)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *CallHandler) control(principal auth.Principal) (telephony.CallControl, error) {
	control, ok := h.controls.Control(principal.AccountID)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "telephony is not connected")
	}
	return control, nil
}

// Originate places an outbound call.
func (h *CallHandler) Originate(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Phone    string `json:"phone"`
		CallerID string `json:"caller_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Phone) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phone is required")
	}
	control, err := h.control(principal)
	if err != nil {
		return err
	}
	call, err := h.engine.Originate(c.Request().Context(), principal.AccountID, req.Phone, req.CallerID, control)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, call)
}

// Cancel hangs up a call that has not completed yet. Cancelling an
// already-terminal call is a no-op.
func (h *CallHandler) Cancel(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	control, err := h.control(principal)
	if err != nil {
		return err
	}
	call, err := h.engine.Cancel(c.Request().Context(), principal.AccountID, c.Param("id"), control)
	if err != nil {
		if errors.Is(err, telephony.ErrCallNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, call)
}
