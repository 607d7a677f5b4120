package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/uniboxhq/unibox/internal/auth"
	"github.com/uniboxhq/unibox/internal/realtime"
)

// RealtimeHandler upgrades dashboard sessions to websockets. The token
// is validated here instead of in the JWT middleware because browsers
// cannot set headers on websocket dials; the token rides in the query.
type RealtimeHandler struct {
	logger    *slog.Logger
	gateway   *realtime.Gateway
	jwtSecret string
}

// NewRealtimeHandler creates a RealtimeHandler.
func NewRealtimeHandler(log *slog.Logger, gateway *realtime.Gateway, jwtSecret string) *RealtimeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RealtimeHandler{
		logger:    log.With(slog.String("handler", "realtime")),
		gateway:   gateway,
		jwtSecret: jwtSecret,
	}
}

// Register registers the websocket route.
func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/realtime", h.Stream)
}

// Stream authenticates and hands the connection to the gateway.
func (h *RealtimeHandler) Stream(c echo.Context) error {
	token := strings.TrimSpace(c.QueryParam("token"))
	if token == "" {
		token = strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "token is required")
	}
	principal, err := auth.ParseToken(token, h.jwtSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return h.gateway.Serve(c.Response(), c.Request(), principal.AccountID)
}
