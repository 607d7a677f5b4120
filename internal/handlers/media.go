package handlers

import (
	"github.com/labstack/echo/v4"
)

// MediaHandler serves stored attachments and call recordings from the
// local media root. URLs under /media are recorded on messages and
// recordings by the media store.
type MediaHandler struct {
	root string
}

// NewMediaHandler creates a MediaHandler serving files from root.
func NewMediaHandler(root string) *MediaHandler {
	return &MediaHandler{root: root}
}

// Register registers the static media route.
func (h *MediaHandler) Register(e *echo.Echo) {
	e.Static("/media", h.root)
}
