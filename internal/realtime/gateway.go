// Package realtime pushes domain events to connected browsers over
// websockets. Delivery is best-effort; clients reconcile through the
// REST API after a reconnect.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uniboxhq/unibox/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// frame is what goes over the wire.
type frame struct {
	Type    event.Type      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Gateway upgrades connections and fans events out per account. A
// socket only ever receives events of the account it authenticated for;
// the subscription key is taken from the verified principal, never from
// the client.
type Gateway struct {
	logger   *slog.Logger
	hub      *event.Hub
	upgrader websocket.Upgrader
}

// NewGateway creates the websocket gateway.
func NewGateway(log *slog.Logger, hub *event.Hub) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		logger: log.With(slog.String("service", "realtime")),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The JWT is the access control; origins vary per tenant.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and streams the account's events until the
// client goes away.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, accountID string) error {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	events, cancel := g.hub.Subscribe(accountID)
	defer cancel()
	g.logger.Debug("realtime client connected", slog.String("account_id", accountID))

	// Reader only services control frames and detects the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame{Type: ev.Type, Payload: ev.Payload}); err != nil {
				g.logger.Debug("realtime write failed",
					slog.String("account_id", accountID), slog.Any("error", err))
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
