package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/internal/event"
)

func dialAccount(t *testing.T, srv *httptest.Server, accountID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + accountID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestGatewayDeliversOwnAccountOnly(t *testing.T) {
	hub := event.NewHub(nil)
	gw := NewGateway(nil, hub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimPrefix(r.URL.Path, "/")
		_ = gw.Serve(w, r, accountID)
	}))
	defer srv.Close()

	connA := dialAccount(t, srv, "acc-a")
	connB := dialAccount(t, srv, "acc-b")

	// Wait until both subscriptions are registered before publishing.
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("acc-a") == 1 && hub.SubscriberCount("acc-b") == 1
	}, time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]string{"id": "conv-1"})
	hub.Publish(event.Event{Type: event.TypeConversationUpdated, AccountID: "acc-a", Payload: payload})

	got := readFrame(t, connA)
	assert.Equal(t, event.TypeConversationUpdated, got.Type)
	assert.JSONEq(t, `{"id":"conv-1"}`, string(got.Payload))

	// The other tenant must see nothing.
	require.NoError(t, connB.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray frame
	err := connB.ReadJSON(&stray)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout") || websocket.IsUnexpectedCloseError(err))
}

func TestGatewayUnsubscribesOnDisconnect(t *testing.T) {
	hub := event.NewHub(nil)
	gw := NewGateway(nil, hub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = gw.Serve(w, r, "acc-a")
	}))
	defer srv.Close()

	conn := dialAccount(t, srv, "acc-a")
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("acc-a") == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("acc-a") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestGatewayStreamsMultipleEvents(t *testing.T) {
	hub := event.NewHub(nil)
	gw := NewGateway(nil, hub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = gw.Serve(w, r, "acc-a")
	}))
	defer srv.Close()

	conn := dialAccount(t, srv, "acc-a")
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("acc-a") == 1
	}, time.Second, 10*time.Millisecond)

	for _, typ := range []event.Type{event.TypeLeadCreated, event.TypeCallUpdated, event.TypeMessageStatusChanged} {
		hub.Publish(event.Event{Type: typ, AccountID: "acc-a", Payload: json.RawMessage(`{}`)})
	}
	assert.Equal(t, event.TypeLeadCreated, readFrame(t, conn).Type)
	assert.Equal(t, event.TypeCallUpdated, readFrame(t, conn).Type)
	assert.Equal(t, event.TypeMessageStatusChanged, readFrame(t, conn).Type)
}
