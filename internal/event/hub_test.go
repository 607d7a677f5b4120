package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishFor(h *Hub, accountID string, eventType Type) {
	h.Publish(Event{Type: eventType, AccountID: accountID, Payload: json.RawMessage(`{}`)})
}

func TestHubDeliversToOwnAccount(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe("acc-a")
	defer cancel()

	publishFor(hub, "acc-a", TypeConversationUpdated)

	select {
	case got := <-ch:
		assert.Equal(t, TypeConversationUpdated, got.Type)
		assert.Equal(t, "acc-a", got.AccountID)
	case <-time.After(time.Second):
		t.Fatal("expected event for own account")
	}
}

func TestHubTenantIsolation(t *testing.T) {
	hub := NewHub(nil)
	chA, cancelA := hub.Subscribe("acc-a")
	defer cancelA()
	chB, cancelB := hub.Subscribe("acc-b")
	defer cancelB()

	for range 10 {
		publishFor(hub, "acc-b", TypeCallUpdated)
	}

	// Account A must never see account B's events.
	select {
	case ev := <-chA:
		t.Fatalf("account A received foreign event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	require.Len(t, drain(chB), 10)
}

func TestHubDropsOnFullBuffer(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe("acc-a")
	defer cancel()

	for range subscriberBuffer + 20 {
		publishFor(hub, "acc-a", TypeMessageStatusChanged)
	}

	// Overflow is dropped, not blocking: exactly the buffer size arrives.
	assert.Len(t, drain(ch), subscriberBuffer)
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe("acc-a")
	cancel()
	cancel() // second cancel is a no-op

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.SubscriberCount("acc-a"))
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
