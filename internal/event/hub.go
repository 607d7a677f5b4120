package event

import (
	"log/slog"
	"strings"
	"sync"
)

const subscriberBuffer = 64

// Hub is the in-process fan-out. Subscriptions are keyed by account id;
// an event is only ever delivered to subscribers of its own account.
// Delivery is best-effort: slow subscribers lose events instead of
// blocking the pipeline, and clients reconcile through the read API.
type Hub struct {
	logger *slog.Logger
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Event
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger: log.With(slog.String("component", "event_hub")),
		subs:   map[string]map[int]chan Event{},
	}
}

// Publish delivers the event to all subscribers of its account.
func (h *Hub) Publish(event Event) {
	accountID := strings.TrimSpace(event.AccountID)
	if accountID == "" {
		h.logger.Warn("dropping event without account scope", slog.String("type", string(event.Type)))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs[accountID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("subscriber buffer full, dropping event",
				slog.String("account_id", accountID),
				slog.String("type", string(event.Type)),
				slog.Int("subscriber", id),
			)
		}
	}
}

// Subscribe registers a listener for one account. The returned cancel
// must be called when the listener goes away; it closes the channel.
func (h *Hub) Subscribe(accountID string) (<-chan Event, func()) {
	accountID = strings.TrimSpace(accountID)
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[accountID] == nil {
		h.subs[accountID] = map[int]chan Event{}
	}
	h.subs[accountID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[accountID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.subs, accountID)
			}
		}
	}
	return ch, cancel
}

// SubscriberCount reports the number of live subscribers for an account.
func (h *Hub) SubscriberCount(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[strings.TrimSpace(accountID)])
}
