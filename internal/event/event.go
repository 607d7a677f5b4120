// Package event defines the domain events the engine emits and the
// in-process hub that fans them out to realtime subscribers.
package event

import "encoding/json"

// Type identifies a domain event kind.
type Type string

const (
	TypeConversationUpdated  Type = "conversation_updated"
	TypeCallUpdated          Type = "call_updated"
	TypeLeadCreated          Type = "lead_created"
	TypeMessageStatusChanged Type = "message_status_changed"
)

// Event is one state change scoped to a tenant. Payload is the JSON form
// of the changed entity; subscribers treat it as opaque.
type Event struct {
	Type      Type            `json:"type"`
	AccountID string          `json:"account_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher publishes domain events. Best-effort: a publish never blocks
// and never fails the caller.
type Publisher interface {
	Publish(event Event)
}

// Subscriber registers per-account event listeners.
type Subscriber interface {
	Subscribe(accountID string) (<-chan Event, func())
}
