package conversation

import (
	"time"

	"github.com/uniboxhq/unibox/internal/channel"
)

// Status is the conversation lifecycle state. Only one open conversation
// may exist per (account, channel, external contact key); closing or
// archiving frees the key for a new thread.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus tracks an outbound message through the provider.
// Inbound messages are stored as received.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusReceived  DeliveryStatus = "received"
)

// statusRank orders the delivery ladder. Failed sits outside the ladder
// and is guarded separately: a failed message never advances.
var statusRank = map[DeliveryStatus]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Advances reports whether moving from to next is a forward step on the
// delivery ladder. Regressions and repeats are ignored.
func Advances(from, to DeliveryStatus) bool {
	if from == StatusFailed || from == StatusReceived {
		return false
	}
	if to == StatusFailed {
		return from != StatusDelivered && from != StatusRead
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Conversation is one thread with a contact on one channel.
type Conversation struct {
	ID                 string              `json:"id"`
	AccountID          string              `json:"account_id"`
	Channel            channel.ChannelType `json:"channel"`
	ExternalContactKey string              `json:"external_contact_key"`
	LeadID             string              `json:"lead_id,omitempty"`
	Status             Status              `json:"status"`
	AssignedToUserID   string              `json:"assigned_to_user_id,omitempty"`
	UnreadCount        int                 `json:"unread_count"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	LastMessageAt      time.Time           `json:"last_message_at"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Message is one entry in a conversation's history.
type Message struct {
	ID                string              `json:"id"`
	AccountID         string              `json:"account_id"`
	ConversationID    string              `json:"conversation_id"`
	Direction         Direction           `json:"direction"`
	Content           string              `json:"content"`
	Status            DeliveryStatus      `json:"status"`
	StatusReason      string              `json:"status_reason,omitempty"`
	ExternalMessageID string              `json:"external_message_id,omitempty"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	Channel           channel.ChannelType `json:"channel"`
	Media             []MediaFile         `json:"media,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// MediaFile is a stored attachment belonging to a message.
type MediaFile struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url"`
	MIME      string    `json:"mime"`
	FileName  string    `json:"file_name,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter narrows the conversation list.
type ListFilter struct {
	Status           Status
	Channel          channel.ChannelType
	AssignedToUserID string
	Query            string
	Limit            int
	Offset           int
}

// InsertMessageInput creates one message row.
type InsertMessageInput struct {
	AccountID         string
	ConversationID    string
	Direction         Direction
	Content           string
	Status            DeliveryStatus
	ExternalMessageID string
	ProviderMessageID string
	Channel           channel.ChannelType
	CreatedAt         time.Time
}
