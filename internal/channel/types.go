package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging or telephony channel.
type ChannelType string

const (
	ChannelTelegram  ChannelType = "telegram"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelTelephony ChannelType = "telephony"
	ChannelWebsite   ChannelType = "website"
)

// String returns the channel type as a string.
func (c ChannelType) String() string {
	return string(c)
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}

// IntegrationStatus is the lifecycle state of a channel integration.
type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationDisabled IntegrationStatus = "disabled"
	IntegrationError    IntegrationStatus = "error"
)

// Integration is one account's connection to a channel. Credentials are
// decrypted before an Integration reaches an adapter; adapters never see
// ciphertext.
type Integration struct {
	ID          string
	AccountID   string
	Channel     ChannelType
	Credentials map[string]string
	Settings    map[string]any
	Status      IntegrationStatus
	StatusNote  string
}

// Credential returns the named credential, or "" when absent.
func (i Integration) Credential(key string) string {
	return i.Credentials[key]
}

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaRef points at an attachment on the provider side. The normalizer
// downloads it into local storage before the message is persisted.
type MediaRef struct {
	Kind     MediaKind
	URL      string
	MIMEType string
	FileName string
	// ProviderFileID is set for providers that address media by id
	// instead of URL (Telegram, WhatsApp Cloud API).
	ProviderFileID string
}

// InboundEvent is one normalized inbound message produced by an adapter
// from a verified webhook payload. It is channel-agnostic: the normalizer
// consumes these without knowing which adapter produced them.
type InboundEvent struct {
	AccountID     string
	IntegrationID string
	Channel       ChannelType

	// ExternalContactKey is the provider-scoped identity of the sender
	// (chat id, phone number, visitor token). Together with AccountID and
	// Channel it keys conversation threading.
	ExternalContactKey string

	// ExternalMessageID is the provider's unique id for this message and
	// the idempotency key for inbound processing.
	ExternalMessageID string

	ContactName  string
	ContactPhone string
	ContactEmail string

	Text      string
	Media     *MediaRef
	Timestamp time.Time
	Metadata  map[string]any
}

// DeliveryStatusEvent is a provider delivery receipt for an outbound
// message, referenced by the provider's own message id.
type DeliveryStatusEvent struct {
	ProviderMessageID string
	// Status is the provider-reported state: "sent", "delivered",
	// "read" or "failed".
	Status string
	Reason string
}

// InboundResult is everything an adapter extracted from one webhook call.
type InboundResult struct {
	Events   []InboundEvent
	Statuses []DeliveryStatusEvent
}

// OutboundContent is the channel-agnostic body of an outbound message.
type OutboundContent struct {
	Text  string
	Media *MediaRef
}
