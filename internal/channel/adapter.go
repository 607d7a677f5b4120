package channel

import (
	"context"
	"net/http"
)

// Capabilities describes what a channel can do. Handlers use it to reject
// operations a channel does not support before touching the adapter.
type Capabilities struct {
	CanSend             bool `json:"can_send"`
	SupportsMedia       bool `json:"supports_media"`
	SupportsDeliveryAck bool `json:"supports_delivery_ack"`
	SupportsReadAck     bool `json:"supports_read_ack"`
}

// Descriptor is the static metadata of a channel adapter.
type Descriptor struct {
	Type         ChannelType  `json:"type"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
	// CredentialKeys lists the credential names the adapter expects in
	// Integration.Credentials.
	CredentialKeys []string `json:"credential_keys"`
}

// Adapter is the base contract every channel implements. Optional
// capabilities (inbound handling, outbound send, probing) are separate
// interfaces discovered by type assertion.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// InboundHandler parses verified webhook payloads into normalized events.
// Implementations must verify request authenticity from headers and
// integration credentials before trusting the payload, and return an
// AuthError when verification fails.
type InboundHandler interface {
	HandleInbound(ctx context.Context, integ Integration, payload []byte, headers http.Header) (InboundResult, error)
}

// Sender delivers one outbound message and returns the provider's message
// id for later delivery-status correlation.
type Sender interface {
	Send(ctx context.Context, integ Integration, target string, content OutboundContent) (providerMessageID string, err error)
}

// Prober checks that an integration's credentials still work against the
// provider. Used by the periodic health sweep.
type Prober interface {
	Probe(ctx context.Context, integ Integration) error
}

// SubscriptionVerifier answers a provider's GET verification handshake
// (a challenge echo) during webhook registration. Only channels whose
// provider requires one implement it.
type SubscriptionVerifier interface {
	VerifySubscription(integ Integration, mode, token, challenge string) (string, error)
}

// MediaFetcher downloads provider-hosted media referenced by an
// InboundEvent. Channels whose media URLs are directly fetchable do not
// need to implement it.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, integ Integration, ref MediaRef) (data []byte, mimeType string, err error)
}
