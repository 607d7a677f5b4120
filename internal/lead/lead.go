package lead

import (
	"context"
	"time"
)

// Lead is a CRM contact owned by one account. The lead row carries the
// (source, contact_key) identity of the channel that created it; cross
// channel matching happens on the normalized phone number.
type Lead struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	Name      string         `json:"name"`
	Phone     string         `json:"phone,omitempty"`
	Email     string         `json:"email,omitempty"`
	Source    string         `json:"source"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ResolveInput is the identity observed on an inbound event.
type ResolveInput struct {
	AccountID          string
	Channel            string
	ExternalContactKey string
	Name               string
	Phone              string
	Email              string
}

// Store resolves and manages leads.
type Store interface {
	// Resolve finds the lead bound to (accountID, channel, externalContactKey),
	// falling back to phone match, and creates a new lead when nothing
	// matches. Only a freshly created lead records the contact key; a
	// phone match reuses the lead without overwriting the identity it
	// was born with. created is true when a new lead row was inserted.
	Resolve(ctx context.Context, input ResolveInput) (lead Lead, created bool, err error)
	Get(ctx context.Context, accountID, leadID string) (Lead, error)
	List(ctx context.Context, accountID string, query string, limit, offset int) ([]Lead, error)
	Update(ctx context.Context, accountID, leadID string, update UpdateInput) (Lead, error)
	// FindByPhone matches a normalized phone number, used by telephony
	// call resolution where no prior identity binding may exist.
	FindByPhone(ctx context.Context, accountID, phone string) (Lead, error)
}

// UpdateInput carries mutable lead fields. Nil members are left unchanged.
type UpdateInput struct {
	Name   *string
	Phone  *string
	Email  *string
	Fields map[string]any
}
