package website

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/uniboxhq/unibox/internal/channel"
)

// Type is the website form channel type.
const Type = channel.ChannelWebsite

const secretHeader = "X-Form-Secret"

// Adapter implements channel.Adapter and channel.InboundHandler for
// website form submissions. The channel is inbound only: there is no
// provider to deliver outbound messages to.
type Adapter struct {
	logger   *slog.Logger
	validate *validator.Validate
}

// NewAdapter creates a website form Adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "website")),
		validate: validator.New(),
	}
}

// Type returns the website channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the website channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           Type,
		DisplayName:    "Website Form",
		Capabilities:   channel.Capabilities{},
		CredentialKeys: []string{"form_secret"},
	}
}

// submission is the expected form payload. SubmissionID deduplicates
// retried posts from the embedding site.
type submission struct {
	SubmissionID string `json:"submission_id" validate:"required"`
	FormID       string `json:"form_id"`
	VisitorKey   string `json:"visitor_key"`
	Name         string `json:"name"`
	Email        string `json:"email" validate:"omitempty,email"`
	Phone        string `json:"phone"`
	Message      string `json:"message" validate:"required"`
	Page         string `json:"page"`
	SubmittedAt  int64  `json:"submitted_at"`
}

// HandleInbound verifies the shared form secret and converts one form
// submission into a normalized inbound event.
func (a *Adapter) HandleInbound(ctx context.Context, integ channel.Integration, payload []byte, headers http.Header) (channel.InboundResult, error) {
	secret := integ.Credential("form_secret")
	if secret == "" || subtleNeq(headers.Get(secretHeader), secret) {
		return channel.InboundResult{}, channel.NewAuthError("form secret mismatch")
	}

	var sub submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return channel.InboundResult{}, channel.NewValidationError("decode submission: %v", err)
	}
	if err := a.validate.Struct(sub); err != nil {
		return channel.InboundResult{}, channel.NewValidationError("invalid submission: %v", err)
	}

	ev := channel.InboundEvent{
		AccountID:          integ.AccountID,
		IntegrationID:      integ.ID,
		Channel:            Type,
		ExternalContactKey: contactKey(sub),
		ExternalMessageID:  sub.SubmissionID,
		ContactName:        strings.TrimSpace(sub.Name),
		ContactEmail:       strings.TrimSpace(sub.Email),
		ContactPhone:       strings.TrimSpace(sub.Phone),
		Text:               sub.Message,
		Timestamp:          submittedAt(sub),
		Metadata:           map[string]any{"form_id": sub.FormID, "page": sub.Page},
	}
	return channel.InboundResult{Events: []channel.InboundEvent{ev}}, nil
}

// contactKey prefers the site's visitor token so repeat submissions from
// one browser thread together; otherwise email or phone identifies the
// visitor. A submission with none of these gets a key derived from the
// submission id and stays a one-off thread.
func contactKey(sub submission) string {
	switch {
	case sub.VisitorKey != "":
		return sub.VisitorKey
	case sub.Email != "":
		return strings.ToLower(strings.TrimSpace(sub.Email))
	case sub.Phone != "":
		return strings.TrimSpace(sub.Phone)
	default:
		digest := sha256.Sum256([]byte(sub.SubmissionID))
		return "anon-" + hex.EncodeToString(digest[:8])
	}
}

func submittedAt(sub submission) time.Time {
	if sub.SubmittedAt > 0 {
		return time.Unix(sub.SubmittedAt, 0).UTC()
	}
	return time.Now().UTC()
}

func subtleNeq(got, want string) bool {
	return !hmac.Equal([]byte(got), []byte(want))
}

// Send always fails: website forms cannot receive messages.
func (a *Adapter) Send(ctx context.Context, integ channel.Integration, target string, content channel.OutboundContent) (string, error) {
	return "", fmt.Errorf("website: %w", channel.ErrSendUnsupported)
}
