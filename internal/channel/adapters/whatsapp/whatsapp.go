package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/uniboxhq/unibox/internal/channel"
)

// Type is the WhatsApp Business channel type.
const Type = channel.ChannelWhatsApp

const (
	signatureHeader = "X-Hub-Signature-256"
	graphBaseURL    = "https://graph.facebook.com/v19.0"
)

// Adapter implements channel.Adapter, channel.InboundHandler,
// channel.Sender, channel.Prober, and channel.MediaFetcher for the
// WhatsApp Business Cloud API.
type Adapter struct {
	logger *slog.Logger
	// client covers Graph API calls; mediaClient covers content
	// downloads, which run off the ingestion path and may carry larger
	// payloads.
	client      *http.Client
	mediaClient *http.Client
	baseURL     string
}

// NewAdapter creates a WhatsApp Adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:      log.With(slog.String("adapter", "whatsapp")),
		client:      &http.Client{Timeout: 5 * time.Second},
		mediaClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:     graphBaseURL,
	}
}

// Type returns the WhatsApp channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the WhatsApp channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "WhatsApp Business",
		Capabilities: channel.Capabilities{
			CanSend:             true,
			SupportsMedia:       true,
			SupportsDeliveryAck: true,
			SupportsReadAck:     true,
		},
		CredentialKeys: []string{"access_token", "phone_number_id", "app_secret", "verify_token"},
	}
}

// webhookEnvelope mirrors the Cloud API webhook payload shape.
type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
				Statuses []inboundStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *mediaPayload `json:"image"`
	Audio    *mediaPayload `json:"audio"`
	Video    *mediaPayload `json:"video"`
	Document *mediaPayload `json:"document"`
}

type mediaPayload struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type inboundStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Errors []struct {
		Title string `json:"title"`
	} `json:"errors"`
}

// HandleInbound verifies the HMAC signature and converts the Cloud API
// envelope into normalized events and delivery statuses. One webhook call
// can carry both messages and statuses.
func (a *Adapter) HandleInbound(ctx context.Context, integ channel.Integration, payload []byte, headers http.Header) (channel.InboundResult, error) {
	if err := verifySignature(integ.Credential("app_secret"), payload, headers.Get(signatureHeader)); err != nil {
		return channel.InboundResult{}, err
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return channel.InboundResult{}, channel.NewValidationError("decode envelope: %v", err)
	}

	var result channel.InboundResult
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				result.Events = append(result.Events, a.toEvent(integ, msg, names[msg.From]))
			}
			for _, st := range change.Value.Statuses {
				reason := ""
				if len(st.Errors) > 0 {
					reason = st.Errors[0].Title
				}
				result.Statuses = append(result.Statuses, channel.DeliveryStatusEvent{
					ProviderMessageID: st.ID,
					Status:            st.Status,
					Reason:            reason,
				})
			}
		}
	}
	return result, nil
}

func verifySignature(appSecret string, payload []byte, header string) error {
	if appSecret == "" {
		return channel.NewAuthError("app_secret credential is missing")
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return channel.NewAuthError("missing hub signature")
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return channel.NewAuthError("malformed hub signature")
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	if !hmac.Equal(want, mac.Sum(nil)) {
		return channel.NewAuthError("hub signature mismatch")
	}
	return nil
}

func (a *Adapter) toEvent(integ channel.Integration, msg inboundMessage, contactName string) channel.InboundEvent {
	ev := channel.InboundEvent{
		AccountID:          integ.AccountID,
		IntegrationID:      integ.ID,
		Channel:            Type,
		ExternalContactKey: msg.From,
		ExternalMessageID:  msg.ID,
		ContactName:        contactName,
		ContactPhone:       "+" + msg.From,
		Timestamp:          parseEpoch(msg.Timestamp),
	}
	if msg.Text != nil {
		ev.Text = msg.Text.Body
	}
	switch {
	case msg.Image != nil:
		ev.Media = mediaRef(channel.MediaImage, msg.Image)
		ev.Text = firstNonEmpty(ev.Text, msg.Image.Caption)
	case msg.Audio != nil:
		ev.Media = mediaRef(channel.MediaAudio, msg.Audio)
	case msg.Video != nil:
		ev.Media = mediaRef(channel.MediaVideo, msg.Video)
		ev.Text = firstNonEmpty(ev.Text, msg.Video.Caption)
	case msg.Document != nil:
		ev.Media = mediaRef(channel.MediaDocument, msg.Document)
		ev.Text = firstNonEmpty(ev.Text, msg.Document.Caption)
	}
	return ev
}

func mediaRef(kind channel.MediaKind, m *mediaPayload) *channel.MediaRef {
	return &channel.MediaRef{
		Kind:           kind,
		ProviderFileID: m.ID,
		MIMEType:       m.MIMEType,
		FileName:       m.Filename,
	}
}

func parseEpoch(raw string) time.Time {
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *sendText     `json:"text,omitempty"`
	Image            *sendMedia    `json:"image,omitempty"`
	Audio            *sendMedia    `json:"audio,omitempty"`
	Video            *sendMedia    `json:"video,omitempty"`
	Document         *sendDocument `json:"document,omitempty"`
}

type sendText struct {
	Body string `json:"body"`
}

type sendMedia struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type sendDocument struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers one message via the Cloud API messages endpoint and
// returns the wamid for delivery-status correlation.
func (a *Adapter) Send(ctx context.Context, integ channel.Integration, target string, content channel.OutboundContent) (string, error) {
	token := integ.Credential("access_token")
	phoneNumberID := integ.Credential("phone_number_id")
	if token == "" || phoneNumberID == "" {
		return "", channel.NewAuthError("access_token and phone_number_id credentials are required")
	}
	to := strings.TrimPrefix(strings.TrimSpace(target), "+")
	if to == "" {
		return "", channel.NewValidationError("whatsapp target is required")
	}

	req := sendRequest{MessagingProduct: "whatsapp", To: to}
	switch {
	case content.Media != nil:
		media := &sendMedia{Link: content.Media.URL, Caption: content.Text}
		switch content.Media.Kind {
		case channel.MediaImage:
			req.Type, req.Image = "image", media
		case channel.MediaAudio:
			req.Type, req.Audio = "audio", &sendMedia{Link: content.Media.URL}
		case channel.MediaVideo:
			req.Type, req.Video = "video", media
		default:
			req.Type = "document"
			req.Document = &sendDocument{Link: content.Media.URL, Caption: content.Text, Filename: content.Media.FileName}
		}
	case strings.TrimSpace(content.Text) != "":
		req.Type = "text"
		req.Text = &sendText{Body: content.Text}
	default:
		return "", channel.NewValidationError("message text is required")
	}

	var resp sendResponse
	url := fmt.Sprintf("%s/%s/messages", a.baseURL, phoneNumberID)
	if err := a.doJSON(ctx, http.MethodPost, url, token, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", channel.NewTransientError(fmt.Errorf("send response carried no message id"))
	}
	return resp.Messages[0].ID, nil
}

// Probe verifies credentials by reading the phone number resource.
func (a *Adapter) Probe(ctx context.Context, integ channel.Integration) error {
	token := integ.Credential("access_token")
	phoneNumberID := integ.Credential("phone_number_id")
	if token == "" || phoneNumberID == "" {
		return channel.NewAuthError("access_token and phone_number_id credentials are required")
	}
	url := fmt.Sprintf("%s/%s", a.baseURL, phoneNumberID)
	return a.doJSON(ctx, http.MethodGet, url, token, nil, nil)
}

type mediaURLResponse struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
}

// FetchMedia resolves a media id to its short-lived download URL and
// fetches the content.
func (a *Adapter) FetchMedia(ctx context.Context, integ channel.Integration, ref channel.MediaRef) ([]byte, string, error) {
	token := integ.Credential("access_token")
	if token == "" {
		return nil, "", channel.NewAuthError("access_token credential is missing")
	}
	var meta mediaURLResponse
	if err := a.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/%s", a.baseURL, ref.ProviderFileID), token, nil, &meta); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.mediaClient.Do(req)
	if err != nil {
		return nil, "", channel.NewTransientError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus(resp.StatusCode, "download media")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", channel.NewTransientError(err)
	}
	mime := firstNonEmpty(meta.MIMEType, resp.Header.Get("Content-Type"), ref.MIMEType)
	return data, mime, nil
}

func (a *Adapter) doJSON(ctx context.Context, method, url, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.NewTransientError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		a.logger.Warn("graph api error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)))
		return classifyStatus(resp.StatusCode, method+" "+url)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func classifyStatus(status int, op string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return channel.NewAuthError("%s: status %d", op, status)
	case status == http.StatusNotFound:
		return channel.ErrNotFound
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return channel.NewValidationError("%s: status %d", op, status)
	default:
		return channel.NewTransientError(fmt.Errorf("%s: status %d", op, status))
	}
}

// VerifySubscription answers Meta's hub.challenge handshake during
// webhook registration.
func (a *Adapter) VerifySubscription(integ channel.Integration, mode, token, challenge string) (string, error) {
	if mode != "subscribe" || token == "" || token != integ.Credential("verify_token") {
		return "", channel.NewAuthError("verify token mismatch")
	}
	return challenge, nil
}
