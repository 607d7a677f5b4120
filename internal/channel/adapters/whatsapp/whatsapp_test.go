package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/internal/channel"
)

func testIntegration() channel.Integration {
	return channel.Integration{
		ID:        "integ-wa",
		AccountID: "acc-1",
		Channel:   Type,
		Credentials: map[string]string{
			"access_token":    "token-123",
			"phone_number_id": "1555000",
			"app_secret":      "app-secret",
			"verify_token":    "verify-me",
		},
		Status: channel.IntegrationActive,
	}
}

func sign(secret string, payload []byte) http.Header {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	h := http.Header{}
	h.Set(signatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return h
}

const messageEnvelope = `{
	"entry": [{"changes": [{"value": {
		"contacts": [{"wa_id": "49151000111", "profile": {"name": "Grace"}}],
		"messages": [{
			"id": "wamid.abc",
			"from": "49151000111",
			"timestamp": "1700000000",
			"type": "text",
			"text": {"body": "I want a quote"}
		}]
	}}]}]
}`

func TestHandleInbound_Message(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(messageEnvelope)

	res, err := a.HandleInbound(context.Background(), testIntegration(), payload, sign("app-secret", payload))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, "49151000111", ev.ExternalContactKey)
	assert.Equal(t, "wamid.abc", ev.ExternalMessageID)
	assert.Equal(t, "Grace", ev.ContactName)
	assert.Equal(t, "+49151000111", ev.ContactPhone)
	assert.Equal(t, "I want a quote", ev.Text)
}

func TestHandleInbound_Statuses(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(`{
		"entry": [{"changes": [{"value": {
			"statuses": [
				{"id": "wamid.out1", "status": "delivered"},
				{"id": "wamid.out2", "status": "failed", "errors": [{"title": "recipient blocked"}]}
			]
		}}]}]
	}`)

	res, err := a.HandleInbound(context.Background(), testIntegration(), payload, sign("app-secret", payload))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	require.Len(t, res.Statuses, 2)
	assert.Equal(t, "delivered", res.Statuses[0].Status)
	assert.Equal(t, "failed", res.Statuses[1].Status)
	assert.Equal(t, "recipient blocked", res.Statuses[1].Reason)
}

func TestHandleInbound_BadSignature(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(messageEnvelope)

	_, err := a.HandleInbound(context.Background(), testIntegration(), payload, sign("wrong-secret", payload))
	require.Error(t, err)
	assert.True(t, channel.IsAuth(err))

	_, err = a.HandleInbound(context.Background(), testIntegration(), payload, http.Header{})
	require.Error(t, err)
	assert.True(t, channel.IsAuth(err))
}

func TestHandleInbound_MediaMessage(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(`{
		"entry": [{"changes": [{"value": {
			"messages": [{
				"id": "wamid.img",
				"from": "49151000111",
				"timestamp": "1700000050",
				"type": "image",
				"image": {"id": "media-9", "mime_type": "image/jpeg", "caption": "site photo"}
			}]
		}}]}]
	}`)

	res, err := a.HandleInbound(context.Background(), testIntegration(), payload, sign("app-secret", payload))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	require.NotNil(t, ev.Media)
	assert.Equal(t, channel.MediaImage, ev.Media.Kind)
	assert.Equal(t, "media-9", ev.Media.ProviderFileID)
	assert.Equal(t, "site photo", ev.Text)
}

func TestSend_Text(t *testing.T) {
	t.Parallel()
	var captured sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/1555000/messages", r.URL.Path)
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(sendResponse{Messages: []struct {
			ID string `json:"id"`
		}{{ID: "wamid.sent"}}})
	}))
	defer srv.Close()

	a := NewAdapter(nil)
	a.baseURL = srv.URL

	id, err := a.Send(context.Background(), testIntegration(), "+49151000111", channel.OutboundContent{Text: "your quote is ready"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.sent", id)
	assert.Equal(t, "whatsapp", captured.MessagingProduct)
	assert.Equal(t, "49151000111", captured.To)
	assert.Equal(t, "text", captured.Type)
	require.NotNil(t, captured.Text)
	assert.Equal(t, "your quote is ready", captured.Text.Body)
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := NewAdapter(nil)
	a.baseURL = srv.URL
	integ := testIntegration()

	_, err := a.Send(context.Background(), integ, "49151000111", channel.OutboundContent{Text: "x"})
	assert.True(t, channel.IsAuth(err))

	status = http.StatusBadRequest
	_, err = a.Send(context.Background(), integ, "49151000111", channel.OutboundContent{Text: "x"})
	assert.True(t, channel.IsValidation(err))

	status = http.StatusInternalServerError
	_, err = a.Send(context.Background(), integ, "49151000111", channel.OutboundContent{Text: "x"})
	assert.True(t, channel.IsTransient(err))

	status = http.StatusTooManyRequests
	_, err = a.Send(context.Background(), integ, "49151000111", channel.OutboundContent{Text: "x"})
	assert.True(t, channel.IsTransient(err))
}

func TestVerifySubscription(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	integ := testIntegration()

	challenge, err := a.VerifySubscription(integ, "subscribe", "verify-me", "12345")
	require.NoError(t, err)
	assert.Equal(t, "12345", challenge)

	_, err = a.VerifySubscription(integ, "subscribe", "wrong", "12345")
	assert.True(t, channel.IsAuth(err))

	_, err = a.VerifySubscription(integ, "unsubscribe", "verify-me", "12345")
	assert.True(t, channel.IsAuth(err))
}
