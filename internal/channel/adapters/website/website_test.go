package website

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/internal/channel"
)

func testIntegration() channel.Integration {
	return channel.Integration{
		ID:          "integ-web",
		AccountID:   "acc-1",
		Channel:     Type,
		Credentials: map[string]string{"form_secret": "shhh"},
		Status:      channel.IntegrationActive,
	}
}

func headersWithSecret(secret string) http.Header {
	h := http.Header{}
	h.Set(secretHeader, secret)
	return h
}

func TestHandleInbound_Submission(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(`{
		"submission_id": "sub-001",
		"form_id": "contact",
		"name": "Lin",
		"email": "Lin@Example.com",
		"phone": "+4915100",
		"message": "please call me back",
		"page": "/pricing",
		"submitted_at": 1700000000
	}`)

	res, err := a.HandleInbound(context.Background(), testIntegration(), payload, headersWithSecret("shhh"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, "sub-001", ev.ExternalMessageID)
	assert.Equal(t, "lin@example.com", ev.ExternalContactKey)
	assert.Equal(t, "Lin", ev.ContactName)
	assert.Equal(t, "please call me back", ev.Text)
	assert.Equal(t, int64(1700000000), ev.Timestamp.Unix())
}

func TestHandleInbound_VisitorKeyWinsOverEmail(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(`{
		"submission_id": "sub-002",
		"visitor_key": "v-777",
		"email": "lin@example.com",
		"message": "second question"
	}`)

	res, err := a.HandleInbound(context.Background(), testIntegration(), payload, headersWithSecret("shhh"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "v-777", res.Events[0].ExternalContactKey)
}

func TestHandleInbound_AnonymousGetsStableKey(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(`{"submission_id": "sub-003", "message": "anonymous hello"}`)

	res, err := a.HandleInbound(context.Background(), testIntegration(), payload, headersWithSecret("shhh"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Contains(t, res.Events[0].ExternalContactKey, "anon-")
}

func TestHandleInbound_BadSecret(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)
	payload := []byte(`{"submission_id": "sub-004", "message": "x"}`)

	_, err := a.HandleInbound(context.Background(), testIntegration(), payload, headersWithSecret("wrong"))
	assert.True(t, channel.IsAuth(err))
}

func TestHandleInbound_Invalid(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	_, err := a.HandleInbound(context.Background(), testIntegration(), []byte(`{"submission_id": "sub-005"}`), headersWithSecret("shhh"))
	assert.True(t, channel.IsValidation(err), "missing message must be rejected")

	_, err = a.HandleInbound(context.Background(), testIntegration(), []byte(`{"submission_id": "s", "message": "x", "email": "not-an-email"}`), headersWithSecret("shhh"))
	assert.True(t, channel.IsValidation(err), "malformed email must be rejected")
}

func TestSendUnsupported(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	_, err := a.Send(context.Background(), testIntegration(), "anyone", channel.OutboundContent{Text: "hi"})
	assert.True(t, errors.Is(err, channel.ErrSendUnsupported))
	assert.False(t, a.Descriptor().Capabilities.CanSend)
}
