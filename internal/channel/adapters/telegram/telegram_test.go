package telegram

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/internal/channel"
)

func testIntegration() channel.Integration {
	return channel.Integration{
		ID:        "integ-1",
		AccountID: "acc-1",
		Channel:   Type,
		Credentials: map[string]string{
			"bot_token":      "123:abc",
			"webhook_secret": "s3cret",
		},
		Status: channel.IntegrationActive,
	}
}

func headersWithSecret(secret string) http.Header {
	h := http.Header{}
	h.Set(secretTokenHeader, secret)
	return h
}

const textUpdate = `{
	"update_id": 10,
	"message": {
		"message_id": 42,
		"date": 1700000000,
		"chat": {"id": 555123, "type": "private"},
		"from": {"id": 555123, "first_name": "Ada", "last_name": "Lovelace", "username": "ada"},
		"text": "hello there"
	}
}`

func TestHandleInbound_Text(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	res, err := a.HandleInbound(context.Background(), testIntegration(), []byte(textUpdate), headersWithSecret("s3cret"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, "acc-1", ev.AccountID)
	assert.Equal(t, "integ-1", ev.IntegrationID)
	assert.Equal(t, Type, ev.Channel)
	assert.Equal(t, "555123", ev.ExternalContactKey)
	assert.Equal(t, "555123:42", ev.ExternalMessageID)
	assert.Equal(t, "Ada Lovelace", ev.ContactName)
	assert.Equal(t, "hello there", ev.Text)
	assert.Nil(t, ev.Media)
	assert.Empty(t, res.Statuses)
}

func TestHandleInbound_BadSecret(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	_, err := a.HandleInbound(context.Background(), testIntegration(), []byte(textUpdate), headersWithSecret("wrong"))
	require.Error(t, err)
	assert.True(t, channel.IsAuth(err))

	_, err = a.HandleInbound(context.Background(), testIntegration(), []byte(textUpdate), http.Header{})
	require.Error(t, err)
	assert.True(t, channel.IsAuth(err))
}

func TestHandleInbound_MalformedPayload(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	_, err := a.HandleInbound(context.Background(), testIntegration(), []byte("{not json"), headersWithSecret("s3cret"))
	require.Error(t, err)
	assert.True(t, channel.IsValidation(err))
}

func TestHandleInbound_ServiceUpdateIgnored(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	res, err := a.HandleInbound(context.Background(), testIntegration(), []byte(`{"update_id": 11}`), headersWithSecret("s3cret"))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestHandleInbound_PhotoPicksLargestSize(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	payload := `{
		"update_id": 12,
		"message": {
			"message_id": 43,
			"date": 1700000100,
			"chat": {"id": 555123, "type": "private"},
			"caption": "look at this",
			"photo": [
				{"file_id": "small", "width": 90, "height": 90},
				{"file_id": "large", "width": 800, "height": 800}
			]
		}
	}`
	res, err := a.HandleInbound(context.Background(), testIntegration(), []byte(payload), headersWithSecret("s3cret"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, "look at this", ev.Text)
	require.NotNil(t, ev.Media)
	assert.Equal(t, channel.MediaImage, ev.Media.Kind)
	assert.Equal(t, "large", ev.Media.ProviderFileID)
}

func TestSend_InvalidTarget(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	_, err := a.Send(context.Background(), testIntegration(), "@not-a-chat-id", channel.OutboundContent{Text: "hi"})
	require.Error(t, err)
	assert.True(t, channel.IsValidation(err))
}

func TestSend_MissingToken(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil)

	integ := testIntegration()
	integ.Credentials = nil
	_, err := a.Send(context.Background(), integ, "555123", channel.OutboundContent{Text: "hi"})
	require.Error(t, err)
	assert.True(t, channel.IsAuth(err))
}

func TestDescriptorCapabilities(t *testing.T) {
	t.Parallel()
	desc := NewAdapter(nil).Descriptor()
	assert.True(t, desc.Capabilities.CanSend)
	assert.False(t, desc.Capabilities.SupportsDeliveryAck)
	assert.False(t, desc.Capabilities.SupportsReadAck)
}
