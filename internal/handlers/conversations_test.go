package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/internal/auth"
	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/conversation"
	"github.com/uniboxhq/unibox/internal/dispatch"
)

const testSecret = "test-secret"

func bearerToken(t *testing.T, accountID, userID string) string {
	t.Helper()
	token, _, err := auth.GenerateToken(auth.Principal{AccountID: accountID, UserID: userID}, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func newAuthedEcho(handlers ...interface{ Register(e *echo.Echo) }) *echo.Echo {
	e := echo.New()
	e.Use(auth.JWTMiddleware(testSecret, nil))
	for _, h := range handlers {
		h.Register(e)
	}
	return e
}

func doJSON(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type fakeConversationService struct {
	conversations map[string]conversation.Conversation
	messages      map[string][]conversation.Message
	readCalls     []string
	statusSet     map[string]conversation.Status
}

func newFakeConversationService() *fakeConversationService {
	return &fakeConversationService{
		conversations: map[string]conversation.Conversation{},
		messages:      map[string][]conversation.Message{},
		statusSet:     map[string]conversation.Status{},
	}
}

func (f *fakeConversationService) Get(ctx context.Context, accountID, conversationID string) (conversation.Conversation, error) {
	c, ok := f.conversations[conversationID]
	if !ok || c.AccountID != accountID {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (f *fakeConversationService) List(ctx context.Context, accountID string, filter conversation.ListFilter) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	for _, c := range f.conversations {
		if c.AccountID != accountID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeConversationService) Assign(ctx context.Context, accountID, conversationID, userID string) (conversation.Conversation, error) {
	c, err := f.Get(ctx, accountID, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.AssignedToUserID = userID
	f.conversations[conversationID] = c
	return c, nil
}

func (f *fakeConversationService) SetStatus(ctx context.Context, accountID, conversationID string, status conversation.Status) (conversation.Conversation, error) {
	c, err := f.Get(ctx, accountID, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.Status = status
	f.conversations[conversationID] = c
	f.statusSet[conversationID] = status
	return c, nil
}

func (f *fakeConversationService) MarkRead(ctx context.Context, accountID, conversationID string) error {
	f.readCalls = append(f.readCalls, conversationID)
	return nil
}

func (f *fakeConversationService) ListMessages(ctx context.Context, accountID, conversationID string, limit, offset int) ([]conversation.Message, error) {
	return f.messages[conversationID], nil
}

type fakeDispatcher struct {
	sent      []channel.OutboundContent
	sendErr   error
	cancelErr error
}

func (f *fakeDispatcher) Send(ctx context.Context, accountID, conversationID string, content channel.OutboundContent) (conversation.Message, error) {
	if f.sendErr != nil {
		return conversation.Message{}, f.sendErr
	}
	f.sent = append(f.sent, content)
	return conversation.Message{
		ID:             "msg-1",
		AccountID:      accountID,
		ConversationID: conversationID,
		Direction:      conversation.DirectionOutbound,
		Content:        content.Text,
		Status:         conversation.StatusQueued,
	}, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, accountID, conversationID, messageID string) (conversation.Message, error) {
	if f.cancelErr != nil {
		return conversation.Message{}, f.cancelErr
	}
	return conversation.Message{ID: messageID, Status: conversation.StatusFailed, StatusReason: "cancelled by operator"}, nil
}

func seededConversationEcho(t *testing.T) (*echo.Echo, *fakeConversationService, *fakeDispatcher) {
	t.Helper()
	svc := newFakeConversationService()
	svc.conversations["conv-1"] = conversation.Conversation{
		ID:        "conv-1",
		AccountID: "acc-1",
		Channel:   channel.ChannelTelegram,
		Status:    conversation.StatusOpen,
	}
	svc.messages["conv-1"] = []conversation.Message{
		{ID: "msg-1", ConversationID: "conv-1", Content: "hi", Direction: conversation.DirectionInbound},
	}
	disp := &fakeDispatcher{}
	e := newAuthedEcho(NewConversationHandler(nil, svc, disp, nil))
	return e, svc, disp
}

func TestConversations_RequireAuth(t *testing.T) {
	e, _, _ := seededConversationEcho(t)
	rec := doJSON(e, http.MethodGet, "/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversations_GetWithMessages(t *testing.T) {
	e, _, _ := seededConversationEcho(t)
	rec := doJSON(e, http.MethodGet, "/conversations/conv-1", bearerToken(t, "acc-1", "user-1"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		ID       string                 `json:"id"`
		Messages []conversation.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "conv-1", detail.ID)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "hi", detail.Messages[0].Content)
}

func TestConversations_TenantScopedGet(t *testing.T) {
	e, _, _ := seededConversationEcho(t)
	rec := doJSON(e, http.MethodGet, "/conversations/conv-1", bearerToken(t, "acc-other", "user-1"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "another tenant must not see the conversation")
}

func TestConversations_SendMessage(t *testing.T) {
	e, _, disp := seededConversationEcho(t)
	rec := doJSON(e, http.MethodPost, "/conversations/conv-1/messages",
		bearerToken(t, "acc-1", "user-1"), `{"text":"hello there"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, disp.sent, 1)
	assert.Equal(t, "hello there", disp.sent[0].Text)
}

func TestConversations_SendEmptyRejected(t *testing.T) {
	e, _, _ := seededConversationEcho(t)
	rec := doJSON(e, http.MethodPost, "/conversations/conv-1/messages",
		bearerToken(t, "acc-1", "user-1"), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversations_SendToArchivedConflicts(t *testing.T) {
	e, _, disp := seededConversationEcho(t)
	disp.sendErr = dispatch.ErrConversationClosed
	rec := doJSON(e, http.MethodPost, "/conversations/conv-1/messages",
		bearerToken(t, "acc-1", "user-1"), `{"text":"too late"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConversations_SetStatusValidation(t *testing.T) {
	e, svc, _ := seededConversationEcho(t)
	token := bearerToken(t, "acc-1", "user-1")

	rec := doJSON(e, http.MethodPost, "/conversations/conv-1/status", token, `{"status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPost, "/conversations/conv-1/status", token, `{"status":"archived"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversation.StatusArchived, svc.statusSet["conv-1"])
}

func TestConversations_CancelConflict(t *testing.T) {
	e, _, disp := seededConversationEcho(t)
	disp.cancelErr = dispatch.ErrNotCancellable
	rec := doJSON(e, http.MethodDelete, "/conversations/conv-1/messages/msg-1",
		bearerToken(t, "acc-1", "user-1"), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConversations_MarkRead(t *testing.T) {
	e, svc, _ := seededConversationEcho(t)
	rec := doJSON(e, http.MethodPost, "/conversations/conv-1/read", bearerToken(t, "acc-1", "user-1"), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"conv-1"}, svc.readCalls)
}
