package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/conversation"
	"github.com/uniboxhq/unibox/internal/event"
)

type fakeStore struct {
	mu            sync.Mutex
	nextMsg       int
	conversations map[string]conversation.Conversation
	messages      map[string]*conversation.Message
	providerIDs   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]conversation.Conversation{},
		messages:      map[string]*conversation.Message{},
		providerIDs:   map[string]string{},
	}
}

func (f *fakeStore) Get(ctx context.Context, accountID, conversationID string) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok || c.AccountID != accountID {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, accountID, messageID string) (conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok || m.AccountID != accountID {
		return conversation.Message{}, conversation.ErrNotFound
	}
	return *m, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, input conversation.InsertMessageInput) (conversation.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	m := &conversation.Message{
		ID:             fmt.Sprintf("msg-%d", f.nextMsg),
		AccountID:      input.AccountID,
		ConversationID: input.ConversationID,
		Direction:      input.Direction,
		Content:        input.Content,
		Status:         input.Status,
		Channel:        input.Channel,
		CreatedAt:      time.Now().UTC(),
	}
	f.messages[m.ID] = m
	return *m, true, nil
}

func (f *fakeStore) SetProviderMessageID(ctx context.Context, accountID, messageID, providerMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providerIDs[messageID] = providerMessageID
	if m, ok := f.messages[messageID]; ok {
		m.ProviderMessageID = providerMessageID
	}
	return nil
}

func (f *fakeStore) UpdateMessageStatus(ctx context.Context, accountID, messageID string, status conversation.DeliveryStatus, reason string) (conversation.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return conversation.Message{}, false, conversation.ErrNotFound
	}
	if !conversation.Advances(m.Status, status) {
		return *m, false, nil
	}
	m.Status = status
	m.StatusReason = reason
	return *m, true, nil
}

func (f *fakeStore) TouchActivity(ctx context.Context, accountID, conversationID string, at time.Time, inbound bool) error {
	return nil
}

func (f *fakeStore) messageStatus(id string) conversation.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id].Status
}

type fakeIntegrations struct {
	mu       sync.Mutex
	statuses map[string]channel.IntegrationStatus
	notes    map[string]string
}

func newFakeIntegrations() *fakeIntegrations {
	return &fakeIntegrations{
		statuses: map[string]channel.IntegrationStatus{},
		notes:    map[string]string{},
	}
}

func (f *fakeIntegrations) GetActiveForAccount(ctx context.Context, accountID string, ch channel.ChannelType) (channel.Integration, error) {
	return channel.Integration{ID: "integ-1", AccountID: accountID, Channel: ch, Status: channel.IntegrationActive}, nil
}

func (f *fakeIntegrations) SetStatus(ctx context.Context, accountID, integrationID string, status channel.IntegrationStatus, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[integrationID] = status
	f.notes[integrationID] = note
	return nil
}

func (f *fakeIntegrations) status(integrationID string) channel.IntegrationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[integrationID]
}

func (f *fakeIntegrations) note(integrationID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notes[integrationID]
}

// flakySender fails with transient errors until failuresLeft reaches
// zero, then succeeds. permanentErr overrides everything.
type flakySender struct {
	mu           sync.Mutex
	failuresLeft int
	permanentErr error
	attempts     int
	sentTargets  []string
}

const flakyType = channel.ChannelType("flaky")

func (s *flakySender) Type() channel.ChannelType { return flakyType }

func (s *flakySender) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: flakyType, Capabilities: channel.Capabilities{CanSend: true}}
}

func (s *flakySender) Send(ctx context.Context, integ channel.Integration, target string, content channel.OutboundContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.permanentErr != nil {
		return "", s.permanentErr
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return "", channel.NewTransientError(errors.New("provider 503"))
	}
	s.sentTargets = append(s.sentTargets, target)
	return fmt.Sprintf("prov-%d", s.attempts), nil
}

func (s *flakySender) stats() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([]string(nil), s.sentTargets...)
}

func testDispatcher(t *testing.T, sender *flakySender, opts Options) (*Dispatcher, *fakeStore, *event.Hub) {
	t.Helper()
	d, store, _, hub := testDispatcherWithIntegrations(t, sender, opts)
	return d, store, hub
}

func testDispatcherWithIntegrations(t *testing.T, sender *flakySender, opts Options) (*Dispatcher, *fakeStore, *fakeIntegrations, *event.Hub) {
	t.Helper()
	reg := channel.NewRegistry()
	reg.MustRegister(sender)
	store := newFakeStore()
	store.conversations["conv-1"] = conversation.Conversation{
		ID:                 "conv-1",
		AccountID:          "acc-1",
		Channel:            flakyType,
		ExternalContactKey: "contact-55",
		Status:             conversation.StatusOpen,
	}
	hub := event.NewHub(nil)
	integrations := newFakeIntegrations()
	d := NewDispatcher(nil, reg, store, integrations, hub, opts)
	d.Start()
	t.Cleanup(d.Close)
	return d, store, integrations, hub
}

func waitForStatus(t *testing.T, store *fakeStore, messageID string, want conversation.DeliveryStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.messageStatus(messageID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %s never reached %s (stuck at %s)", messageID, want, store.messageStatus(messageID))
}

func TestSend_Success(t *testing.T) {
	t.Parallel()
	sender := &flakySender{}
	d, store, _ := testDispatcher(t, sender, Options{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusQueued, msg.Status, "Send returns before delivery")

	waitForStatus(t, store, msg.ID, conversation.StatusSent)
	_, targets := sender.stats()
	assert.Equal(t, []string{"contact-55"}, targets)
	assert.Equal(t, "prov-1", store.providerIDs[msg.ID])
}

func TestSend_TransientRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	sender := &flakySender{failuresLeft: 3}
	d, store, _ := testDispatcher(t, sender, Options{BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "retry me"})
	require.NoError(t, err)

	waitForStatus(t, store, msg.ID, conversation.StatusSent)
	attempts, _ := sender.stats()
	assert.Equal(t, 4, attempts, "three failures then the success")
}

func TestSend_ExhaustedRetriesFail(t *testing.T) {
	t.Parallel()
	sender := &flakySender{failuresLeft: 99}
	d, store, hub := testDispatcher(t, sender, Options{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	events, cancel := hub.Subscribe("acc-1")
	defer cancel()

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "doomed"})
	require.NoError(t, err)

	waitForStatus(t, store, msg.ID, conversation.StatusFailed)
	attempts, _ := sender.stats()
	assert.Equal(t, 3, attempts, "attempt budget must be honored")

	sawFailure := false
	timeout := time.After(time.Second)
	for !sawFailure {
		select {
		case ev := <-events:
			if ev.Type == event.TypeMessageStatusChanged {
				sawFailure = true
			}
		case <-timeout:
			t.Fatal("expected a status change event")
		}
	}
}

func TestSend_PermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	sender := &flakySender{permanentErr: channel.NewValidationError("target rejected")}
	d, store, _ := testDispatcher(t, sender, Options{MaxAttempts: 5, BaseBackoff: time.Millisecond})

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "bad"})
	require.NoError(t, err)

	waitForStatus(t, store, msg.ID, conversation.StatusFailed)
	attempts, _ := sender.stats()
	assert.Equal(t, 1, attempts, "validation errors must not be retried")
}

func TestSend_AuthErrorFlagsIntegration(t *testing.T) {
	t.Parallel()
	sender := &flakySender{permanentErr: channel.NewAuthError("token revoked")}
	d, store, integrations, _ := testDispatcherWithIntegrations(t, sender, Options{MaxAttempts: 5, BaseBackoff: time.Millisecond})

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "x"})
	require.NoError(t, err)

	waitForStatus(t, store, msg.ID, conversation.StatusFailed)
	attempts, _ := sender.stats()
	assert.Equal(t, 1, attempts, "credential failures must not be retried")
	assert.Equal(t, channel.IntegrationError, integrations.status("integ-1"),
		"rejected credentials must surface on the integration")
	assert.Contains(t, integrations.note("integ-1"), "token revoked")
}

func TestSend_ValidationErrorLeavesIntegrationAlone(t *testing.T) {
	t.Parallel()
	sender := &flakySender{permanentErr: channel.NewValidationError("target rejected")}
	d, store, integrations, _ := testDispatcherWithIntegrations(t, sender, Options{MaxAttempts: 5, BaseBackoff: time.Millisecond})

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "x"})
	require.NoError(t, err)

	waitForStatus(t, store, msg.ID, conversation.StatusFailed)
	assert.Empty(t, integrations.status("integ-1"),
		"a bad target says nothing about the credentials")
}

func TestSend_ArchivedConversationRejected(t *testing.T) {
	t.Parallel()
	sender := &flakySender{}
	d, store, _ := testDispatcher(t, sender, Options{})
	store.mu.Lock()
	c := store.conversations["conv-1"]
	c.Status = conversation.StatusArchived
	store.conversations["conv-1"] = c
	store.mu.Unlock()

	_, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "x"})
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestSend_UnsupportedChannel(t *testing.T) {
	t.Parallel()
	sender := &flakySender{}
	d, store, _ := testDispatcher(t, sender, Options{})
	store.mu.Lock()
	store.conversations["conv-web"] = conversation.Conversation{
		ID: "conv-web", AccountID: "acc-1", Channel: channel.ChannelWebsite, Status: conversation.StatusOpen,
	}
	store.mu.Unlock()

	_, err := d.Send(context.Background(), "acc-1", "conv-web", channel.OutboundContent{Text: "x"})
	assert.ErrorIs(t, err, channel.ErrSendUnsupported)
}

func TestSend_WrongAccountIsolated(t *testing.T) {
	t.Parallel()
	sender := &flakySender{}
	d, _, _ := testDispatcher(t, sender, Options{})

	_, err := d.Send(context.Background(), "acc-other", "conv-1", channel.OutboundContent{Text: "x"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestCancel_QueuedMessage(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&flakySender{})
	store := newFakeStore()
	store.conversations["conv-1"] = conversation.Conversation{
		ID: "conv-1", AccountID: "acc-1", Channel: flakyType,
		ExternalContactKey: "contact-55", Status: conversation.StatusOpen,
	}
	hub := event.NewHub(nil)
	// No Start: the message stays queued so the cancel path is
	// deterministic.
	d := NewDispatcher(nil, reg, store, newFakeIntegrations(), hub, Options{})

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "never mind"})
	require.NoError(t, err)

	cancelled, err := d.Cancel(context.Background(), "acc-1", "conv-1", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled by operator", cancelled.StatusReason)
}

func TestCancel_SentMessageRejected(t *testing.T) {
	t.Parallel()
	sender := &flakySender{}
	d, store, _ := testDispatcher(t, sender, Options{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	msg, err := d.Send(context.Background(), "acc-1", "conv-1", channel.OutboundContent{Text: "gone"})
	require.NoError(t, err)
	waitForStatus(t, store, msg.ID, conversation.StatusSent)

	_, err = d.Cancel(context.Background(), "acc-1", "conv-1", msg.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.Equal(t, conversation.StatusSent, store.messageStatus(msg.ID))
}
