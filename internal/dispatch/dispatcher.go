// Package dispatch delivers operator messages to their channels with
// retry and tracks delivery state.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/conversation"
	"github.com/uniboxhq/unibox/internal/event"
)

// Store is the slice of the conversation service the dispatcher needs.
type Store interface {
	Get(ctx context.Context, accountID, conversationID string) (conversation.Conversation, error)
	GetMessage(ctx context.Context, accountID, messageID string) (conversation.Message, error)
	InsertMessage(ctx context.Context, input conversation.InsertMessageInput) (conversation.Message, bool, error)
	SetProviderMessageID(ctx context.Context, accountID, messageID, providerMessageID string) error
	UpdateMessageStatus(ctx context.Context, accountID, messageID string, status conversation.DeliveryStatus, reason string) (conversation.Message, bool, error)
	TouchActivity(ctx context.Context, accountID, conversationID string, at time.Time, inbound bool) error
}

// IntegrationSource loads the account's integration for a channel with
// decrypted credentials and records provider-reported credential
// failures.
type IntegrationSource interface {
	GetActiveForAccount(ctx context.Context, accountID string, ch channel.ChannelType) (channel.Integration, error)
	SetStatus(ctx context.Context, accountID, integrationID string, status channel.IntegrationStatus, note string) error
}

// Options bound the retry loop.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RequestTimeout bounds one provider call, not the whole retry loop.
	RequestTimeout time.Duration
	Workers        int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	return o
}

var (
	// ErrConversationClosed rejects sends into archived threads.
	ErrConversationClosed = errors.New("conversation is archived")
	// ErrNotCancellable rejects cancelling a message that already left
	// the queue.
	ErrNotCancellable = errors.New("message is not cancellable")
)

type job struct {
	message conversation.Message
	target  string
	content channel.OutboundContent
}

// Dispatcher owns the outbound path: it persists the message as queued,
// hands it to a worker, and walks it to sent or failed. Each message is
// retried with exponential backoff on transient errors only.
type Dispatcher struct {
	logger       *slog.Logger
	registry     *channel.Registry
	store        Store
	integrations IntegrationSource
	publisher    event.Publisher
	opts         Options

	jobs   chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewDispatcher creates the dispatcher. Start must be called before Send.
func NewDispatcher(
	log *slog.Logger,
	registry *channel.Registry,
	store Store,
	integrations IntegrationSource,
	publisher event.Publisher,
	opts Options,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		logger:       log.With(slog.String("service", "dispatch")),
		registry:     registry,
		store:        store,
		integrations: integrations,
		publisher:    publisher,
		opts:         opts.withDefaults(),
		jobs:         make(chan job, 256),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	workerCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for range d.opts.Workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case j := <-d.jobs:
					d.deliver(workerCtx, j)
				}
			}
		}()
	}
}

// Close stops accepting work and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

// Send persists an outbound message and queues it for delivery. The
// returned message is in the queued state; delivery progress arrives via
// events and the message row.
func (d *Dispatcher) Send(ctx context.Context, accountID, conversationID string, content channel.OutboundContent) (conversation.Message, error) {
	conv, err := d.store.Get(ctx, accountID, conversationID)
	if err != nil {
		return conversation.Message{}, err
	}
	if conv.Status == conversation.StatusArchived {
		return conversation.Message{}, ErrConversationClosed
	}
	adapter, ok := d.registry.Get(conv.Channel)
	if !ok || !adapter.Descriptor().Capabilities.CanSend {
		return conversation.Message{}, fmt.Errorf("%s: %w", conv.Channel, channel.ErrSendUnsupported)
	}
	if _, ok := d.registry.Sender(conv.Channel); !ok {
		return conversation.Message{}, fmt.Errorf("%s: %w", conv.Channel, channel.ErrSendUnsupported)
	}

	msg, _, err := d.store.InsertMessage(ctx, conversation.InsertMessageInput{
		AccountID:      accountID,
		ConversationID: conv.ID,
		Direction:      conversation.DirectionOutbound,
		Content:        content.Text,
		Status:         conversation.StatusQueued,
		Channel:        conv.Channel,
	})
	if err != nil {
		return conversation.Message{}, fmt.Errorf("persist outbound message: %w", err)
	}
	if err := d.store.TouchActivity(ctx, accountID, conv.ID, msg.CreatedAt, false); err != nil {
		d.logger.Warn("touch conversation failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	d.publishConversation(accountID, conv.ID, msg.ID)

	select {
	case d.jobs <- job{message: msg, target: conv.ExternalContactKey, content: content}:
	default:
		// Queue full; fail fast rather than blocking the API handler.
		d.failMessage(ctx, msg, "dispatch queue is full")
		return msg, fmt.Errorf("dispatch queue is full")
	}
	return msg, nil
}

// Cancel marks a still-queued outbound message as failed so no worker
// delivers it. Messages that already reached the provider stay as they
// are.
func (d *Dispatcher) Cancel(ctx context.Context, accountID, conversationID, messageID string) (conversation.Message, error) {
	msg, err := d.store.GetMessage(ctx, accountID, messageID)
	if err != nil {
		return conversation.Message{}, err
	}
	if msg.ConversationID != conversationID {
		return conversation.Message{}, conversation.ErrNotFound
	}
	if msg.Direction != conversation.DirectionOutbound || msg.Status != conversation.StatusQueued {
		return conversation.Message{}, ErrNotCancellable
	}
	updated, changed, err := d.store.UpdateMessageStatus(ctx, accountID, messageID, conversation.StatusFailed, "cancelled by operator")
	if err != nil {
		return conversation.Message{}, err
	}
	if !changed {
		// Lost the race against a worker that marked it sent.
		return updated, ErrNotCancellable
	}
	d.publishStatus(updated)
	return updated, nil
}

// deliver walks one message through the retry loop.
func (d *Dispatcher) deliver(ctx context.Context, j job) {
	msg := j.message
	integ, err := d.integrations.GetActiveForAccount(ctx, msg.AccountID, msg.Channel)
	if err != nil {
		d.failMessage(ctx, msg, fmt.Sprintf("no active %s integration: %v", msg.Channel, err))
		return
	}
	sender, ok := d.registry.Sender(msg.Channel)
	if !ok {
		d.failMessage(ctx, msg, "channel cannot send")
		return
	}

	backoff := d.opts.BaseBackoff
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
		providerID, err := sender.Send(attemptCtx, integ, j.target, j.content)
		cancel()
		if err == nil {
			d.markSent(ctx, msg, providerID)
			return
		}
		if !channel.IsTransient(err) {
			d.logger.Warn("permanent send failure",
				slog.String("message_id", msg.ID),
				slog.String("channel", msg.Channel.String()),
				slog.Any("error", err))
			if channel.IsAuth(err) {
				// Rejected credentials affect every future send, not
				// just this message; flag the integration so admins see
				// it without waiting for the next probe.
				if serr := d.integrations.SetStatus(ctx, integ.AccountID, integ.ID, channel.IntegrationError, err.Error()); serr != nil {
					d.logger.Error("flag integration failed",
						slog.String("integration_id", integ.ID), slog.Any("error", serr))
				}
			}
			d.failMessage(ctx, msg, err.Error())
			return
		}
		if attempt >= d.opts.MaxAttempts {
			d.logger.Warn("send retries exhausted",
				slog.String("message_id", msg.ID),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			d.failMessage(ctx, msg, fmt.Sprintf("gave up after %d attempts: %v", attempt, err))
			return
		}
		d.logger.Info("transient send failure, retrying",
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, d.opts.MaxBackoff)
	}
}

func (d *Dispatcher) markSent(ctx context.Context, msg conversation.Message, providerID string) {
	if providerID != "" {
		if err := d.store.SetProviderMessageID(ctx, msg.AccountID, msg.ID, providerID); err != nil {
			d.logger.Error("record provider message id failed",
				slog.String("message_id", msg.ID), slog.Any("error", err))
		}
	}
	updated, changed, err := d.store.UpdateMessageStatus(ctx, msg.AccountID, msg.ID, conversation.StatusSent, "")
	if err != nil {
		d.logger.Error("mark sent failed", slog.String("message_id", msg.ID), slog.Any("error", err))
		return
	}
	if changed {
		d.publishStatus(updated)
	}
}

func (d *Dispatcher) failMessage(ctx context.Context, msg conversation.Message, reason string) {
	updated, changed, err := d.store.UpdateMessageStatus(ctx, msg.AccountID, msg.ID, conversation.StatusFailed, reason)
	if err != nil {
		d.logger.Error("mark failed failed", slog.String("message_id", msg.ID), slog.Any("error", err))
		return
	}
	if changed {
		d.publishStatus(updated)
	}
}

func (d *Dispatcher) publishStatus(msg conversation.Message) {
	if d.publisher == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"status":          string(msg.Status),
		"reason":          msg.StatusReason,
	})
	if err != nil {
		return
	}
	d.publisher.Publish(event.Event{Type: event.TypeMessageStatusChanged, AccountID: msg.AccountID, Payload: payload})
}

func (d *Dispatcher) publishConversation(accountID, conversationID, messageID string) {
	if d.publisher == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"message_id":      messageID,
	})
	if err != nil {
		return
	}
	d.publisher.Publish(event.Event{Type: event.TypeConversationUpdated, AccountID: accountID, Payload: payload})
}
