// Package inbound turns adapter events into persisted leads, conversations
// and messages. All channel webhooks converge here.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/conversation"
	"github.com/uniboxhq/unibox/internal/event"
	"github.com/uniboxhq/unibox/internal/lead"
)

// ConversationStore is the slice of the conversation service the
// normalizer needs.
type ConversationStore interface {
	ResolveOpen(ctx context.Context, accountID string, ch channel.ChannelType, contactKey, leadID string) (conversation.Conversation, bool, error)
	SetLead(ctx context.Context, accountID, conversationID, leadID string) error
	InsertMessage(ctx context.Context, input conversation.InsertMessageInput) (conversation.Message, bool, error)
	TouchActivity(ctx context.Context, accountID, conversationID string, at time.Time, inbound bool) error
	AddMedia(ctx context.Context, accountID, messageID string, mf conversation.MediaFile) (conversation.MediaFile, error)
	FindMessageByProviderID(ctx context.Context, accountID string, ch channel.ChannelType, providerMessageID string) (conversation.Message, error)
	UpdateMessageStatus(ctx context.Context, accountID, messageID string, status conversation.DeliveryStatus, reason string) (conversation.Message, bool, error)
}

// LeadStore resolves channel identities to leads.
type LeadStore interface {
	Resolve(ctx context.Context, input lead.ResolveInput) (lead.Lead, bool, error)
}

// ViewerTracker reports which users are looking at a conversation right
// now. Used to skip the unread increment when someone already has the
// thread on screen.
type ViewerTracker interface {
	Viewers(ctx context.Context, accountID, conversationID string) ([]string, error)
}

// MediaStorer persists downloaded attachments and returns a servable URL.
type MediaStorer interface {
	Save(ctx context.Context, accountID, fileName, mimeType string, data []byte) (url string, err error)
}

const (
	dedupTTL = 24 * time.Hour
	// mediaFetchTimeout bounds one background attachment download.
	mediaFetchTimeout = 2 * time.Minute
	maxRetryBackoff   = 30 * time.Second
)

// dedupCache reserves an external message id so replayed webhooks are
// dropped without a database round trip. A reservation must be released
// when persistence fails, otherwise the redelivery would be swallowed
// by the cache and the message lost.
type dedupCache interface {
	Reserve(ctx context.Context, key string) (fresh bool, err error)
	Release(ctx context.Context, key string)
}

type redisDedup struct {
	client *redis.Client
}

func (r redisDedup) Reserve(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, key, 1, dedupTTL).Result()
}

func (r redisDedup) Release(ctx context.Context, key string) {
	r.client.Del(ctx, key)
}

// Normalizer is the single entry point for inbound webhook traffic. Work
// for one contact key is serialized so near-simultaneous messages from
// the same contact cannot open two conversations or interleave writes.
type Normalizer struct {
	logger        *slog.Logger
	registry      *channel.Registry
	conversations ConversationStore
	leads         LeadStore
	media         MediaStorer
	publisher     event.Publisher
	dedup         dedupCache
	presence      ViewerTracker
	serial        *keySerializer

	// retryAttempts and retryBackoff bound the deferred re-ingestion of
	// events whose first write failed after the webhook was acknowledged.
	retryAttempts int
	retryBackoff  time.Duration

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewNormalizer wires the inbound pipeline. redisClient and media are
// optional; without redis every event goes straight to the database
// dedup, without media attachments keep their provider reference only.
func NewNormalizer(
	log *slog.Logger,
	registry *channel.Registry,
	conversations ConversationStore,
	leads LeadStore,
	media MediaStorer,
	publisher event.Publisher,
	redisClient *redis.Client,
) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	var dedup dedupCache
	if redisClient != nil {
		dedup = redisDedup{client: redisClient}
	}
	bg, stop := context.WithCancel(context.Background())
	return &Normalizer{
		logger:        log.With(slog.String("service", "inbound")),
		registry:      registry,
		conversations: conversations,
		leads:         leads,
		media:         media,
		publisher:     publisher,
		dedup:         dedup,
		serial:        newKeySerializer(),
		retryAttempts: 3,
		retryBackoff:  2 * time.Second,
		bg:            bg,
		stop:          stop,
	}
}

// SetPresence sets the optional viewer tracker.
func (n *Normalizer) SetPresence(tracker ViewerTracker) {
	n.presence = tracker
}

// Close cancels background retries and media downloads and waits for
// them to finish.
func (n *Normalizer) Close() {
	n.stop()
	n.wg.Wait()
}

// Process handles everything one verified webhook produced. Events and
// delivery statuses are processed independently; a failing event does
// not block the rest, and the first error is returned after all work is
// attempted.
func (n *Normalizer) Process(ctx context.Context, integ channel.Integration, result channel.InboundResult) error {
	var firstErr error
	for _, ev := range result.Events {
		if err := n.processEvent(ctx, integ, ev); err != nil {
			n.logger.Error("inbound event failed",
				slog.String("account_id", ev.AccountID),
				slog.String("channel", ev.Channel.String()),
				slog.String("external_message_id", ev.ExternalMessageID),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, st := range result.Statuses {
		if err := n.processStatus(ctx, integ, st); err != nil {
			n.logger.Error("delivery status failed",
				slog.String("account_id", integ.AccountID),
				slog.String("provider_message_id", st.ProviderMessageID),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func contactKey(ev channel.InboundEvent) string {
	return ev.AccountID + "|" + ev.Channel.String() + "|" + ev.ExternalContactKey
}

func (n *Normalizer) processEvent(ctx context.Context, integ channel.Integration, ev channel.InboundEvent) error {
	if strings.TrimSpace(ev.ExternalMessageID) == "" {
		return fmt.Errorf("event has no external message id")
	}
	if strings.TrimSpace(ev.ExternalContactKey) == "" {
		return fmt.Errorf("event has no external contact key")
	}

	if n.alreadySeen(ctx, ev) {
		n.logger.Debug("duplicate dropped by cache",
			slog.String("external_message_id", ev.ExternalMessageID))
		return nil
	}

	err := n.serial.Do(ctx, contactKey(ev), func() error {
		return n.ingest(ctx, integ, ev)
	})
	if err != nil {
		// The reservation must not outlive a failed write, or a
		// redelivery of the same event would be dropped unseen.
		n.forgetSeen(ev)
		n.retryLater(integ, ev)
	}
	return err
}

func dedupKey(ev channel.InboundEvent) string {
	return "unibox:dedup:" + ev.AccountID + ":" + ev.Channel.String() + ":" + ev.ExternalMessageID
}

// alreadySeen is a best-effort fast path. The database unique index on
// external message ids remains the source of truth, so a redis outage
// only costs a round trip.
func (n *Normalizer) alreadySeen(ctx context.Context, ev channel.InboundEvent) bool {
	if n.dedup == nil {
		return false
	}
	fresh, err := n.dedup.Reserve(ctx, dedupKey(ev))
	if err != nil {
		n.logger.Warn("dedup cache unavailable", slog.Any("error", err))
		return false
	}
	return !fresh
}

func (n *Normalizer) forgetSeen(ev channel.InboundEvent) {
	if n.dedup == nil {
		return
	}
	n.dedup.Release(n.bg, dedupKey(ev))
}

// retryLater re-ingests an event whose first write failed. The webhook
// was already acknowledged at that point, so recovery cannot lean on
// provider redelivery.
func (n *Normalizer) retryLater(integ channel.Integration, ev channel.InboundEvent) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		backoff := n.retryBackoff
		for attempt := 1; attempt <= n.retryAttempts; attempt++ {
			select {
			case <-n.bg.Done():
				return
			case <-time.After(backoff):
			}
			err := n.serial.Do(n.bg, contactKey(ev), func() error {
				return n.ingest(n.bg, integ, ev)
			})
			if err == nil {
				n.logger.Info("deferred ingest recovered",
					slog.String("external_message_id", ev.ExternalMessageID),
					slog.Int("attempt", attempt))
				return
			}
			n.logger.Warn("deferred ingest failed",
				slog.String("external_message_id", ev.ExternalMessageID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			backoff = min(backoff*2, maxRetryBackoff)
		}
		n.logger.Error("inbound event lost after retries",
			slog.String("account_id", ev.AccountID),
			slog.String("external_message_id", ev.ExternalMessageID))
	}()
}

func (n *Normalizer) ingest(ctx context.Context, integ channel.Integration, ev channel.InboundEvent) error {
	resolved, leadCreated, err := n.leads.Resolve(ctx, lead.ResolveInput{
		AccountID:          ev.AccountID,
		Channel:            ev.Channel.String(),
		ExternalContactKey: ev.ExternalContactKey,
		Name:               ev.ContactName,
		Phone:              ev.ContactPhone,
		Email:              ev.ContactEmail,
	})
	if err != nil {
		return fmt.Errorf("resolve lead: %w", err)
	}

	conv, convCreated, err := n.conversations.ResolveOpen(ctx, ev.AccountID, ev.Channel, ev.ExternalContactKey, resolved.ID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	if !convCreated && conv.LeadID == "" && resolved.ID != "" {
		if err := n.conversations.SetLead(ctx, ev.AccountID, conv.ID, resolved.ID); err != nil {
			n.logger.Warn("bind lead to conversation failed",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
		}
	}

	msg, inserted, err := n.conversations.InsertMessage(ctx, conversation.InsertMessageInput{
		AccountID:         ev.AccountID,
		ConversationID:    conv.ID,
		Direction:         conversation.DirectionInbound,
		Content:           ev.Text,
		Status:            conversation.StatusReceived,
		ExternalMessageID: ev.ExternalMessageID,
		Channel:           ev.Channel,
		CreatedAt:         ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		// Redelivered webhook; the original row already carries the
		// message and its side effects.
		return nil
	}

	if ev.Media != nil {
		n.spawnMediaFetch(integ, ev, conv.ID, msg.ID)
	}

	countUnread := true
	if n.presence != nil {
		if viewers, err := n.presence.Viewers(ctx, ev.AccountID, conv.ID); err == nil && len(viewers) > 0 {
			countUnread = false
		}
	}
	if err := n.conversations.TouchActivity(ctx, ev.AccountID, conv.ID, msg.CreatedAt, countUnread); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if leadCreated {
		n.publish(event.TypeLeadCreated, ev.AccountID, map[string]any{
			"lead_id": resolved.ID,
			"source":  ev.Channel.String(),
		})
	}
	n.publish(event.TypeConversationUpdated, ev.AccountID, map[string]any{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
		"created":         convCreated,
	})
	return nil
}

// spawnMediaFetch downloads the attachment off the ingestion path. The
// provider round trip must not hold up the contact's message queue or
// the webhook response.
func (n *Normalizer) spawnMediaFetch(integ channel.Integration, ev channel.InboundEvent, conversationID, messageID string) {
	if n.media == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.bg, mediaFetchTimeout)
		defer cancel()
		n.ingestMedia(ctx, integ, ev, conversationID, messageID)
	}()
}

// ingestMedia downloads and stores the attachment. Failures degrade to a
// message without stored media rather than losing the message.
func (n *Normalizer) ingestMedia(ctx context.Context, integ channel.Integration, ev channel.InboundEvent, conversationID, messageID string) {
	if n.media == nil {
		return
	}
	ref := *ev.Media
	data, mime, err := n.fetchMedia(ctx, integ, ev.Channel, ref)
	if err != nil {
		n.logger.Warn("fetch media failed",
			slog.String("message_id", messageID),
			slog.String("kind", string(ref.Kind)),
			slog.Any("error", err))
		return
	}
	name := ref.FileName
	if name == "" {
		name = messageID
	}
	url, err := n.media.Save(ctx, ev.AccountID, name, mime, data)
	if err != nil {
		n.logger.Warn("store media failed", slog.String("message_id", messageID), slog.Any("error", err))
		return
	}
	if _, err := n.conversations.AddMedia(ctx, ev.AccountID, messageID, conversation.MediaFile{
		Kind:      string(ref.Kind),
		URL:       url,
		MIME:      mime,
		FileName:  ref.FileName,
		SizeBytes: int64(len(data)),
	}); err != nil {
		n.logger.Warn("record media failed", slog.String("message_id", messageID), slog.Any("error", err))
		return
	}
	// The message was already announced without its attachment; a second
	// update lets clients pick it up once stored.
	n.publish(event.TypeConversationUpdated, ev.AccountID, map[string]any{
		"conversation_id": conversationID,
		"message_id":      messageID,
	})
}

func (n *Normalizer) fetchMedia(ctx context.Context, integ channel.Integration, ch channel.ChannelType, ref channel.MediaRef) ([]byte, string, error) {
	if fetcher, ok := n.registry.MediaFetcher(ch); ok {
		return fetcher.FetchMedia(ctx, integ, ref)
	}
	if ref.URL == "" {
		return nil, "", fmt.Errorf("no fetcher and no direct url for %s media", ch)
	}
	return fetchURL(ctx, ref.URL, ref.MIMEType)
}

// processStatus applies a provider delivery receipt to its outbound
// message. Unknown provider ids are dropped; receipts can arrive for
// messages sent before an integration was migrated in.
func (n *Normalizer) processStatus(ctx context.Context, integ channel.Integration, st channel.DeliveryStatusEvent) error {
	msg, err := n.conversations.FindMessageByProviderID(ctx, integ.AccountID, integ.Channel, st.ProviderMessageID)
	if err != nil {
		if err == conversation.ErrNotFound {
			n.logger.Debug("delivery status for unknown message",
				slog.String("provider_message_id", st.ProviderMessageID))
			return nil
		}
		return err
	}
	status := mapDeliveryStatus(st.Status)
	if status == "" {
		n.logger.Debug("unrecognized delivery status", slog.String("status", st.Status))
		return nil
	}
	updated, changed, err := n.conversations.UpdateMessageStatus(ctx, integ.AccountID, msg.ID, status, st.Reason)
	if err != nil {
		return err
	}
	if changed {
		n.publish(event.TypeMessageStatusChanged, integ.AccountID, map[string]any{
			"conversation_id": updated.ConversationID,
			"message_id":      updated.ID,
			"status":          string(updated.Status),
		})
	}
	return nil
}

func mapDeliveryStatus(raw string) conversation.DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return conversation.StatusSent
	case "delivered":
		return conversation.StatusDelivered
	case "read":
		return conversation.StatusRead
	case "failed":
		return conversation.StatusFailed
	default:
		return ""
	}
}

func (n *Normalizer) publish(eventType event.Type, accountID string, payload map[string]any) {
	if n.publisher == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("encode event payload failed", slog.Any("error", err))
		return
	}
	n.publisher.Publish(event.Event{Type: eventType, AccountID: accountID, Payload: raw})
}
