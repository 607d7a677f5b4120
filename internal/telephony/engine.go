// Package telephony tracks PBX calls through their lifecycle and owns
// the Asterisk integration.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/conversation"
	"github.com/uniboxhq/unibox/internal/event"
	"github.com/uniboxhq/unibox/internal/lead"
	"github.com/uniboxhq/unibox/internal/telephony/ari"
)

// CallControl is the slice of the ARI client the engine drives.
type CallControl interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	Originate(ctx context.Context, req ari.OriginateRequest) (string, error)
	StartRecording(ctx context.Context, channelID, name string) error
	StoredRecording(ctx context.Context, name string) ([]byte, error)
	DeleteStoredRecording(ctx context.Context, name string) error
}

// LeadFinder matches callers to existing leads by phone number.
type LeadFinder interface {
	FindByPhone(ctx context.Context, accountID, phone string) (lead.Lead, error)
}

// ConversationResolver anchors calls in the unified inbox. Telephony
// conversations are keyed by the phone number, the same way message
// channels key on their external contact.
type ConversationResolver interface {
	ResolveOpen(ctx context.Context, accountID string, ch channel.ChannelType, contactKey, leadID string) (conversation.Conversation, bool, error)
}

// ErrCallNotFound is returned for unknown calls.
var ErrCallNotFound = errors.New("call not found")

// Engine applies PBX events to the call store and drives recordings.
// One Engine serves all telephony integrations; events carry the account
// through the integration that owns the connection.
type Engine struct {
	logger        *slog.Logger
	store         Store
	leads         LeadFinder
	conversations ConversationResolver
	publisher     event.Publisher
	fetcher       *RecordingFetcher
}

// NewEngine creates the call engine. fetcher may be nil in setups
// without recording storage.
func NewEngine(log *slog.Logger, store Store, leads LeadFinder, conversations ConversationResolver, publisher event.Publisher, fetcher *RecordingFetcher) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		logger:        log.With(slog.String("service", "telephony")),
		store:         store,
		leads:         leads,
		conversations: conversations,
		publisher:     publisher,
		fetcher:       fetcher,
	}
}

// HandleEvent applies one ARI event for the account that owns the
// connection. Events for channels the store does not know are created
// (StasisStart) or dropped.
func (e *Engine) HandleEvent(ctx context.Context, accountID string, control CallControl, ev ari.Event) error {
	if ev.Channel == nil {
		return nil
	}
	switch ev.Type {
	case ari.EventStasisStart:
		return e.handleStart(ctx, accountID, ev)
	case ari.EventChannelStateChange:
		if ev.Channel.State == ari.StateUp {
			return e.handleAnswered(ctx, accountID, control, ev)
		}
		return nil
	case ari.EventChannelDestroyed:
		return e.handleDestroyed(ctx, accountID, control, ev)
	default:
		return nil
	}
}

func (e *Engine) handleStart(ctx context.Context, accountID string, ev ari.Event) error {
	phone := strings.TrimSpace(ev.Channel.Caller.Number)
	direction := DirectionInbound
	if phone == "" {
		// Originated legs carry the dialed party in connected.
		phone = strings.TrimSpace(ev.Channel.Connected.Number)
		direction = DirectionOutbound
	}

	leadID := ""
	if e.leads != nil && phone != "" {
		if found, err := e.leads.FindByPhone(ctx, accountID, phone); err == nil {
			leadID = found.ID
		} else if !errors.Is(err, lead.ErrNotFound) {
			e.logger.Warn("lead lookup failed", slog.String("phone", phone), slog.Any("error", err))
		}
	}

	startedAt := ev.Timestamp
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	call, created, err := e.store.CreateRinging(ctx, CreateCallInput{
		AccountID:      accountID,
		PBXChannelID:   ev.Channel.ID,
		PhoneNumber:    phone,
		Direction:      direction,
		LeadID:         leadID,
		ConversationID: e.anchorConversation(ctx, accountID, phone, leadID),
		StartedAt:      startedAt,
	})
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	if !created {
		return nil
	}
	e.logger.Info("call ringing",
		slog.String("account_id", accountID),
		slog.String("call_id", call.ID),
		slog.String("pbx_channel_id", call.PBXChannelID),
		slog.String("direction", string(call.Direction)))
	e.publishCall(call)
	return nil
}

// anchorConversation resolves or creates the telephony conversation for
// the phone number so the call shows up in the contact's unified
// history. Resolution failures degrade to an unanchored call.
func (e *Engine) anchorConversation(ctx context.Context, accountID, phone, leadID string) string {
	if e.conversations == nil || phone == "" {
		return ""
	}
	conv, _, err := e.conversations.ResolveOpen(ctx, accountID, channel.ChannelTelephony, phone, leadID)
	if err != nil {
		e.logger.Warn("resolve call conversation failed",
			slog.String("phone", phone), slog.Any("error", err))
		return ""
	}
	return conv.ID
}

func (e *Engine) handleAnswered(ctx context.Context, accountID string, control CallControl, ev ari.Event) error {
	call, err := e.store.FindByPBXChannel(ctx, accountID, ev.Channel.ID)
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			return nil
		}
		return err
	}
	updated, changed, err := e.store.Transition(ctx, accountID, call.ID, StatusAnswered, eventTime(ev))
	if err != nil {
		return fmt.Errorf("transition answered: %w", err)
	}
	if !changed {
		return nil
	}
	e.startRecording(ctx, control, updated)
	e.publishCall(updated)
	return nil
}

func (e *Engine) startRecording(ctx context.Context, control CallControl, call Call) {
	if control == nil || e.fetcher == nil {
		return
	}
	name := "rec-" + call.ID
	if err := control.StartRecording(ctx, call.PBXChannelID, name); err != nil {
		e.logger.Warn("start recording failed",
			slog.String("call_id", call.ID), slog.Any("error", err))
		return
	}
	if err := e.store.SetRecordingName(ctx, call.AccountID, call.ID, name); err != nil {
		e.logger.Warn("record recording name failed",
			slog.String("call_id", call.ID), slog.Any("error", err))
	}
}

func (e *Engine) handleDestroyed(ctx context.Context, accountID string, control CallControl, ev ari.Event) error {
	call, err := e.store.FindByPBXChannel(ctx, accountID, ev.Channel.ID)
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			return nil
		}
		return err
	}
	target := terminalFor(call.Status, ev.Cause)
	if target == "" {
		// Already terminal; the late event is absorbed.
		return nil
	}
	updated, changed, err := e.store.Transition(ctx, accountID, call.ID, target, eventTime(ev))
	if err != nil {
		return fmt.Errorf("transition %s: %w", target, err)
	}
	if !changed {
		return nil
	}
	e.logger.Info("call ended",
		slog.String("account_id", accountID),
		slog.String("call_id", updated.ID),
		slog.String("status", string(updated.Status)),
		slog.Int("cause", ev.Cause),
		slog.Int("duration_seconds", updated.DurationSeconds))
	e.publishCall(updated)

	if updated.Status == StatusCompleted && updated.RecordingName != "" && e.fetcher != nil {
		e.fetcher.FetchAsync(updated, control)
	}
	return nil
}

// terminalFor maps the current status and hangup cause to the terminal
// state, or "" when the call is already terminal.
func terminalFor(current Status, cause int) Status {
	switch current {
	case StatusAnswered:
		// A hangup by either side after answer completes the call;
		// cancellation after answer only happens through the API.
		return StatusCompleted
	case StatusRinging:
		switch cause {
		case ari.CauseNormalClearing:
			// Caller gave up before anyone answered.
			return StatusCancelled
		default:
			return StatusFailed
		}
	default:
		return ""
	}
}

func eventTime(ev ari.Event) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return time.Now().UTC()
}

// Cancel hangs up a ringing or answered call on behalf of an operator.
func (e *Engine) Cancel(ctx context.Context, accountID, callID string, control CallControl) (Call, error) {
	call, err := e.store.Get(ctx, accountID, callID)
	if err != nil {
		return Call{}, err
	}
	if call.Status.IsTerminal() {
		return call, nil
	}
	if control != nil {
		if err := control.Hangup(ctx, call.PBXChannelID); err != nil && !errors.Is(err, ari.ErrNotFound) {
			e.logger.Warn("hangup failed", slog.String("call_id", callID), slog.Any("error", err))
		}
	}
	updated, changed, err := e.store.Transition(ctx, accountID, callID, StatusCancelled, time.Now().UTC())
	if err != nil {
		return Call{}, err
	}
	if changed {
		e.publishCall(updated)
	}
	return updated, nil
}

// Originate places an outbound call to the phone number and registers it
// as ringing.
func (e *Engine) Originate(ctx context.Context, accountID, phone, callerID string, control CallControl) (Call, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Call{}, fmt.Errorf("phone number is required")
	}
	if control == nil {
		return Call{}, fmt.Errorf("telephony is not connected")
	}
	channelID, err := control.Originate(ctx, ari.OriginateRequest{
		Endpoint: "PJSIP/" + phone,
		CallerID: callerID,
		Timeout:  45,
	})
	if err != nil {
		return Call{}, fmt.Errorf("originate: %w", err)
	}

	leadID := ""
	if e.leads != nil {
		if found, err := e.leads.FindByPhone(ctx, accountID, phone); err == nil {
			leadID = found.ID
		}
	}
	call, _, err := e.store.CreateRinging(ctx, CreateCallInput{
		AccountID:      accountID,
		PBXChannelID:   channelID,
		PhoneNumber:    phone,
		Direction:      DirectionOutbound,
		LeadID:         leadID,
		ConversationID: e.anchorConversation(ctx, accountID, phone, leadID),
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		return Call{}, fmt.Errorf("create call: %w", err)
	}
	e.publishCall(call)
	return call, nil
}

// SweepStale fails ringing calls the PBX never resolved, typically after
// a lost websocket. Answered calls are left alone; their destroy event
// arrives on reconnect.
func (e *Engine) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := e.store.ListStaleRinging(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, call := range stale {
		updated, changed, err := e.store.Transition(ctx, call.AccountID, call.ID, StatusFailed, time.Now().UTC())
		if err != nil {
			e.logger.Warn("sweep transition failed", slog.String("call_id", call.ID), slog.Any("error", err))
			continue
		}
		if changed {
			swept++
			e.publishCall(updated)
		}
	}
	if swept > 0 {
		e.logger.Info("stale ringing calls swept", slog.Int("count", swept))
	}
	return swept, nil
}

func (e *Engine) publishCall(call Call) {
	if e.publisher == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"call_id":          call.ID,
		"status":           string(call.Status),
		"phone_number":     call.PhoneNumber,
		"direction":        string(call.Direction),
		"lead_id":          call.LeadID,
		"duration_seconds": call.DurationSeconds,
	})
	if err != nil {
		return
	}
	e.publisher.Publish(event.Event{Type: event.TypeCallUpdated, AccountID: call.AccountID, Payload: payload})
}
