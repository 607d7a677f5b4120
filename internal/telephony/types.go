package telephony

import (
	"context"
	"time"
)

// Status is the call lifecycle state.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status absorbs all later events.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// allowedTransitions is the call state machine. Anything not listed is
// ignored, which is how late PBX events against terminal calls are
// absorbed.
var allowedTransitions = map[Status][]Status{
	StatusRinging:  {StatusAnswered, StatusFailed, StatusCancelled},
	StatusAnswered: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Direction of a call relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Call is one telephony call tracked from first PBX event to its
// terminal state.
type Call struct {
	ID                   string    `json:"id"`
	AccountID            string    `json:"account_id"`
	PBXChannelID         string    `json:"pbx_channel_id"`
	PhoneNumber          string    `json:"phone_number"`
	Direction            Direction `json:"direction"`
	Status               Status    `json:"status"`
	LeadID               string    `json:"lead_id,omitempty"`
	ConversationID       string    `json:"conversation_id,omitempty"`
	RecordingName        string    `json:"-"`
	RecordingUnavailable bool      `json:"recording_unavailable"`
	RecordingURL         string    `json:"recording_url,omitempty"`
	StartedAt            time.Time `json:"started_at"`
	AnsweredAt           time.Time `json:"answered_at,omitzero"`
	EndedAt              time.Time `json:"ended_at,omitzero"`
	DurationSeconds      int       `json:"duration_seconds"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// CreateCallInput registers a call on its first PBX event.
type CreateCallInput struct {
	AccountID      string
	PBXChannelID   string
	PhoneNumber    string
	Direction      Direction
	LeadID         string
	ConversationID string
	StartedAt      time.Time
}

// CallFilter narrows the call list.
type CallFilter struct {
	Status    Status
	Direction Direction
	LeadID    string
	Limit     int
	Offset    int
}

// Store persists calls. Transition enforces the state machine in the
// database so concurrent PBX events cannot double-apply.
type Store interface {
	// CreateRinging inserts the call, or returns the existing row when
	// the PBX redelivers the start event. created is false on replay.
	CreateRinging(ctx context.Context, input CreateCallInput) (Call, bool, error)
	// Transition applies one state machine step. changed is false when
	// the call was not in a valid source state, including when it is
	// already terminal.
	Transition(ctx context.Context, accountID, callID string, to Status, at time.Time) (Call, bool, error)
	FindByPBXChannel(ctx context.Context, accountID, pbxChannelID string) (Call, error)
	Get(ctx context.Context, accountID, callID string) (Call, error)
	List(ctx context.Context, accountID string, filter CallFilter) ([]Call, error)
	SetRecordingName(ctx context.Context, accountID, callID, name string) error
	AttachRecording(ctx context.Context, accountID, callID, url string, durationSeconds int) error
	MarkRecordingUnavailable(ctx context.Context, accountID, callID string) error
	// ListStaleRinging returns non-terminal calls whose last update is
	// older than the cutoff, for the sweep job.
	ListStaleRinging(ctx context.Context, cutoff time.Time) ([]Call, error)
}
