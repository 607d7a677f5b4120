// Package ari is a minimal Asterisk REST Interface client covering the
// event stream and call control operations the call engine needs.
package ari

import "time"

// Event is one message from the ARI websocket. Only the fields the call
// engine consumes are decoded.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Timestamp   time.Time `json:"timestamp"`
	Channel     *Channel  `json:"channel,omitempty"`
	// Cause is set on ChannelDestroyed, Q.850 cause code.
	Cause    int    `json:"cause,omitempty"`
	CauseTxt string `json:"cause_txt,omitempty"`
}

// Event types the engine reacts to.
const (
	EventStasisStart        = "StasisStart"
	EventChannelStateChange = "ChannelStateChange"
	EventChannelDestroyed   = "ChannelDestroyed"
)

// Channel states of interest.
const (
	StateRinging = "Ringing"
	StateRing    = "Ring"
	StateUp      = "Up"
)

// Q.850 hangup causes the engine distinguishes.
const (
	CauseNormalClearing = 16
	CauseUserBusy       = 17
	CauseNoAnswer       = 19
	CauseRejected       = 21
)

// Channel is an Asterisk channel snapshot.
type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	Connected struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"connected"`
	Dialplan struct {
		Context  string `json:"context"`
		Exten    string `json:"exten"`
		Priority int    `json:"priority"`
	} `json:"dialplan"`
	CreationTime time.Time `json:"creationtime"`
}

// StoredRecording is the metadata of a finished recording.
type StoredRecording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// OriginateRequest asks Asterisk to place an outbound call into the
// Stasis application.
type OriginateRequest struct {
	Endpoint  string
	CallerID  string
	Timeout   int
	Variables map[string]string
}
