// Package protocol defines the JSON envelopes exchanged with the UI over the
// transcript websocket. Outbound messages mirror the turn streams; inbound
// messages carry typed user input.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeUserTranscriptDelta  = "user_transcript_delta"
	TypeUserTranscriptFinal  = "user_transcript_final"
	TypeAgentTranscriptDelta = "agent_transcript_delta"
	TypeAgentTranscriptFinal = "agent_transcript_final"
	TypeSessionStatus        = "session_status"
	TypeErrorEvent           = "error_event"

	TypeClientText = "client_text"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type UserTranscriptDelta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Delta     string `json:"delta"`
	Text      string `json:"text"`
}

type UserTranscriptFinal struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type AgentTranscriptDelta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Delta     string `json:"delta"`
	Text      string `json:"text"`
}

type AgentTranscriptFinal struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SessionStatus announces lifecycle transitions: "active" when a session
// starts or resumes, "completed" when it ends.
type SessionStatus struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"duration_seconds"`
}

type ErrorEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ClientText is the one inbound message: text typed by the user to be injected
// into the live conversation.
type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SessionIDOf extracts the session id from any outbound envelope, for fan-out
// filtering.
func SessionIDOf(msg any) string {
	switch m := msg.(type) {
	case UserTranscriptDelta:
		return m.SessionID
	case UserTranscriptFinal:
		return m.SessionID
	case AgentTranscriptDelta:
		return m.SessionID
	case AgentTranscriptFinal:
		return m.SessionID
	case SessionStatus:
		return m.SessionID
	case ErrorEvent:
		return m.SessionID
	default:
		return ""
	}
}

// ParseClientMessage decodes one inbound websocket frame. Unknown types are an
// error the caller reports back on the socket rather than a reason to close it.
func ParseClientMessage(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch head.Type {
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode client_text: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, head.Type)
	}
}
