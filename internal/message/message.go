package message

import (
	"encoding/json"
	"time"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
)

// EventType represents the type of a WebSocket event
type EventType string

const (
	TypeConnect     EventType = "connect"
	TypeJoinSupport EventType = "join-support"
	TypeView        EventType = "view"
	TypeLeave       EventType = "leave"
	TypeMessage     EventType = "message"
	TypeNewSession  EventType = "new-session"
	TypeError       EventType = "error"
	TypeDisconnect  EventType = "disconnect"
)

// ErrorInfo contains error details
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
}

// Event is the envelope for every frame exchanged over the support socket.
// Inbound frames only carry the fields a client may set; sender, seq and
// message ids are always filled in by the server.
type Event struct {
	Type         EventType          `json:"type"`
	SessionID    string             `json:"session_id,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	ConnectionID string             `json:"connection_id,omitempty"`
	Role         string             `json:"role,omitempty"`
	Content      string             `json:"content,omitempty"`
	LastSeenSeq  int64              `json:"last_seen_seq,omitempty"`
	Message      *model.Message     `json:"message,omitempty"`
	Session      *model.ChatSession `json:"session,omitempty"`
	Error        *ErrorInfo         `json:"error,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Encode serializes the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return json.Marshal(e)
}

// Decode parses a raw inbound frame.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// NewMessageEvent wraps a stored message for fan-out or backfill.
func NewMessageEvent(m *model.Message) *Event {
	return &Event{
		Type:      TypeMessage,
		SessionID: m.SessionID,
		Message:   m,
		Timestamp: m.CreatedAt,
	}
}

// NewSessionEvent announces a newly created session to admins.
func NewSessionEvent(s *model.ChatSession) *Event {
	return &Event{
		Type:      TypeNewSession,
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Session:   s,
		Timestamp: time.Now().UTC(),
	}
}

// NewConnectEvent acknowledges a live connection.
func NewConnectEvent(connectionID, role string, s *model.ChatSession) *Event {
	ev := &Event{
		Type:         TypeConnect,
		ConnectionID: connectionID,
		Role:         role,
		Session:      s,
		Timestamp:    time.Now().UTC(),
	}
	if s != nil {
		ev.SessionID = s.SessionID
	}
	return ev
}

// NewErrorEvent reports a failure to the client.
func NewErrorEvent(sessionID string, info *ErrorInfo) *Event {
	return &Event{
		Type:      TypeError,
		SessionID: sessionID,
		Error:     info,
		Timestamp: time.Now().UTC(),
	}
}

// Disconnect reasons
const (
	ReasonSuperseded = "superseded"
	ReasonShutdown   = "shutdown"
	ReasonSlowClient = "slow_client"
	ReasonClosed     = "closed"
)

// NewDisconnectEvent tells a client the server is about to close its socket.
func NewDisconnectEvent(sessionID, reason string) *Event {
	return &Event{
		Type:      TypeDisconnect,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
