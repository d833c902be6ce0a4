// Package model holds the support-chat domain types shared by the store,
// the registry, the router and the wire protocol.
package model

import (
	"time"
)

// Sender identifies which side of a support conversation wrote a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAdmin Sender = "admin"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAdmin
}

// Status is the lifecycle state of a ChatSession.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// ChatSession is the single support conversation of one end user.
// SessionID equals UserID, so a user can never own two sessions.
type ChatSession struct {
	SessionID string    `json:"session_id" bson:"_id"`
	UserID    string    `json:"user_id" bson:"uid"`
	UserName  string    `json:"user_name,omitempty" bson:"nm,omitempty"`
	Status    Status    `json:"status" bson:"status"`
	CreatedAt time.Time `json:"created_at" bson:"ts"`
	UpdatedAt time.Time `json:"updated_at" bson:"mt"`
}

// Message is one immutable chat line. Seq is assigned by the history store,
// starts at 1 and is strictly increasing within a session.
type Message struct {
	MessageID string    `json:"message_id" bson:"_id"`
	SessionID string    `json:"session_id" bson:"sid"`
	Sender    Sender    `json:"sender" bson:"sender"`
	Content   string    `json:"content" bson:"content"`
	Seq       int64     `json:"seq" bson:"seq"`
	CreatedAt time.Time `json:"created_at" bson:"ts"`
}

// PresenceState is a point-in-time copy of a session's presence bookkeeping.
type PresenceState struct {
	SessionID    string   `json:"session_id"`
	AdminViewing bool     `json:"admin_viewing"`
	UnreadCount  int      `json:"unread_count"`
	Unreachable  bool     `json:"unreachable"`
	Viewers      []string `json:"viewers,omitempty"`
}

// SessionSummary is the admin listing row: a session plus its presence.
type SessionSummary struct {
	ChatSession
	AdminViewing bool `json:"admin_viewing"`
	UnreadCount  int  `json:"unread_count"`
	Unreachable  bool `json:"unreachable"`
}
