package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation constants
const (
	MaxContentLength   = 4000 // Maximum content length in characters
	MaxSessionIDLength = 128  // Maximum session ID length
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Validate checks an inbound client event. Only client-originated types are
// accepted; server-only events are rejected.
func (e *Event) Validate() error {
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}

	if !isInboundType(e.Type) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid event type: %s", e.Type)}
	}

	if len(e.SessionID) > MaxSessionIDLength {
		return &ValidationError{
			Field:   "session_id",
			Message: fmt.Sprintf("session_id exceeds maximum length of %d characters", MaxSessionIDLength),
		}
	}

	if len(e.UserID) > MaxSessionIDLength {
		return &ValidationError{
			Field:   "user_id",
			Message: fmt.Sprintf("user_id exceeds maximum length of %d characters", MaxSessionIDLength),
		}
	}

	if e.LastSeenSeq < 0 {
		return &ValidationError{Field: "last_seen_seq", Message: "last_seen_seq cannot be negative"}
	}

	switch e.Type {
	case TypeMessage:
		// Length limits are configurable and enforced where messages are sent.
		return ValidateContent(e.Content, 0)
	case TypeJoinSupport:
		if e.UserID == "" && e.SessionID == "" {
			return &ValidationError{Field: "user_id", Message: "user_id or session_id is required"}
		}
	case TypeView, TypeLeave:
		if e.SessionID == "" {
			return &ValidationError{Field: "session_id", Message: "session_id is required"}
		}
	}
	return nil
}

// ValidateContent rejects blank content and content longer than max runes.
func ValidateContent(content string, max int) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "content is required"}
	}
	if max > 0 && utf8.RuneCountInString(content) > max {
		return &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("content exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

func isInboundType(t EventType) bool {
	switch t {
	case TypeJoinSupport, TypeView, TypeLeave, TypeMessage:
		return true
	}
	return false
}
