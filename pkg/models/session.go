package models

import (
	"fmt"
	"strings"
)

// MessageType distinguishes the conversation context an event arrived in.
type MessageType string

const (
	MessageTypeFriend MessageType = "friend_message"
	MessageTypeGroup  MessageType = "group_message"
	MessageTypeOther  MessageType = "other_message"
)

// Session identifies one conversation endpoint on one platform. Its string
// form, the unified origin, keys the conversation mapping and the preference
// store. Colons are forbidden inside each field.
type Session struct {
	Platform    string
	MessageType MessageType
	ID          string
}

// String renders the unified origin "<platform>:<message_type>:<session>".
func (s Session) String() string {
	return s.Platform + ":" + string(s.MessageType) + ":" + s.ID
}

// ParseSession splits a unified origin back into its triple. The session id
// is everything after the second colon.
func ParseSession(raw string) (Session, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Session{}, fmt.Errorf("malformed unified origin %q", raw)
	}
	return Session{
		Platform:    parts[0],
		MessageType: MessageType(parts[1]),
		ID:          parts[2],
	}, nil
}
