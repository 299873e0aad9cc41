package models

import "time"

// Conversation is one persistent dialogue thread within a session. A session
// (unified origin) owns any number of conversations but points at exactly
// one current conversation at a time.
type Conversation struct {
	// ID is the dialogue id, a uuid assigned on creation.
	ID string
	// UserID is the owning unified origin.
	UserID    string
	Title     string
	PersonaID string
	// History holds the role-tagged entries, oldest first. Stores persist it
	// as JSON text.
	History   []ContextEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy whose history may be mutated independently. Entry
// payloads (tool calls, images) are shared.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	dup := *c
	dup.History = append([]ContextEntry(nil), c.History...)
	return &dup
}
