package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kestrelbot/kestrel/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// GlobalScope is the preference scope for settings that are not tied to a
// session origin.
const GlobalScope = "global"

// ConversationStore persists LLM conversations.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	// ListByUser returns the user's conversations, most recently updated
	// first.
	ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error)
	Update(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) error
}

// PreferenceStore persists scoped key-value settings as JSON. The scope is
// a unified session origin or GlobalScope.
type PreferenceStore interface {
	// Get unmarshals the stored value into out and reports whether the key
	// was present.
	Get(ctx context.Context, scope, key string, out any) (bool, error)
	Put(ctx context.Context, scope, key string, value any) error
	Delete(ctx context.Context, scope, key string) error
	// ListScopes returns every scope holding the key, with its raw value.
	ListScopes(ctx context.Context, key string) (map[string]json.RawMessage, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Conversations ConversationStore
	Preferences   PreferenceStore
	closer        func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
