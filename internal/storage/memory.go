package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// MemoryConversationStore provides an in-memory ConversationStore.
type MemoryConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*models.Conversation
}

// NewMemoryConversationStore creates an in-memory conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{convs: make(map[string]*models.Conversation)}
}

func (s *MemoryConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; exists {
		return ErrAlreadyExists
	}
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryConversationStore) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var convs []*models.Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			convs = append(convs, conv.Clone())
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (s *MemoryConversationStore) Update(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; !exists {
		return ErrNotFound
	}
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryConversationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[id]; !exists {
		return ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

func (s *MemoryConversationStore) DeleteByUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conv := range s.convs {
		if conv.UserID == userID {
			delete(s.convs, id)
		}
	}
	return nil
}

// MemoryPreferenceStore provides an in-memory PreferenceStore.
type MemoryPreferenceStore struct {
	mu     sync.RWMutex
	values map[string]map[string]json.RawMessage
}

// NewMemoryPreferenceStore creates an in-memory preference store.
func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{values: make(map[string]map[string]json.RawMessage)}
}

func (s *MemoryPreferenceStore) Get(ctx context.Context, scope, key string, out any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[scope][key]
	if !ok {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(value, out); err != nil {
			return false, fmt.Errorf("failed to decode preference %s/%s: %w", scope, key, err)
		}
	}
	return true, nil
}

func (s *MemoryPreferenceStore) Put(ctx context.Context, scope, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[scope] == nil {
		s.values[scope] = make(map[string]json.RawMessage)
	}
	s.values[scope][key] = encoded
	return nil
}

func (s *MemoryPreferenceStore) Delete(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values[scope], key)
	return nil
}

func (s *MemoryPreferenceStore) ListScopes(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for scope, keys := range s.values {
		if value, ok := keys[key]; ok {
			out[scope] = value
		}
	}
	return out, nil
}

// NewMemoryStores constructs a StoreSet backed by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Conversations: NewMemoryConversationStore(),
		Preferences:   NewMemoryPreferenceStore(),
	}
}
