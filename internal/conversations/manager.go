// Package conversations tracks the dialogue threads behind each session
// origin: which conversation is current, its history, and its persistence.
package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kestrelbot/kestrel/internal/storage"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// currentConversationKey is the preference key holding a session origin's
// current conversation id.
const currentConversationKey = "session_conversation"

// Manager owns the origin to conversation mapping and a write-back cache of
// conversation histories.
type Manager struct {
	store  storage.ConversationStore
	prefs  storage.PreferenceStore
	logger *slog.Logger
	now    func() time.Time

	defaultPersona string
	flushEvery     time.Duration

	mu       sync.RWMutex
	sessions map[string]string                // origin -> current conversation id
	cache    map[string]*models.Conversation  // conversation id -> working copy
	dirty    map[string]bool                  // conversation ids pending write-back

	cron *cron.Cron
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger configures the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDefaultPersona sets the persona applied to new conversations.
func WithDefaultPersona(name string) Option {
	return func(m *Manager) {
		m.defaultPersona = name
	}
}

// WithFlushInterval overrides how often dirty conversations are written back.
func WithFlushInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.flushEvery = interval
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a conversation manager and warm-loads the origin to
// conversation mapping from the preference store.
func NewManager(ctx context.Context, store storage.ConversationStore, prefs storage.PreferenceStore, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:      store,
		prefs:      prefs,
		logger:     slog.Default().With("component", "conversations"),
		now:        time.Now,
		flushEvery: time.Minute,
		sessions:   make(map[string]string),
		cache:      make(map[string]*models.Conversation),
		dirty:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}

	scopes, err := prefs.ListScopes(ctx, currentConversationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session conversations: %w", err)
	}
	for origin, raw := range scopes {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			m.logger.Warn("skipping malformed session conversation", "origin", origin, "error", err)
			continue
		}
		if id != "" {
			m.sessions[origin] = id
		}
	}

	return m, nil
}

// Start begins the periodic write-back of dirty conversations.
func (m *Manager) Start() {
	if m.cron != nil {
		return
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.flushEvery)
	if _, err := m.cron.AddFunc(spec, func() {
		if err := m.Flush(context.Background()); err != nil {
			m.logger.Error("conversation flush failed", "error", err)
		}
	}); err != nil {
		m.logger.Error("failed to schedule conversation flush", "schedule", spec, "error", err)
		return
	}
	m.cron.Start()
}

// Close flushes dirty conversations and stops the write-back loop.
func (m *Manager) Close(ctx context.Context) error {
	if m.cron != nil {
		stopped := m.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
		m.cron = nil
	}
	return m.Flush(ctx)
}

// New creates a conversation for the origin, makes it current and returns it.
func (m *Manager) New(ctx context.Context, origin string) (*models.Conversation, error) {
	now := m.now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    origin,
		PersonaID: m.defaultPersona,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if err := m.setCurrent(ctx, origin, conv.ID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[conv.ID] = conv
	m.mu.Unlock()

	m.logger.Info("created conversation", "origin", origin, "conversation", conv.ID)
	return conv.Clone(), nil
}

// CurrentID returns the origin's current conversation id, or "" when the
// origin has none.
func (m *Manager) CurrentID(origin string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[origin]
}

// EnsureCurrent returns the origin's current conversation, creating one when
// the origin has none.
func (m *Manager) EnsureCurrent(ctx context.Context, origin string) (*models.Conversation, error) {
	if id := m.CurrentID(origin); id != "" {
		conv, err := m.Get(ctx, id)
		if err == nil {
			return conv, nil
		}
		if err != storage.ErrNotFound {
			return nil, err
		}
		// The pointer is stale, fall through and start fresh.
		m.logger.Warn("current conversation missing, creating a new one", "origin", origin, "conversation", id)
	}
	return m.New(ctx, origin)
}

// Get returns a copy of the conversation with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	conv, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return conv.Clone(), nil
	}

	conv, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	// Another goroutine may have cached (and mutated) it meanwhile.
	if cached, ok := m.cache[id]; ok {
		conv = cached
	} else {
		m.cache[id] = conv
	}
	m.mu.Unlock()
	return conv.Clone(), nil
}

// Switch makes the given conversation the origin's current one.
func (m *Manager) Switch(ctx context.Context, origin, id string) error {
	conv, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv.UserID != origin {
		return fmt.Errorf("conversation %s does not belong to %s", id, origin)
	}
	return m.setCurrent(ctx, origin, id)
}

// Delete removes the origin's current conversation and clears the pointer.
func (m *Manager) Delete(ctx context.Context, origin string) error {
	id := m.CurrentID(origin)
	if id == "" {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil && err != storage.ErrNotFound {
		return err
	}

	m.mu.Lock()
	delete(m.cache, id)
	delete(m.dirty, id)
	delete(m.sessions, origin)
	m.mu.Unlock()

	if err := m.prefs.Delete(ctx, origin, currentConversationKey); err != nil {
		return fmt.Errorf("failed to clear current conversation: %w", err)
	}
	m.logger.Info("deleted conversation", "origin", origin, "conversation", id)
	return nil
}

// DeleteAll removes every conversation owned by the origin.
func (m *Manager) DeleteAll(ctx context.Context, origin string) error {
	convs, err := m.store.ListByUser(ctx, origin)
	if err != nil {
		return err
	}
	if err := m.store.DeleteByUser(ctx, origin); err != nil {
		return err
	}

	m.mu.Lock()
	for _, conv := range convs {
		delete(m.cache, conv.ID)
		delete(m.dirty, conv.ID)
	}
	delete(m.sessions, origin)
	m.mu.Unlock()

	if err := m.prefs.Delete(ctx, origin, currentConversationKey); err != nil {
		return fmt.Errorf("failed to clear current conversation: %w", err)
	}
	return nil
}

// List returns the origin's conversations, most recently updated first.
func (m *Manager) List(ctx context.Context, origin string) ([]*models.Conversation, error) {
	convs, err := m.store.ListByUser(ctx, origin)
	if err != nil {
		return nil, err
	}
	// Prefer cached copies, which may hold unflushed history.
	m.mu.RLock()
	for i, conv := range convs {
		if cached, ok := m.cache[conv.ID]; ok {
			convs[i] = cached.Clone()
		}
	}
	m.mu.RUnlock()
	return convs, nil
}

// UpdateHistory replaces the conversation's history in the write-back cache.
func (m *Manager) UpdateHistory(ctx context.Context, id string, history []models.ContextEntry) error {
	return m.mutate(ctx, id, func(conv *models.Conversation) {
		conv.History = append([]models.ContextEntry(nil), history...)
	})
}

// UpdateTitle renames the conversation.
func (m *Manager) UpdateTitle(ctx context.Context, id, title string) error {
	return m.mutate(ctx, id, func(conv *models.Conversation) {
		conv.Title = title
	})
}

// UpdatePersona changes the conversation's persona.
func (m *Manager) UpdatePersona(ctx context.Context, id, persona string) error {
	return m.mutate(ctx, id, func(conv *models.Conversation) {
		conv.PersonaID = persona
	})
}

func (m *Manager) mutate(ctx context.Context, id string, apply func(*models.Conversation)) error {
	m.mu.Lock()
	conv, ok := m.cache[id]
	m.mu.Unlock()
	if !ok {
		loaded, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if cached, exists := m.cache[id]; exists {
			conv = cached
		} else {
			m.cache[id] = loaded
			conv = loaded
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	apply(conv)
	conv.UpdatedAt = m.now().UTC()
	m.dirty[id] = true
	m.mu.Unlock()
	return nil
}

// Flush writes every dirty conversation back to the store.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]*models.Conversation, 0, len(m.dirty))
	for id := range m.dirty {
		if conv, ok := m.cache[id]; ok {
			pending = append(pending, conv.Clone())
		}
		delete(m.dirty, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, conv := range pending {
		if err := m.store.Update(ctx, conv); err != nil {
			m.logger.Error("failed to flush conversation", "conversation", conv.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			m.mu.Lock()
			m.dirty[conv.ID] = true
			m.mu.Unlock()
		}
	}
	return firstErr
}

func (m *Manager) setCurrent(ctx context.Context, origin, id string) error {
	if err := m.prefs.Put(ctx, origin, currentConversationKey, id); err != nil {
		return fmt.Errorf("failed to store current conversation: %w", err)
	}
	m.mu.Lock()
	m.sessions[origin] = id
	m.mu.Unlock()
	return nil
}
