package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/kestrelbot/kestrel/pkg/models"
)

// NewSQLiteStores opens (or creates) the SQLite database at path and returns
// a StoreSet backed by it. Pass ":memory:" for an ephemeral database.
func NewSQLiteStores(path string) (StoreSet, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return StoreSet{}, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc.org/sqlite serializes writes itself but a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return StoreSet{}, err
	}

	return StoreSet{
		Conversations: &sqliteConversationStore{db: db},
		Preferences:   &sqlitePreferenceStore{db: db},
		closer:        db.Close,
	}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			persona_id TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)",
		`CREATE TABLE IF NOT EXISTS preferences (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (scope, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

type sqliteConversationStore struct {
	db *sql.DB
}

func (s *sqliteConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	history, err := json.Marshal(conv.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, persona_id, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.UserID, conv.Title, conv.PersonaID, string(history), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (s *sqliteConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, persona_id, history, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)
	return scanConversation(row)
}

func (s *sqliteConversationStore) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, persona_id, history, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *sqliteConversationStore) Update(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	history, err := json.Marshal(conv.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, persona_id = ?, history = ?, updated_at = ?
		WHERE id = ?
	`, conv.Title, conv.PersonaID, string(history), conv.UpdatedAt, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteConversationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteConversationStore) DeleteByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversations: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv    models.Conversation
		history string
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.PersonaID, &history, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &conv.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &conv, nil
}

type sqlitePreferenceStore struct {
	db *sql.DB
}

func (s *sqlitePreferenceStore) Get(ctx context.Context, scope, key string, out any) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM preferences WHERE scope = ? AND key = ?", scope, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read preference: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(value), out); err != nil {
			return false, fmt.Errorf("failed to decode preference %s/%s: %w", scope, key, err)
		}
	}
	return true, nil
}

func (s *sqlitePreferenceStore) Put(ctx context.Context, scope, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preferences (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, scope, key, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write preference: %w", err)
	}
	return nil
}

func (s *sqlitePreferenceStore) Delete(ctx context.Context, scope, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM preferences WHERE scope = ? AND key = ?", scope, key)
	if err != nil {
		return fmt.Errorf("failed to delete preference: %w", err)
	}
	return nil
}

func (s *sqlitePreferenceStore) ListScopes(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT scope, value FROM preferences WHERE key = ?", key)
	if err != nil {
		return nil, fmt.Errorf("failed to list preference scopes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var scope, value string
		if err := rows.Scan(&scope, &value); err != nil {
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		out[scope] = json.RawMessage(value)
	}
	return out, rows.Err()
}
