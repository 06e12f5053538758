// Package store provides storage backends for AllyGate.
//
// This file implements an SQLite-backed conversation store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serialize access through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendMessage(conversationID string, m models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO conversations (id) VALUES (?)
		ON CONFLICT(id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`, conversationID); err != nil {
		slog.Error("SQLiteStore AppendMessage upsert failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to upsert conversation %s: %w", conversationID, err)
	}
	result, err := tx.Exec(`INSERT OR IGNORE INTO messages (conversation_id, role, content, has_attachment, external_id) VALUES (?, ?, ?, ?, ?)`,
		conversationID, string(m.Role), m.Content, m.HasAttachment, nullString(m.ExternalID))
	if err != nil {
		slog.Error("SQLiteStore AppendMessage insert failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to insert message for %s: %w", conversationID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore AppendMessage duplicate message skipped", "conversationID", conversationID, "externalID", m.ExternalID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message for %s: %w", conversationID, err)
	}
	slog.Debug("SQLiteStore AppendMessage succeeded", "conversationID", conversationID, "role", m.Role)
	return nil
}

func (s *SQLiteStore) GetConversation(conversationID string) (models.Conversation, error) {
	var waterType sql.NullString
	var volume sql.NullFloat64
	err := s.db.QueryRow(`SELECT declared_water_type, known_volume_gallons FROM conversations WHERE id = ?`, conversationID).
		Scan(&waterType, &volume)
	if err == sql.ErrNoRows {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation query failed", "error", err, "conversationID", conversationID)
		return models.Conversation{}, fmt.Errorf("failed to query conversation %s: %w", conversationID, err)
	}

	rows, err := s.db.Query(`SELECT role, content, has_attachment, external_id FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore GetConversation messages query failed", "error", err, "conversationID", conversationID)
		return models.Conversation{}, fmt.Errorf("failed to query messages for %s: %w", conversationID, err)
	}
	defer rows.Close()
	messages, err := scanMessages(rows)
	if err != nil {
		return models.Conversation{}, err
	}
	return models.Conversation{
		ID:       conversationID,
		Messages: messages,
		Context:  contextFromColumns(waterType, volume),
	}, nil
}

func (s *SQLiteStore) SetContext(conversationID string, sc models.StructuredContext) error {
	waterType, volume := contextColumns(sc)
	_, err := s.db.Exec(`INSERT INTO conversations (id, declared_water_type, known_volume_gallons) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			declared_water_type = excluded.declared_water_type,
			known_volume_gallons = excluded.known_volume_gallons,
			updated_at = CURRENT_TIMESTAMP`, conversationID, waterType, volume)
	if err != nil {
		slog.Error("SQLiteStore SetContext failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to set context for %s: %w", conversationID, err)
	}
	return nil
}

func (s *SQLiteStore) AddDecision(r models.DecisionRecord) error {
	scopeJSON, gateJSON, createdAt, err := encodeDecision(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO decisions (conversation_id, scope_json, gate_json, generated, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ConversationID, scopeJSON, gateJSON, r.Generated, createdAt)
	if err != nil {
		slog.Error("SQLiteStore AddDecision failed", "error", err, "conversationID", r.ConversationID)
		return fmt.Errorf("failed to insert decision for %s: %w", r.ConversationID, err)
	}
	return nil
}

func (s *SQLiteStore) GetDecisions(conversationID string) ([]models.DecisionRecord, error) {
	rows, err := s.db.Query(`SELECT conversation_id, scope_json, gate_json, generated, created_at
		FROM decisions WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore GetDecisions query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query decisions for %s: %w", conversationID, err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
