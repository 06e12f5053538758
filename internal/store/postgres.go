// Package store provides storage backends for AllyGate.
//
// This file implements a PostgreSQL-backed conversation store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AppendMessage(conversationID string, m models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`, conversationID); err != nil {
		slog.Error("PostgresStore AppendMessage upsert failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to upsert conversation %s: %w", conversationID, err)
	}
	result, err := tx.Exec(`INSERT INTO messages (conversation_id, role, content, has_attachment, external_id) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		conversationID, string(m.Role), m.Content, m.HasAttachment, nullString(m.ExternalID))
	if err != nil {
		slog.Error("PostgresStore AppendMessage insert failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to insert message for %s: %w", conversationID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		slog.Debug("PostgresStore AppendMessage duplicate message skipped", "conversationID", conversationID, "externalID", m.ExternalID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message for %s: %w", conversationID, err)
	}
	slog.Debug("PostgresStore AppendMessage succeeded", "conversationID", conversationID, "role", m.Role)
	return nil
}

func (s *PostgresStore) GetConversation(conversationID string) (models.Conversation, error) {
	var waterType sql.NullString
	var volume sql.NullFloat64
	err := s.db.QueryRow(`SELECT declared_water_type, known_volume_gallons FROM conversations WHERE id = $1`, conversationID).
		Scan(&waterType, &volume)
	if err == sql.ErrNoRows {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation query failed", "error", err, "conversationID", conversationID)
		return models.Conversation{}, fmt.Errorf("failed to query conversation %s: %w", conversationID, err)
	}

	rows, err := s.db.Query(`SELECT role, content, has_attachment, external_id FROM messages WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		slog.Error("PostgresStore GetConversation messages query failed", "error", err, "conversationID", conversationID)
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

func (s *PostgresStore) SetContext(conversationID string, sc models.StructuredContext) error {
	waterType, volume := contextColumns(sc)
	_, err := s.db.Exec(`INSERT INTO conversations (id, declared_water_type, known_volume_gallons) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			declared_water_type = EXCLUDED.declared_water_type,
			known_volume_gallons = EXCLUDED.known_volume_gallons,
			updated_at = NOW()`, conversationID, waterType, volume)
	if err != nil {
		slog.Error("PostgresStore SetContext failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to set context for %s: %w", conversationID, err)
	}
	return nil
}

func (s *PostgresStore) AddDecision(r models.DecisionRecord) error {
	scopeJSON, gateJSON, createdAt, err := encodeDecision(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO decisions (conversation_id, scope_json, gate_json, generated, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.ConversationID, scopeJSON, gateJSON, r.Generated, createdAt)
	if err != nil {
		slog.Error("PostgresStore AddDecision failed", "error", err, "conversationID", r.ConversationID)
		return fmt.Errorf("failed to insert decision for %s: %w", r.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) GetDecisions(conversationID string) ([]models.DecisionRecord, error) {
	rows, err := s.db.Query(`SELECT conversation_id, scope_json, gate_json, generated, created_at
		FROM decisions WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		slog.Error("PostgresStore GetDecisions query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query decisions for %s: %w", conversationID, err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
