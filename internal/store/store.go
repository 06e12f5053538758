// Package store provides storage backends for AllyGate.
//
// A store keeps each conversation's transcript and structured context, plus an
// audit trail of the scope and gate decisions taken for its turns. The in-memory
// store is used for tests and ephemeral deployments; SQLite and Postgres back
// persistent ones.
package store

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/models"
)

// ErrConversationNotFound is returned when a conversation has no stored
// messages or context.
var ErrConversationNotFound = errors.New("conversation not found")

// Store defines the interface for conversation storage backends.
type Store interface {
	// AppendMessage adds a message to the end of a conversation's transcript,
	// creating the conversation if needed. A message whose ExternalID is already
	// in the conversation is skipped.
	AppendMessage(conversationID string, m models.Message) error
	// GetConversation returns the transcript in append order and the structured
	// context of a conversation.
	GetConversation(conversationID string) (models.Conversation, error)
	// SetContext replaces the structured context of a conversation.
	SetContext(conversationID string, sc models.StructuredContext) error
	// AddDecision records the decisions taken for one turn.
	AddDecision(r models.DecisionRecord) error
	// GetDecisions returns the decision records of a conversation, oldest first.
	GetDecisions(conversationID string) ([]models.DecisionRecord, error)
	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for storage backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for storage backends.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for
// Postgres URLs and key/value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend matching the DSN.
func New(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

type memoryConversation struct {
	messages []models.Message
	context  models.StructuredContext
}

// InMemoryStore is a mutex-guarded store that keeps everything in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*memoryConversation
	decisions     map[string][]models.DecisionRecord
	inbound       map[string]*inboundEntry
	replies       map[string]*OutboundReply
	replyOrder    []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*memoryConversation),
		decisions:     make(map[string][]models.DecisionRecord),
		inbound:       make(map[string]*inboundEntry),
		replies:       make(map[string]*OutboundReply),
	}
}

func (s *InMemoryStore) AppendMessage(conversationID string, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(conversationID)
	if m.ExternalID != "" && slices.ContainsFunc(c.messages, func(e models.Message) bool { return e.ExternalID == m.ExternalID }) {
		slog.Debug("InMemoryStore.AppendMessage: duplicate message skipped", "conversationID", conversationID, "externalID", m.ExternalID)
		return nil
	}
	c.messages = append(c.messages, m)
	slog.Debug("InMemoryStore.AppendMessage: message appended", "conversationID", conversationID, "role", m.Role, "count", len(c.messages))
	return nil
}

func (s *InMemoryStore) GetConversation(conversationID string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return models.Conversation{
		ID:       conversationID,
		Messages: append([]models.Message{}, c.messages...),
		Context:  copyContext(c.context),
	}, nil
}

func (s *InMemoryStore) SetContext(conversationID string, sc models.StructuredContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation(conversationID).context = copyContext(sc)
	return nil
}

func (s *InMemoryStore) AddDecision(r models.DecisionRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[r.ConversationID] = append(s.decisions[r.ConversationID], r)
	return nil
}

func (s *InMemoryStore) GetDecisions(conversationID string) ([]models.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.DecisionRecord{}, s.decisions[conversationID]...), nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// conversation returns the entry for id, creating it. Callers hold s.mu.
func (s *InMemoryStore) conversation(id string) *memoryConversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &memoryConversation{messages: []models.Message{}}
		s.conversations[id] = c
	}
	return c
}

func copyContext(sc models.StructuredContext) models.StructuredContext {
	var out models.StructuredContext
	if sc.DeclaredWaterType != nil {
		w := *sc.DeclaredWaterType
		out.DeclaredWaterType = &w
	}
	if sc.KnownVolumeGallons != nil {
		v := *sc.KnownVolumeGallons
		out.KnownVolumeGallons = &v
	}
	return out
}
