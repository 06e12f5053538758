// Package cache memoizes scope and gate decisions in Redis.
//
// Both evaluations are pure functions of the transcript, the structured context
// and the evaluator configuration, so identical inputs can reuse a stored
// decision. Cache failures are never fatal: a read error is a miss and a write
// error is logged.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	backend "github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix namespaces decision keys.
	DefaultPrefix = "allygate:decision:"
	// DefaultTTL bounds how long a decision is reused.
	DefaultTTL = 10 * time.Minute
)

// Decisions is the cached output of one evaluation. Gate is nil when the turn
// was out of scope.
type Decisions struct {
	Scope models.ScopeDecision `json:"scope"`
	Gate  *models.GateDecision `json:"gate,omitempty"`
}

// Store caches decisions in Redis.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for cached decisions. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for cached decisions.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a Redis-backed decision cache.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a decision cache from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Ping checks connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Key derives the cache key for an evaluation. fingerprint identifies the
// evaluator configuration so differently configured evaluators never share entries.
func Key(messages []models.Message, sc models.StructuredContext, fingerprint string) (string, error) {
	payload, err := json.Marshal(struct {
		Messages    []models.Message         `json:"m"`
		Context     models.StructuredContext `json:"c"`
		Fingerprint string                   `json:"f"`
	}{messages, sc, fingerprint})
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache key payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the cached decisions for key.
func (s *Store) Get(ctx context.Context, key string) (Decisions, bool) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, backend.Nil) {
		return Decisions{}, false
	}
	if err != nil {
		slog.Warn("cache.Store.Get: redis read failed, treating as miss", "error", err)
		return Decisions{}, false
	}
	var d Decisions
	if err := json.Unmarshal(data, &d); err != nil {
		slog.Warn("cache.Store.Get: corrupt cache entry, treating as miss", "error", err)
		return Decisions{}, false
	}
	return d, true
}

// Set stores decisions under key.
func (s *Store) Set(ctx context.Context, key string, d Decisions) {
	data, err := json.Marshal(d)
	if err != nil {
		slog.Warn("cache.Store.Set: failed to marshal decisions", "error", err)
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache.Store.Set: redis write failed", "error", err)
	}
}
