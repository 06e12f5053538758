package models

import (
	"strings"
	"time"
)

// MaxMessageLength bounds a single inbound message body.
const MaxMessageLength = 8192

// Conversation is a stored transcript together with its structured context.
type Conversation struct {
	ID       string            `json:"id"`
	Messages []Message         `json:"messages"`
	Context  StructuredContext `json:"context"`
}

// TurnRequest is the payload for posting a new user message to a conversation.
type TurnRequest struct {
	Content       string `json:"content"`
	HasAttachment bool   `json:"has_attachment,omitempty"`
	// MessageID makes the turn's user message idempotent: a retried turn with
	// the same ID does not append the message again.
	MessageID string `json:"message_id,omitempty"`
}

// Validate checks the turn request for an oversized body.
func (r *TurnRequest) Validate() error {
	if len(r.Content) > MaxMessageLength {
		return &ValidationError{Field: "content", Reason: "exceeds maximum length"}
	}
	return nil
}

// EvaluateRequest is the payload for the stateless evaluation endpoints.
type EvaluateRequest struct {
	Messages []Message         `json:"messages"`
	Context  StructuredContext `json:"context"`
}

// Validate checks the transcript and context for structural errors.
func (r *EvaluateRequest) Validate() error {
	if r.Messages == nil {
		return &ValidationError{Field: "messages", Reason: "is required"}
	}
	if err := ValidateTranscript(r.Messages); err != nil {
		return err
	}
	return r.Context.Validate()
}

// DecisionRecord is an audit entry written once per processed turn.
type DecisionRecord struct {
	ConversationID string        `json:"conversation_id"`
	Scope          ScopeDecision `json:"scope"`
	Gate           *GateDecision `json:"gate,omitempty"`
	Generated      bool          `json:"generated"`
	CreatedAt      time.Time     `json:"created_at"`
}

// CanonicalConversationID trims and validates a conversation identifier.
func CanonicalConversationID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyConversationID
	}
	return id, nil
}
