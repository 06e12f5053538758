// Package messaging delivers Ally's replies over chat channels and parses the
// channels' inbound webhooks.
package messaging

import (
	"context"
	"errors"
)

// ErrEmptyInbound is returned when an inbound webhook carries no sender or no content.
var ErrEmptyInbound = errors.New("inbound message missing sender or content")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient, splitting it if the channel
	// limits message length.
	SendMessage(ctx context.Context, to string, body string) error
}

// Chunker is implemented by services whose channel caps message length.
// ReplyDispatcher sends the chunks one at a time and records progress
// between them, so a retry never repeats a delivered chunk.
type Chunker interface {
	Chunks(body string) []string
}

// Inbound is a user message received from a chat channel.
type Inbound struct {
	// From is the canonical sender identifier.
	From string
	Body string
	// MediaCount is the number of attached media items.
	MediaCount int
	// MessageID is the channel's identifier for the message, used to drop
	// redelivered webhooks. Empty when the channel does not provide one.
	MessageID string
}

// ConversationID derives the conversation a channel sender's messages belong to.
func (in Inbound) ConversationID(channel string) string {
	return channel + ":" + in.From
}
