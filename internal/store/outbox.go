package store

import (
	"errors"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/util"
)

// ReplyStatus is the delivery state of an outbound reply.
type ReplyStatus string

const (
	ReplyQueued  ReplyStatus = "queued"
	ReplySending ReplyStatus = "sending"
	ReplySent    ReplyStatus = "sent"
	ReplyFailed  ReplyStatus = "failed"
)

// OutboundReply is a durable assistant reply waiting for channel delivery.
type OutboundReply struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Recipient      string      `json:"recipient"`
	Body           string      `json:"body"`
	Status         ReplyStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	ChunksSent     int         `json:"chunks_sent"`
	InboundID      string      `json:"inbound_id,omitempty"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at,omitempty"`
	LockedAt       *time.Time  `json:"locked_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ReplyOutbox persists replies so delivery survives channel outages and restarts.
type ReplyOutbox interface {
	// EnqueueReply queues body for recipient. A non-empty inboundID that already
	// has a live reply returns the existing reply's ID.
	EnqueueReply(conversationID, recipient, body, inboundID string) (string, error)

	// ClaimDueReplies moves up to limit queued replies due at now to sending.
	ClaimDueReplies(now time.Time, limit int) ([]OutboundReply, error)

	// MarkReplyProgress records that the first chunksSent chunks of a reply
	// being sent were delivered, so a retry resumes after them.
	MarkReplyProgress(id string, chunksSent int) error

	MarkReplySent(id string) error

	// RetryReply records a failed attempt and requeues the reply for nextAttemptAt.
	RetryReply(id, errMsg string, nextAttemptAt time.Time) error

	// FailReply records a failed attempt and gives up on the reply.
	FailReply(id, errMsg string) error

	// RequeueStaleReplies returns replies stuck in sending since before
	// staleBefore to the queue.
	RequeueStaleReplies(staleBefore time.Time) (int, error)

	// GetReplies lists a conversation's replies in creation order.
	GetReplies(conversationID string) ([]OutboundReply, error)

	// PruneReplies deletes sent and failed replies last updated before cutoff.
	PruneReplies(cutoff time.Time) (int, error)
}

// ErrReplyNotFound is returned when an outbound reply ID is unknown.
var ErrReplyNotFound = errors.New("outbound reply not found")

// ReplyIDPrefix prefixes generated outbound reply IDs.
const ReplyIDPrefix = "reply_"

func newReplyID() string {
	return util.GenerateRandomID(ReplyIDPrefix, 24)
}

var _ ReplyOutbox = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueReply(conversationID, recipient, body, inboundID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replies == nil {
		s.replies = make(map[string]*OutboundReply)
	}
	if inboundID != "" {
		for _, id := range s.replyOrder {
			if r := s.replies[id]; r.InboundID == inboundID && r.Status != ReplyFailed {
				return r.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	r := &OutboundReply{
		ID:             newReplyID(),
		ConversationID: conversationID,
		Recipient:      recipient,
		Body:           body,
		Status:         ReplyQueued,
		InboundID:      inboundID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.replies[r.ID] = r
	s.replyOrder = append(s.replyOrder, r.ID)
	return r.ID, nil
}

func (s *InMemoryStore) ClaimDueReplies(now time.Time, limit int) ([]OutboundReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboundReply
	for _, id := range s.replyOrder {
		r := s.replies[id]
		if r.Status == ReplyQueued && (r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)) {
			due = append(due, r)
		}
		if limit > 0 && len(due) == limit {
			break
		}
	}
	claimed := make([]OutboundReply, 0, len(due))
	for _, r := range due {
		locked := now
		r.Status = ReplySending
		r.LockedAt = &locked
		r.UpdatedAt = now
		claimed = append(claimed, *r)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkReplyProgress(id string, chunksSent int) error {
	return s.updateReply(id, func(r *OutboundReply) {
		locked := time.Now().UTC()
		r.ChunksSent = chunksSent
		r.LockedAt = &locked
	})
}

func (s *InMemoryStore) MarkReplySent(id string) error {
	return s.updateReply(id, func(r *OutboundReply) {
		r.Status = ReplySent
		r.LockedAt = nil
	})
}

func (s *InMemoryStore) RetryReply(id, errMsg string, nextAttemptAt time.Time) error {
	return s.updateReply(id, func(r *OutboundReply) {
		next := nextAttemptAt
		r.Status = ReplyQueued
		r.Attempts++
		r.LastError = errMsg
		r.NextAttemptAt = &next
		r.LockedAt = nil
	})
}

func (s *InMemoryStore) FailReply(id, errMsg string) error {
	return s.updateReply(id, func(r *OutboundReply) {
		r.Status = ReplyFailed
		r.Attempts++
		r.LastError = errMsg
		r.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleReplies(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.replies {
		if r.Status == ReplySending && r.LockedAt != nil && r.LockedAt.Before(staleBefore) {
			r.Status = ReplyQueued
			r.LockedAt = nil
			r.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetReplies(conversationID string) ([]OutboundReply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []OutboundReply{}
	for _, id := range s.replyOrder {
		if r := s.replies[id]; r.ConversationID == conversationID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PruneReplies(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.replyOrder[:0]
	n := 0
	for _, id := range s.replyOrder {
		r := s.replies[id]
		if (r.Status == ReplySent || r.Status == ReplyFailed) && r.UpdatedAt.Before(cutoff) {
			delete(s.replies, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.replyOrder = kept
	return n, nil
}

func (s *InMemoryStore) updateReply(id string, apply func(*OutboundReply)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replies[id]
	if !ok {
		return ErrReplyNotFound
	}
	apply(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}
