package store

import (
	"time"
)

// InboundLedger remembers channel message IDs so redelivered webhooks are
// processed once.
type InboundLedger interface {
	// RecordInbound claims messageID for processing. It returns false when the
	// message was already claimed.
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkInboundProcessed records that the claimed message was fully handled.
	MarkInboundProcessed(messageID string) error

	// ReleaseInbound drops an unprocessed claim so a redelivery can retry it.
	ReleaseInbound(messageID string) error

	// PruneInbound forgets messages processed before cutoff.
	PruneInbound(cutoff time.Time) (int, error)
}

type inboundEntry struct {
	conversationID string
	receivedAt     time.Time
	processedAt    *time.Time
}

var _ InboundLedger = (*InMemoryStore)(nil)

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound == nil {
		s.inbound = make(map[string]*inboundEntry)
	}
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &inboundEntry{conversationID: conversationID, receivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkInboundProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.inbound[messageID]; ok {
		now := time.Now().UTC()
		e.processedAt = &now
	}
	return nil
}

func (s *InMemoryStore) ReleaseInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.inbound[messageID]; ok && e.processedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.inbound {
		if e.processedAt != nil && e.processedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}
