package store

import (
	"fmt"
	"time"
)

var _ InboundLedger = (*SQLiteStore)(nil)

func (s *SQLiteStore) RecordInbound(messageID, conversationID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_messages (message_id, conversation_id, received_at) VALUES (?, ?, ?)`,
		messageID, conversationID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inbound rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkInboundProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_messages SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark inbound processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseInbound(messageID string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_messages WHERE message_id = ? AND processed_at IS NULL`, messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneInbound(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM inbound_messages WHERE processed_at IS NOT NULL AND processed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
