package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var _ ReplyOutbox = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueReply(conversationID, recipient, body, inboundID string) (string, error) {
	if inboundID != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM reply_outbox WHERE inbound_id = ? AND status != 'failed' ORDER BY rowid LIMIT 1`,
			inboundID,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueReply: reply already queued", "inboundID", inboundID, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("reply dedupe check failed: %w", err)
		}
	}

	id := newReplyID()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO reply_outbox (id, conversation_id, recipient, body, status, attempts, inbound_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, conversationID, recipient, body, nullString(inboundID), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue reply failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueReply: reply queued", "id", id, "conversationID", conversationID)
	return id, nil
}

func (s *SQLiteStore) ClaimDueReplies(now time.Time, limit int) ([]OutboundReply, error) {
	now = now.UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+replyColumns+` FROM reply_outbox
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY rowid ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due replies failed: %w", err)
	}
	replies, err := scanReplies(rows)
	if err != nil {
		return nil, err
	}

	for i := range replies {
		if _, err := tx.Exec(
			`UPDATE reply_outbox SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, replies[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark reply sending failed: %w", err)
		}
		locked := now
		replies[i].Status = ReplySending
		replies[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return replies, nil
}

func (s *SQLiteStore) MarkReplyProgress(id string, chunksSent int) error {
	now := time.Now().UTC()
	return s.execReply(`UPDATE reply_outbox SET chunks_sent = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
		chunksSent, now, now, id)
}

func (s *SQLiteStore) MarkReplySent(id string) error {
	return s.execReply(`UPDATE reply_outbox SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (s *SQLiteStore) RetryReply(id, errMsg string, nextAttemptAt time.Time) error {
	return s.execReply(
		`UPDATE reply_outbox SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
}

func (s *SQLiteStore) FailReply(id, errMsg string) error {
	return s.execReply(
		`UPDATE reply_outbox SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id)
}

func (s *SQLiteStore) RequeueStaleReplies(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE reply_outbox SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale replies failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) GetReplies(conversationID string) ([]OutboundReply, error) {
	rows, err := s.db.Query(
		`SELECT `+replyColumns+` FROM reply_outbox WHERE conversation_id = ? ORDER BY rowid ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query replies: %w", err)
	}
	return scanReplies(rows)
}

func (s *SQLiteStore) PruneReplies(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM reply_outbox WHERE status IN ('sent', 'failed') AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune replies failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) execReply(query string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update reply failed: %w", err)
	}
	return requireAffected(result)
}
