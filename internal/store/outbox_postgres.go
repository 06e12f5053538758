package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var _ ReplyOutbox = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueReply(conversationID, recipient, body, inboundID string) (string, error) {
	if inboundID != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM reply_outbox WHERE inbound_id = $1 AND status != 'failed' ORDER BY seq LIMIT 1`,
			inboundID,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueReply: reply already queued", "inboundID", inboundID, "existingID", existingID)
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
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)`,
		id, conversationID, recipient, body, nullString(inboundID), now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue reply failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueReply: reply queued", "id", id, "conversationID", conversationID)
	return id, nil
}

// ClaimDueReplies uses SKIP LOCKED so several instances can share one outbox.
func (s *PostgresStore) ClaimDueReplies(now time.Time, limit int) ([]OutboundReply, error) {
	rows, err := s.db.Query(
		`WITH claimed AS (
		   UPDATE reply_outbox SET status = 'sending', locked_at = $1, updated_at = $1
		   WHERE id IN (
		     SELECT id FROM reply_outbox
		     WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		     ORDER BY seq ASC LIMIT $2
		     FOR UPDATE SKIP LOCKED
		   )
		   RETURNING *
		 )
		 SELECT `+replyColumns+` FROM claimed ORDER BY seq ASC`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due replies failed: %w", err)
	}
	return scanReplies(rows)
}

func (s *PostgresStore) MarkReplyProgress(id string, chunksSent int) error {
	return s.execReply(`UPDATE reply_outbox SET chunks_sent = $1, locked_at = $2, updated_at = $2 WHERE id = $3`,
		chunksSent, time.Now().UTC(), id)
}

func (s *PostgresStore) MarkReplySent(id string) error {
	return s.execReply(`UPDATE reply_outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
}

func (s *PostgresStore) RetryReply(id, errMsg string, nextAttemptAt time.Time) error {
	return s.execReply(
		`UPDATE reply_outbox SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
}

func (s *PostgresStore) FailReply(id, errMsg string) error {
	return s.execReply(
		`UPDATE reply_outbox SET status = 'failed', attempts = attempts + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now().UTC(), id)
}

func (s *PostgresStore) RequeueStaleReplies(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE reply_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale replies failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) GetReplies(conversationID string) ([]OutboundReply, error) {
	rows, err := s.db.Query(
		`SELECT `+replyColumns+` FROM reply_outbox WHERE conversation_id = $1 ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query replies: %w", err)
	}
	return scanReplies(rows)
}

func (s *PostgresStore) PruneReplies(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM reply_outbox WHERE status IN ('sent', 'failed') AND updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune replies failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) execReply(query string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update reply failed: %w", err)
	}
	return requireAffected(result)
}
