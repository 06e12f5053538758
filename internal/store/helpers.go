package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/models"
)

// contextColumns converts a structured context into nullable column values.
func contextColumns(sc models.StructuredContext) (interface{}, interface{}) {
	var waterType, volume interface{}
	if sc.DeclaredWaterType != nil {
		waterType = string(*sc.DeclaredWaterType)
	}
	if sc.KnownVolumeGallons != nil {
		volume = *sc.KnownVolumeGallons
	}
	return waterType, volume
}

// contextFromColumns is the inverse of contextColumns.
func contextFromColumns(waterType sql.NullString, volume sql.NullFloat64) models.StructuredContext {
	var sc models.StructuredContext
	if waterType.Valid {
		w := models.WaterType(waterType.String)
		sc.DeclaredWaterType = &w
	}
	if volume.Valid {
		v := volume.Float64
		sc.KnownVolumeGallons = &v
	}
	return sc
}

// encodeDecision marshals the scope and gate halves of a decision record.
func encodeDecision(r models.DecisionRecord) (string, interface{}, time.Time, error) {
	scopeJSON, err := json.Marshal(r.Scope)
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("failed to marshal scope decision: %w", err)
	}
	var gateJSON interface{}
	if r.Gate != nil {
		b, err := json.Marshal(r.Gate)
		if err != nil {
			return "", nil, time.Time{}, fmt.Errorf("failed to marshal gate decision: %w", err)
		}
		gateJSON = string(b)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return string(scopeJSON), gateJSON, createdAt, nil
}

// scanDecisions reads decision rows selected as
// (conversation_id, scope_json, gate_json, generated, created_at).
func scanDecisions(rows *sql.Rows) ([]models.DecisionRecord, error) {
	records := []models.DecisionRecord{}
	for rows.Next() {
		var r models.DecisionRecord
		var scopeJSON string
		var gateJSON sql.NullString
		if err := rows.Scan(&r.ConversationID, &scopeJSON, &gateJSON, &r.Generated, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		if err := json.Unmarshal([]byte(scopeJSON), &r.Scope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scope decision: %w", err)
		}
		if gateJSON.Valid && gateJSON.String != "" {
			var g models.GateDecision
			if err := json.Unmarshal([]byte(gateJSON.String), &g); err != nil {
				return nil, fmt.Errorf("failed to unmarshal gate decision: %w", err)
			}
			r.Gate = &g
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decision rows: %w", err)
	}
	return records, nil
}

// scanMessages reads message rows selected as (role, content, has_attachment).
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var externalID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &m.HasAttachment, &externalID); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.ExternalID = externalID.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

const replyColumns = `id, conversation_id, recipient, body, status, attempts, chunks_sent, inbound_id, next_attempt_at, locked_at, last_error, created_at, updated_at`

// scanReplies reads reply_outbox rows selected as replyColumns and closes rows.
func scanReplies(rows *sql.Rows) ([]OutboundReply, error) {
	defer rows.Close()
	replies := []OutboundReply{}
	for rows.Next() {
		var r OutboundReply
		var inboundID, lastError sql.NullString
		var nextAttemptAt, lockedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Recipient, &r.Body, &r.Status, &r.Attempts, &r.ChunksSent,
			&inboundID, &nextAttemptAt, &lockedAt, &lastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reply row: %w", err)
		}
		r.InboundID = inboundID.String
		r.LastError = lastError.String
		if nextAttemptAt.Valid {
			t := nextAttemptAt.Time
			r.NextAttemptAt = &t
		}
		if lockedAt.Valid {
			t := lockedAt.Time
			r.LockedAt = &t
		}
		replies = append(replies, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reply rows: %w", err)
	}
	return replies, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected check failed: %w", err)
	}
	if n == 0 {
		return ErrReplyNotFound
	}
	return nil
}
