// ABOUTME: SQLite implementation of the pairing attempt audit trail
// ABOUTME: One row per acquisition loop tick, kept for diagnosing slow code generation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordPairingAttempt appends an attempt record.
func (s *SQLiteStore) RecordPairingAttempt(ctx context.Context, attempt *PairingAttempt) error {
	query := `
		INSERT INTO pairing_attempts (id, agent_id, attempt, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.AgentID,
		attempt.Attempt,
		attempt.Outcome,
		nullString(attempt.Detail),
		attempt.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting pairing attempt: %w", err)
	}
	return nil
}

// ListPairingAttempts returns the most recent attempts for an agent in
// insertion order.
func (s *SQLiteStore) ListPairingAttempts(ctx context.Context, agentID string, limit int) ([]*PairingAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, agent_id, attempt, outcome, detail, created_at FROM (
			SELECT rowid, id, agent_id, attempt, outcome, detail, created_at
			FROM pairing_attempts
			WHERE agent_id = ?
			ORDER BY rowid DESC
			LIMIT ?
		) ORDER BY rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pairing attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*PairingAttempt
	for rows.Next() {
		var a PairingAttempt
		var detail sql.NullString
		var createdAtStr string
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Attempt, &a.Outcome, &detail, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning pairing attempt: %w", err)
		}
		if detail.Valid {
			a.Detail = detail.String
		}
		a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pairing attempt rows: %w", err)
	}
	return attempts, nil
}
