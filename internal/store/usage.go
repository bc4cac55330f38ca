// ABOUTME: SQLite implementation for per-agent message usage counters
// ABOUTME: Tracks messages sent against the plan-derived limit

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InitUsage creates or resets the counter for an agent with the given limit.
func (s *SQLiteStore) InitUsage(ctx context.Context, agentID string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("usage limit must not be negative, got %d", limit)
	}

	query := `
		INSERT INTO message_usage (agent_id, used, usage_limit, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			used = 0,
			usage_limit = excluded.usage_limit,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, agentID, limit, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("initializing usage: %w", err)
	}

	s.logger.Debug("initialized usage", "agent_id", agentID, "limit", limit)
	return nil
}

// GetUsage returns the counter for an agent.
func (s *SQLiteStore) GetUsage(ctx context.Context, agentID string) (*Usage, error) {
	query := `SELECT agent_id, used, usage_limit, updated_at FROM message_usage WHERE agent_id = ?`
	return scanUsage(s.db.QueryRowContext(ctx, query, agentID))
}

// ReserveUsage records one message against the agent's limit. The
// conditional update makes concurrent reservations unable to overshoot.
func (s *SQLiteStore) ReserveUsage(ctx context.Context, agentID string) (*Usage, error) {
	query := `
		UPDATE message_usage SET used = used + 1, updated_at = ?
		WHERE agent_id = ? AND used < usage_limit
		RETURNING agent_id, used, usage_limit, updated_at
	`

	usage, err := scanUsage(s.db.QueryRowContext(ctx, query, time.Now().UTC().Format(time.RFC3339), agentID))
	if errors.Is(err, ErrNotFound) {
		// Either the agent has no counter or the limit is used up.
		if _, err := s.GetUsage(ctx, agentID); err != nil {
			return nil, err
		}
		return nil, ErrUsageLimitReached
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("reserved usage", "agent_id", agentID, "used", usage.Used, "limit", usage.Limit)
	return usage, nil
}

// ReleaseUsage gives back a reserved message slot.
func (s *SQLiteStore) ReleaseUsage(ctx context.Context, agentID string) (*Usage, error) {
	query := `
		UPDATE message_usage SET used = used - 1, updated_at = ?
		WHERE agent_id = ? AND used > 0
		RETURNING agent_id, used, usage_limit, updated_at
	`

	usage, err := scanUsage(s.db.QueryRowContext(ctx, query, time.Now().UTC().Format(time.RFC3339), agentID))
	if errors.Is(err, ErrNotFound) {
		return s.GetUsage(ctx, agentID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("released usage", "agent_id", agentID, "used", usage.Used, "limit", usage.Limit)
	return usage, nil
}

func scanUsage(row rowScanner) (*Usage, error) {
	var usage Usage
	var updatedAtStr string

	err := row.Scan(&usage.AgentID, &usage.Used, &usage.Limit, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning usage: %w", err)
	}

	usage.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &usage, nil
}
