// ABOUTME: SQLite implementation of agent record persistence
// ABOUTME: Agents are keyed by ID with a unique digits-only phone column

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const agentColumns = `id, phone, name, type, description, prompt, plan, status, qr_code, created_at, updated_at`

// CreateAgent inserts a new agent.
// Returns ErrDuplicateAgent if another agent already uses the phone.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Phone,
		agent.Name,
		agent.Type,
		agent.Description,
		agent.Prompt,
		agent.Plan,
		string(agent.Status),
		nullString(agent.QRCode),
		agent.CreatedAt.UTC().Format(time.RFC3339),
		agent.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "phone", agent.Phone)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByPhone retrieves an agent by its digits-only phone.
func (s *SQLiteStore) GetAgentByPhone(ctx context.Context, phone string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE phone = ?`, phone)
	return scanAgent(row)
}

// ListAgents returns every agent, oldest first.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus sets the status of an agent.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}
	return s.updateAgent(ctx, id, `status = ?`, string(status))
}

// SetAgentQRCode stores the most recent pairing code payload.
func (s *SQLiteStore) SetAgentQRCode(ctx context.Context, id, code string) error {
	return s.updateAgent(ctx, id, `qr_code = ?`, nullString(code))
}

func (s *SQLiteStore) updateAgent(ctx context.Context, id, set string, value any) error {
	query := `UPDATE agents SET ` + set + `, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, value, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent and, via cascade, its usage and attempts.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted agent", "id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var status string
	var qrCode sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&agent.ID,
		&agent.Phone,
		&agent.Name,
		&agent.Type,
		&agent.Description,
		&agent.Prompt,
		&agent.Plan,
		&status,
		&qrCode,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.Status = AgentStatus(status)
	if qrCode.Valid {
		agent.QRCode = qrCode.String
	}

	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &agent, nil
}
