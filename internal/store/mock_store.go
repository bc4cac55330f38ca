// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent // keyed by agent ID
	phoneIndex map[string]string // keyed by phone -> agent ID
	usage      map[string]*Usage // keyed by agent ID
	attempts   map[string][]*PairingAttempt
	seq        int // preserves insertion order for ListAgents
	order      map[string]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:     make(map[string]*Agent),
		phoneIndex: make(map[string]string),
		usage:      make(map[string]*Usage),
		attempts:   make(map[string][]*PairingAttempt),
		order:      make(map[string]int),
	}
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.phoneIndex[agent.Phone]; ok {
		return ErrDuplicateAgent
	}
	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicateAgent
	}

	// Make a copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	m.phoneIndex[a.Phone] = a.ID
	m.seq++
	m.order[a.ID] = m.seq
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// GetAgentByPhone retrieves an agent by phone.
func (m *MockStore) GetAgentByPhone(ctx context.Context, phone string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.phoneIndex[phone]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.agents[id]
	return &result, nil
}

// ListAgents returns all agents in insertion order.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return m.order[result[i].ID] < m.order[result[j].ID]
	})
	return result, nil
}

// UpdateAgentStatus sets the status of an agent.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// SetAgentQRCode stores the latest pairing code.
func (m *MockStore) SetAgentQRCode(ctx context.Context, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.QRCode = code
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteAgent removes an agent with its usage and attempts.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.phoneIndex, a.Phone)
	delete(m.agents, id)
	delete(m.order, id)
	delete(m.usage, id)
	delete(m.attempts, id)
	return nil
}

// InitUsage creates or resets an agent's counter.
func (m *MockStore) InitUsage(ctx context.Context, agentID string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("usage limit must not be negative, got %d", limit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return ErrNotFound
	}
	m.usage[agentID] = &Usage{AgentID: agentID, Limit: limit, UpdatedAt: time.Now().UTC()}
	return nil
}

// GetUsage returns an agent's counter.
func (m *MockStore) GetUsage(ctx context.Context, agentID string) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.usage[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// ReserveUsage takes one message slot if any is left.
func (m *MockStore) ReserveUsage(ctx context.Context, agentID string) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.LimitReached() {
		return nil, ErrUsageLimitReached
	}
	u.Used++
	u.UpdatedAt = time.Now().UTC()
	result := *u
	return &result, nil
}

// ReleaseUsage gives back one message slot.
func (m *MockStore) ReleaseUsage(ctx context.Context, agentID string) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Used > 0 {
		u.Used--
		u.UpdatedAt = time.Now().UTC()
	}
	result := *u
	return &result, nil
}

// RecordPairingAttempt appends an attempt record.
func (m *MockStore) RecordPairingAttempt(ctx context.Context, attempt *PairingAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[attempt.AgentID]; !ok {
		return fmt.Errorf("inserting pairing attempt: %w", ErrNotFound)
	}
	a := *attempt
	m.attempts[a.AgentID] = append(m.attempts[a.AgentID], &a)
	return nil
}

// ListPairingAttempts returns the most recent attempts in insertion order.
func (m *MockStore) ListPairingAttempts(ctx context.Context, agentID string, limit int) ([]*PairingAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	all := m.attempts[agentID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]*PairingAttempt, len(all))
	for i, a := range all {
		cp := *a
		result[i] = &cp
	}
	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface.
var _ Store = (*MockStore)(nil)
