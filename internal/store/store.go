// ABOUTME: Store interface and data types for agentlink persistence
// ABOUTME: Defines Agent, Usage, PairingAttempt and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when an agent with the same phone already exists
var ErrDuplicateAgent = errors.New("agent already exists for phone")

// ErrUsageLimitReached is returned when a message slot is requested for an
// agent that has used its whole plan.
var ErrUsageLimitReached = errors.New("usage limit reached")

// AgentStatus is the locally tracked lifecycle of a provisioned agent.
type AgentStatus string

const (
	StatusAwaitingPairing AgentStatus = "awaiting_pairing" // created, loop running
	StatusCodeReady       AgentStatus = "code_ready"       // pairing code fetched
	StatusPairingDeferred AgentStatus = "pairing_deferred" // loop exhausted
	StatusConnected       AgentStatus = "connected"
	StatusPending         AgentStatus = "pending"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusAwaitingPairing, StatusCodeReady, StatusPairingDeferred, StatusConnected, StatusPending:
		return true
	}
	return false
}

// Agent is a provisioned agent. Phone holds digits only.
type Agent struct {
	ID          string
	Phone       string
	Name        string
	Type        string
	Description string
	Prompt      string
	Plan        string
	Status      AgentStatus
	QRCode      string // last pairing code payload, verbatim
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Usage tracks messages sent by an agent against its plan limit.
type Usage struct {
	AgentID   string
	Used      int
	Limit     int
	UpdatedAt time.Time
}

// LimitReached reports whether no more messages may be sent.
func (u *Usage) LimitReached() bool {
	return u.Used >= u.Limit
}

// Remaining returns how many messages are left, never negative.
func (u *Usage) Remaining() int {
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// PairingOutcome constants for pairing attempt records
const (
	AttemptCodeAvailable    = "code_available"
	AttemptAlreadyConnected = "already_connected"
	AttemptNotReady         = "not_ready_yet"
	AttemptError            = "error"
)

// PairingAttempt records one tick of a pairing-code acquisition loop
type PairingAttempt struct {
	ID        string
	AgentID   string
	Attempt   int
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// AgentStore persists agent records.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByPhone(ctx context.Context, phone string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	SetAgentQRCode(ctx context.Context, id, code string) error
	DeleteAgent(ctx context.Context, id string) error
}

// UsageStore tracks per-agent message counters.
type UsageStore interface {
	InitUsage(ctx context.Context, agentID string, limit int) error
	GetUsage(ctx context.Context, agentID string) (*Usage, error)
	// ReserveUsage takes one message slot, failing with ErrUsageLimitReached
	// when none is left. Check and increment happen in one step.
	ReserveUsage(ctx context.Context, agentID string) (*Usage, error)
	// ReleaseUsage returns a slot taken by ReserveUsage. It never drops
	// the counter below zero.
	ReleaseUsage(ctx context.Context, agentID string) (*Usage, error)
}

// AttemptStore keeps the pairing attempt audit trail.
type AttemptStore interface {
	RecordPairingAttempt(ctx context.Context, attempt *PairingAttempt) error
	ListPairingAttempts(ctx context.Context, agentID string, limit int) ([]*PairingAttempt, error)
}

// Store is the full persistence surface used by the agent manager.
type Store interface {
	AgentStore
	UsageStore
	AttemptStore

	// Close releases any resources held by the store
	Close() error
}
