// ABOUTME: Event types published when agent connectivity or pairing state changes
// ABOUTME: Consumed by SSE streams and the CLI watch command

package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	TypeAgentCreated    Type = "agent_created"
	TypeAgentDeleted    Type = "agent_deleted"
	TypeStatusChanged   Type = "status_changed"
	TypePairingCode     Type = "pairing_code"
	TypePairingDeferred Type = "pairing_deferred"
	TypeAuthRequired    Type = "auth_required"
	TypeMessageSent     Type = "message_sent"
	TypeError           Type = "error"
)

// Event is a notification about one agent. Topic is the agent's digits-only
// phone so every surface watching that number receives it.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Phone     string    `json:"phone"`
	State     string    `json:"state,omitempty"`
	QRCode    string    `json:"qr_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event with a fresh ID and timestamp.
func New(typ Type, agentID, phone string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		AgentID:   agentID,
		Phone:     phone,
		Timestamp: time.Now().UTC(),
	}
}
