// Package store provides persistent storage for agentlink using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with small
// interfaces composed into Store:
//
//   - AgentStore: provisioned agent records
//   - UsageStore: per-agent message counters
//   - AttemptStore: pairing attempt audit trail
//
// SQLiteStore implements all of them in one struct. MockStore is an in-memory
// implementation for tests of higher layers.
//
// # Data Models
//
//   - Agent: profile sent to the provisioning backend plus local status and
//     the last pairing code. Phone is stored as digits only.
//   - Usage: messages sent versus the plan limit. The limit is copied from
//     configuration when the agent is created.
//   - PairingAttempt: one acquisition loop tick and its outcome.
//
// # Schema
//
// Tables are created on open and migrations are idempotent. Timestamps are
// stored as RFC3339 text. Deleting an agent cascades to its usage and
// attempts.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/agentlink/agentlink.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	usage, err := s.GetUsage(ctx, agentID)
//	if err == nil && usage.LimitReached() {
//	    // refuse to send
//	}
package store
