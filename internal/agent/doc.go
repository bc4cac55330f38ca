// Package agent manages the WhatsApp agents provisioned through agentlink.
//
// # Overview
//
// The agent package ties the provisioning backend to local state. It
// persists agents and their message counters, drives pairing-code
// acquisition after creation, keeps connection status up to date, and
// publishes every change to the event broadcaster.
//
// # Manager
//
// The Manager is the only entry point used by the HTTP API and the CLI:
//
//	mgr := agent.NewManager(svc, store, bus, agent.Config{...}, logger)
//	defer mgr.Close()
//
// Key operations:
//
//   - Create(ctx, profile): provision remotely, persist, start acquisition
//   - PairingCode(ctx, id): fetch the code on demand
//   - Status(ctx, id): verify the connection once
//   - Watch(ctx, id, opts): mount a status poller for one surface
//   - SendTestMessage(ctx, req): send within the plan limit
//   - RefreshAll(ctx): verify every agent concurrently
//   - Delete(ctx, id): stop acquisition and remove the agent
//
// # Pairing Code Acquisition
//
// Right after creation the Manager starts an acquire.Loop for the agent.
// Every unsuccessful tick is stored as a pairing attempt. When the loop
// finds a code it is saved on the agent and a pairing_code event is
// published. An exhausted loop leaves the agent in pairing_deferred; the
// agent itself stays created and the code can be fetched later.
//
// # Status
//
// Stored status moves through awaiting_pairing, code_ready or
// pairing_deferred, and connected. A pending result only downgrades an
// agent that was connected.
//
// # Message Limits
//
// Each agent gets a message limit from its plan when created.
// SendTestMessage refuses to send once the limit is reached and counts every
// accepted message. Sends carrying an idempotency key are deduplicated for
// a configurable window.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Acquisition loops run on a context
// owned by the Manager and stop on Close.
package agent
