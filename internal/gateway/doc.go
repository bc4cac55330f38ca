// Package gateway serves the local agentlink HTTP API.
//
// # Overview
//
// The gateway wires configuration into a running server: it opens the
// SQLite store, builds the session token source and the provisioning
// client, creates the agent manager and the event broadcaster, and serves
// a chi router over HTTP.
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// # HTTP API
//
//   - GET    /health                    liveness of this process
//   - GET    /health/ready              probes the provisioning backend
//   - GET    /api/agents                list agents
//   - POST   /api/agents                create an agent
//   - POST   /api/agents/refresh        verify every agent once
//   - GET    /api/agents/{id}           one agent
//   - DELETE /api/agents/{id}           delete an agent
//   - GET    /api/agents/{id}/qrcode    pairing code (?format=png for image bytes)
//   - GET    /api/agents/{id}/status    verify the connection once
//   - GET    /api/agents/{id}/usage     message counters
//   - GET    /api/agents/{id}/attempts  pairing attempt history
//   - POST   /api/agents/{id}/messages  send a test message (Idempotency-Key header)
//   - GET    /api/agents/{id}/events    server-sent events
//
// Errors are returned as {"error", "kind", "retryable"}. An expired session
// answers 401 with kind auth_required so clients can ask the user to log in
// again.
//
// With server.api_secret set, /api routes require an access token from
// package auth and answer 401 with kind unauthorized without one.
//
// # Event Streams
//
// Every open events stream is one watching surface: it mounts a status
// poller for the agent when it opens and unmounts it when the client goes
// away. Besides the poller's own state changes, the stream relays every
// event the manager publishes for the agent's phone.
package gateway
