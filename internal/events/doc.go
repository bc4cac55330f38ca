// Package events carries agent connectivity notifications between the
// components that detect a change (acquisition loops, status pollers, the
// agent manager) and the surfaces that display it (SSE streams, the CLI).
//
// Events are keyed by the agent's digits-only phone. Delivery is best effort:
// a subscriber whose buffer is full misses events rather than slowing the
// publisher, and is expected to catch up on its own poller's next tick.
package events
