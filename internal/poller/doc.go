// Package poller re-validates an agent's connection state for one display
// surface.
//
// Every surface that shows an agent (a dashboard card, a status page, an SSE
// stream) mounts its own Poller and cancels it when it goes away. Pollers of
// the same phone share nothing. A Poller checks once on Start and then on a
// fixed interval, skipping a tick while its previous check is running. After
// Cancel no callback fires and no state changes, even if a check completes
// late.
//
// An expired session stops the poller and fires OnAuthRequired exactly once;
// the state is left as it was rather than reported as pending.
package poller
