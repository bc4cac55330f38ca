// ABOUTME: Server-sent event stream of one agent's pairing and connection events
// ABOUTME: Each open stream mounts its own status poller and unmounts it on disconnect

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/agentlink/internal/agent"
	"github.com/2389/agentlink/internal/provision"
)

// sseKeepalive is how often a comment line is written to idle streams.
const sseKeepalive = 15 * time.Second

// handleEvents streams events for one agent until the client disconnects.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	a, err := g.agentManager.Get(ctx, id)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "internal", "streaming not supported", false)
		return
	}

	eventCh, _ := g.eventBroadcaster.Subscribe(ctx, a.Phone)

	// The poller may call back after this handler returned; sends never block.
	states := make(chan provision.ConnectionState, 4)
	authRequired := make(chan error, 1)
	unmount, err := g.agentManager.Watch(ctx, id, agent.WatchOptions{
		OnChange: func(s provision.ConnectionState) {
			select {
			case states <- s:
			default:
			}
		},
		OnAuthRequired: func(err error) {
			select {
			case authRequired <- err:
			default:
			}
		},
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	defer unmount()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "agent", g.agentResponse(a))
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()

		case s := <-states:
			g.writeSSEEvent(w, "state", map[string]string{"agent_id": id, "state": string(s)})
			flusher.Flush()

		case err := <-authRequired:
			g.writeSSEEvent(w, "auth_required", ErrorResponse{Error: err.Error(), Kind: "auth_required"})
			flusher.Flush()
			return

		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
