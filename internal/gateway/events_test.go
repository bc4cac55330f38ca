// ABOUTME: Tests for the per-agent server-sent event stream
// ABOUTME: Covers the initial agent event, poller state changes, and unmount on disconnect

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentlink/internal/provision/provisiontest"
)

type sseEvent struct {
	name string
	data string
}

// readSSE parses events from body onto a channel until the body ends.
func readSSE(body *bufio.Reader) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		var ev sseEvent
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				ch <- ev
				ev = sseEvent{}
			}
		}
	}()
	return ch
}

func nextEvent(t *testing.T, ch <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "stream closed waiting for %q", name)
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}

func openStream(t *testing.T, env *testEnv, id string) (<-chan sseEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.api.URL+"/api/agents/"+id+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return readSSE(bufio.NewReader(resp.Body)), cancel
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, provisiontest.Options{})
	a := env.createAgent(t, "")

	events, cancel := openStream(t, env, a.ID)

	first := nextEvent(t, events, "agent")
	var got AgentResponse
	require.NoError(t, json.Unmarshal([]byte(first.data), &got))
	assert.Equal(t, a.ID, got.ID)

	state := nextEvent(t, events, "state")
	assert.Contains(t, state.data, `"state":"pending"`)

	env.backend.SetConnected(apiE164, true)
	state = nextEvent(t, events, "state")
	assert.Contains(t, state.data, `"state":"connected"`)

	cancel()

	// Once the client is gone its poller stops checking.
	var settled int
	require.Eventually(t, func() bool {
		n := env.backend.Calls("/status")
		stable := n == settled
		settled = n
		return stable
	}, 2*time.Second, 100*time.Millisecond)
}

func TestEventStream_AuthRequiredEndsStream(t *testing.T) {
	env := newTestEnv(t, provisiontest.Options{})
	a := env.createAgent(t, "")
	env.backend.SetUnauthorized(true)

	events, _ := openStream(t, env, a.ID)
	nextEvent(t, events, "agent")

	ev := nextEvent(t, events, "auth_required")
	assert.Contains(t, ev.data, `"kind":"auth_required"`)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream did not end after auth_required")
		}
	}
}

func TestEventStream_UnknownAgent(t *testing.T) {
	env := newTestEnv(t, provisiontest.Options{})

	resp := env.do(t, http.MethodGet, "/api/agents/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFormatSSEEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      string
		want      string
	}{
		{"simple", "state", `{"state":"pending"}`, "event: state\ndata: {\"state\":\"pending\"}\n\n"},
		{"empty data", "ping", "", "event: ping\ndata: \n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSSEEvent(tt.eventType, tt.data))
		})
	}
}
