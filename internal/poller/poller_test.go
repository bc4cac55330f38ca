// ABOUTME: Tests for the connection status poller lifecycle.
// ABOUTME: Covers unmount during a check, overlap skipping, and the expired session signal.

package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/agentlink/internal/provision"
	"github.com/2389/agentlink/internal/provision/provisiontest"
	"github.com/2389/agentlink/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testPhone    = "+5511999990001"
	testInterval = 10 * time.Millisecond
)

// fakeChecker answers with a fixed state after an optional delay and tracks
// how many checks run at once.
type fakeChecker struct {
	mu      sync.Mutex
	state   provision.ConnectionState
	err     error
	delay   time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeChecker) VerifyConnection(ctx context.Context, _ string) (provision.ConnectionState, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		old := f.maxSeen.Load()
		if n <= old || f.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return provision.StateUnknown, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

func (f *fakeChecker) set(state provision.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

type changes struct {
	mu     sync.Mutex
	states []provision.ConnectionState
	auth   int
}

func (c *changes) options() Options {
	return Options{
		Interval: testInterval,
		OnChange: func(s provision.ConnectionState) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.states = append(c.states, s)
		},
		OnAuthRequired: func(error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.auth++
		},
	}
}

func (c *changes) snapshot() ([]provision.ConnectionState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provision.ConnectionState(nil), c.states...), c.auth
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_ImmediateCheckThenInterval(t *testing.T) {
	f := &fakeChecker{state: provision.StatePending}
	var c changes
	opts := c.options()
	opts.Interval = time.Hour
	p := New(f, testPhone, opts)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.True(t, p.Mounted())

	p.Cancel()
	waitDone(t, p)

	states, _ := c.snapshot()
	assert.Equal(t, []provision.ConnectionState{provision.StatePending}, states)
}

func TestPoller_ReportsOnlyChanges(t *testing.T) {
	f := &fakeChecker{state: provision.StatePending}
	var c changes
	p := New(f, testPhone, c.options())

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return f.calls.Load() >= 3 }, time.Second, time.Millisecond)
	f.set(provision.StateConnected)
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, time.Millisecond)

	p.Cancel()
	waitDone(t, p)

	states, _ := c.snapshot()
	assert.Equal(t, []provision.ConnectionState{provision.StatePending, provision.StateConnected}, states)
}

func TestPoller_UnmountDuringCheck(t *testing.T) {
	f := &fakeChecker{state: provision.StateConnected, delay: 200 * time.Millisecond}
	var c changes
	p := New(f, testPhone, c.options())

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return f.active.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	p.Cancel()
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Cancel must not wait for the check")
	assert.False(t, p.Mounted())

	waitDone(t, p)
	assert.Equal(t, provision.StateUnknown, p.State())
	states, auth := c.snapshot()
	assert.Empty(t, states)
	assert.Zero(t, auth)
}

func TestPoller_CancelWaitsForRunningCallback(t *testing.T) {
	f := &fakeChecker{state: provision.StateConnected}
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	p := New(f, testPhone, Options{
		Interval: testInterval,
		OnChange: func(provision.ConnectionState) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
		},
	})

	require.NoError(t, p.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("OnChange never ran")
	}

	cancelled := make(chan struct{})
	go func() {
		p.Cancel()
		close(cancelled)
	}()

	select {
	case <-cancelled:
		t.Fatal("Cancel returned while OnChange was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not return after the callback finished")
	}
	assert.False(t, p.Mounted())

	waitDone(t, p)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoller_LateResultIgnored(t *testing.T) {
	// The checker ignores cancellation, so its result arrives after Cancel.
	release := make(chan struct{})
	f := &blockingChecker{release: release, state: provision.StateConnected}
	var c changes
	p := New(f, testPhone, c.options())

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return f.started.Load() }, time.Second, time.Millisecond)

	p.Cancel()
	close(release)
	waitDone(t, p)

	assert.Equal(t, provision.StateUnknown, p.State())
	states, _ := c.snapshot()
	assert.Empty(t, states)
}

type blockingChecker struct {
	release chan struct{}
	state   provision.ConnectionState
	started atomic.Bool
}

func (b *blockingChecker) VerifyConnection(context.Context, string) (provision.ConnectionState, error) {
	b.started.Store(true)
	<-b.release
	return b.state, nil
}

func TestPoller_NoOverlappingChecks(t *testing.T) {
	f := &fakeChecker{state: provision.StatePending, delay: 5 * testInterval}
	p := New(f, testPhone, Options{Interval: testInterval})

	require.NoError(t, p.Start(context.Background()))
	time.Sleep(20 * testInterval)
	p.Cancel()
	waitDone(t, p)

	assert.EqualValues(t, 1, f.maxSeen.Load())
	assert.Less(t, p.Checks(), int64(10))
	assert.EqualValues(t, p.Checks(), f.calls.Load())
}

func TestPoller_AuthExpiredSignalsOnce(t *testing.T) {
	authErr := &transport.Error{Kind: transport.KindAuthExpired, StatusCode: 401}
	f := &fakeChecker{state: provision.StateUnknown, err: authErr}
	var c changes
	p := New(f, testPhone, c.options())

	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	time.Sleep(5 * testInterval)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.False(t, p.Mounted())
	assert.Equal(t, provision.StateUnknown, p.State())

	states, auth := c.snapshot()
	assert.Empty(t, states)
	assert.Equal(t, 1, auth)

	// Cancel after an internal stop is harmless.
	p.Cancel()
}

func TestPoller_OtherErrorStops(t *testing.T) {
	f := &fakeChecker{err: errors.New("invalid phone number")}
	var c changes
	p := New(f, testPhone, c.options())

	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	_, auth := c.snapshot()
	assert.Zero(t, auth)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestPoller_IndependentInstances(t *testing.T) {
	f := &fakeChecker{state: provision.StatePending}
	var c1, c2 changes
	p1 := New(f, testPhone, c1.options())
	p2 := New(f, testPhone, c2.options())

	require.NoError(t, p1.Start(context.Background()))
	require.NoError(t, p2.Start(context.Background()))
	require.Eventually(t, func() bool {
		return p1.State() == provision.StatePending && p2.State() == provision.StatePending
	}, time.Second, time.Millisecond)

	p1.Cancel()
	waitDone(t, p1)
	assert.True(t, p2.Mounted())

	f.set(provision.StateConnected)
	require.Eventually(t, func() bool { return p2.State() == provision.StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, provision.StatePending, p1.State())

	p2.Cancel()
	waitDone(t, p2)
}

func TestPoller_StartAndCancelEdges(t *testing.T) {
	f := &fakeChecker{state: provision.StatePending}

	p := New(f, testPhone, Options{Interval: time.Hour})
	p.Cancel()
	p.Cancel()
	waitDone(t, p)
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
	assert.Zero(t, f.calls.Load())

	p = New(f, testPhone, Options{})
	assert.Equal(t, DefaultInterval, p.opts.Interval)
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
	p.Cancel()
	waitDone(t, p)
}

func TestPoller_ParentContextUnmounts(t *testing.T) {
	f := &fakeChecker{state: provision.StatePending}
	p := New(f, testPhone, Options{Interval: testInterval})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()
	waitDone(t, p)
	assert.False(t, p.Mounted())
}

// An expired session against the backend signals once and never reports
// the agent as pending.
func TestPoller_ExpiredSessionAgainstBackend(t *testing.T) {
	srv := provisiontest.NewServer(provisiontest.Options{})
	defer srv.Close()
	srv.AddAgent(testPhone)
	srv.SetUnauthorized(true)

	client := transport.New(transport.Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	svc := provision.NewService(client, provision.Config{}, nil)

	var c changes
	p := New(svc, testPhone, c.options())
	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	states, auth := c.snapshot()
	assert.Equal(t, 1, auth)
	assert.NotContains(t, states, provision.StatePending)
	assert.Equal(t, provision.StateUnknown, p.State())
	assert.Equal(t, 1, srv.Calls("/status"))
}

func TestPoller_TracksBackendConnection(t *testing.T) {
	srv := provisiontest.NewServer(provisiontest.Options{})
	defer srv.Close()
	srv.AddAgent(testPhone)

	client := transport.New(transport.Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	svc := provision.NewService(client, provision.Config{}, nil)

	var c changes
	p := New(svc, testPhone, c.options())
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.State() == provision.StatePending }, time.Second, time.Millisecond)

	srv.SetConnected(testPhone, true)
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, time.Millisecond)

	p.Cancel()
	waitDone(t, p)

	states, _ := c.snapshot()
	assert.Equal(t, []provision.ConnectionState{provision.StatePending, provision.StateConnected}, states)
}
