// ABOUTME: Bounded fixed-interval polling for a freshly created agent's pairing code.
// ABOUTME: Runs Idle -> Polling -> Succeeded/Exhausted/Cancelled on one goroutine and one ticker.

package acquire

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agentlink/internal/qrcode"
	"github.com/2389/agentlink/internal/transport"
)

// Defaults used when Options leaves a value unset.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 5
)

// ErrAlreadyStarted is returned by Start on a loop that left Idle.
var ErrAlreadyStarted = errors.New("acquisition loop already started")

// State is the position of a Loop in its lifecycle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateSucceeded
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateCancelled
}

// Fetcher retrieves a pairing code. *provision.Service satisfies it.
type Fetcher interface {
	GetPairingCode(ctx context.Context, phone string) (qrcode.Result, error)
}

// Outcome summarizes a finished loop.
type Outcome struct {
	State    State
	Result   qrcode.Result // last classification received
	Attempts int           // ticks that did not yield a code
	Calls    int           // fetches whose result was applied
	Err      error         // set when the loop stopped on an unrecoverable error
}

// Options configures a Loop.
type Options struct {
	Interval    time.Duration
	MaxAttempts int

	// OnAttempt runs after every applied tick that did not yield a code.
	OnAttempt func(attempt int, result qrcode.Result)
	// OnDone runs once when the loop succeeds or is exhausted. It never runs
	// for a cancelled loop.
	OnDone func(Outcome)

	Logger *slog.Logger
}

// Loop polls one phone for its pairing code. Create with New, run with Start.
// A Loop is single use.
type Loop struct {
	fetcher Fetcher
	phone   string
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	calls    int
	last     qrcode.Result
	err      error
	stopped  bool       // set by Cancel; suppresses callbacks
	cbMu     sync.Mutex // held while a callback runs
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an idle loop for phone.
func New(fetcher Fetcher, phone string, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		fetcher: fetcher,
		phone:   phone,
		opts:    opts,
		logger:  logger.With("component", "acquire", "phone", phone),
		done:    make(chan struct{}),
	}
}

// Start moves the loop to Polling. The first fetch happens one interval
// later. Cancelling ctx has the same effect as Cancel.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.state = StatePolling
	l.cancel = cancel
	l.mu.Unlock()

	l.logger.Info("pairing code acquisition started",
		"interval", l.opts.Interval,
		"max_attempts", l.opts.MaxAttempts)

	go l.run(runCtx)
	return nil
}

// Cancel stops the loop. It does not wait for an in-flight fetch; the result
// of such a fetch is discarded. It does wait for a callback that is already
// running, so no callback runs once Cancel returns. Cancel must not be called
// from inside OnAttempt or OnDone. Calling Cancel on a finished or idle loop
// only prevents it from starting.
func (l *Loop) Cancel() {
	l.mu.Lock()
	wasIdle := l.state == StateIdle
	l.stopped = true
	if !l.state.Terminal() {
		l.state = StateCancelled
	}
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait out a callback that is already running.
	l.cbMu.Lock()
	l.cbMu.Unlock()
	if wasIdle {
		close(l.done)
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the loop finishes or ctx is done.
func (l *Loop) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-l.done:
		return l.Outcome(), nil
	case <-ctx.Done():
		return l.Outcome(), ctx.Err()
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Outcome returns a snapshot of the loop's progress.
func (l *Loop) Outcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcomeLocked()
}

func (l *Loop) outcomeLocked() Outcome {
	return Outcome{
		State:    l.state,
		Result:   l.last,
		Attempts: l.attempts,
		Calls:    l.calls,
		Err:      l.err,
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			if l.state == StatePolling {
				l.state = StateCancelled
			}
			l.mu.Unlock()
			l.logger.Debug("pairing code acquisition cancelled")
			return
		case <-ticker.C:
			if l.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one fetch and reports whether the loop is finished.
func (l *Loop) tick(ctx context.Context) bool {
	result, err := l.fetcher.GetPairingCode(ctx, l.phone)

	l.mu.Lock()
	if l.state != StatePolling {
		// Cancelled while the fetch was in flight.
		l.mu.Unlock()
		return true
	}
	if err != nil && ctx.Err() != nil {
		l.state = StateCancelled
		l.mu.Unlock()
		return true
	}

	l.calls++
	l.last = result
	switch {
	case err != nil:
		// AuthExpired or an invalid phone; no later tick can succeed.
		l.err = err
		l.state = StateExhausted
	case result.IsCodeAvailable():
		l.state = StateSucceeded
	default:
		l.attempts++
		if l.attempts >= l.opts.MaxAttempts {
			l.state = StateExhausted
		}
	}
	state := l.state
	attempt := l.attempts
	outcome := l.outcomeLocked()
	l.mu.Unlock()

	switch state {
	case StatePolling:
		l.logger.Debug("pairing code not available", "attempt", attempt, "result", result.String())
		if l.opts.OnAttempt != nil {
			l.notify(func() { l.opts.OnAttempt(attempt, result) })
		}
		return false
	case StateSucceeded:
		l.logger.Info("pairing code acquired", "calls", outcome.Calls)
	default:
		if transport.IsAuthExpired(outcome.Err) {
			l.logger.Warn("pairing code acquisition stopped: session expired")
		} else {
			l.logger.Info("pairing code acquisition exhausted", "attempts", outcome.Attempts, "error", outcome.Err)
		}
		if l.opts.OnAttempt != nil && outcome.Err == nil {
			l.notify(func() { l.opts.OnAttempt(attempt, result) })
		}
	}

	if l.opts.OnDone != nil {
		l.notify(func() { l.opts.OnDone(outcome) })
	}
	return true
}

// live reports whether Cancel has not been called.
func (l *Loop) live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.stopped
}

// notify runs fn unless the loop was cancelled, holding cbMu so Cancel can
// wait for it.
func (l *Loop) notify(fn func()) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	if l.live() {
		fn()
	}
}
