// ABOUTME: Recurring connection-status check bound to the lifetime of one UI surface.
// ABOUTME: Never overlaps checks, never calls back after Cancel, and stops on an expired session.

package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/agentlink/internal/provision"
	"github.com/2389/agentlink/internal/transport"
)

// DefaultInterval is the time between checks when Options leaves it unset.
const DefaultInterval = 30 * time.Second

// ErrAlreadyStarted is returned by Start on a poller that was started or cancelled.
var ErrAlreadyStarted = errors.New("status poller already started")

// Checker reports the link state of a phone. *provision.Service satisfies it.
type Checker interface {
	VerifyConnection(ctx context.Context, phone string) (provision.ConnectionState, error)
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration

	// OnChange runs when a check yields a state different from the last one.
	OnChange func(state provision.ConnectionState)
	// OnAuthRequired runs at most once, when the session expired. The poller
	// stops afterwards.
	OnAuthRequired func(err error)

	Logger *slog.Logger
}

// Poller checks one phone on a fixed interval. Create with New, run with
// Start, release with Cancel. Each Poller holds its own copy of the state; any
// number may watch the same phone.
type Poller struct {
	checker Checker
	phone   string
	opts    Options
	logger  *slog.Logger

	mounted   atomic.Bool
	cancelled atomic.Bool // set by Cancel only, unlike mounted
	inFlight  atomic.Bool
	checks    atomic.Int64
	authOnce  sync.Once

	cbMu    sync.Mutex // serializes callbacks
	mu      sync.Mutex // guards state, started, cancel
	state   provision.ConnectionState
	started bool
	cancel  context.CancelFunc

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates an unmounted poller for phone.
func New(checker Checker, phone string, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		checker: checker,
		phone:   phone,
		opts:    opts,
		logger:  logger.With("component", "poller", "phone", phone),
		state:   provision.StateUnknown,
		done:    make(chan struct{}),
	}
}

// Start mounts the poller: one check runs immediately, then one per interval.
// Cancelling ctx has the same effect as Cancel.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mounted.Store(true)
	p.mu.Unlock()

	go p.run(runCtx)
	return nil
}

// Cancel unmounts the poller. It returns without waiting for an in-flight
// check, whose result is then discarded, but it waits for a callback that is
// already running: no callback runs once Cancel returns. Cancel must not be
// called from inside OnChange or OnAuthRequired. Safe to call more than once
// and before Start.
func (p *Poller) Cancel() {
	p.cancelled.Store(true)
	p.mounted.Store(false)

	p.mu.Lock()
	cancel := p.cancel
	neverStarted := !p.started
	p.started = true
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait out a callback that is already running.
	p.cbMu.Lock()
	p.cbMu.Unlock()
	if neverStarted {
		close(p.done)
	}
}

// Done is closed once the poller and any in-flight check have exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Mounted reports whether the poller is running and may still call back.
func (p *Poller) Mounted() bool {
	return p.mounted.Load()
}

// State returns the last state this poller observed.
func (p *Poller) State() provision.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Checks returns how many checks were issued.
func (p *Poller) Checks() int64 {
	return p.checks.Load()
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.wg.Wait()

	p.logger.Debug("status poller mounted", "interval", p.opts.Interval)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			p.mounted.Store(false)
			p.logger.Debug("status poller unmounted")
			return
		case <-ticker.C:
			p.trigger(ctx)
		}
	}
}

// trigger starts a check unless one is already in flight.
func (p *Poller) trigger(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("skipping tick, previous check still running")
		return
	}
	p.checks.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.check(ctx)
	}()
}

func (p *Poller) check(ctx context.Context) {
	state, err := p.checker.VerifyConnection(ctx, p.phone)
	if !p.mounted.Load() || ctx.Err() != nil {
		return
	}

	if err != nil {
		p.stop()
		if transport.IsAuthExpired(err) {
			p.logger.Warn("status poller stopped: session expired")
			p.authOnce.Do(func() {
				if p.opts.OnAuthRequired != nil {
					p.cbMu.Lock()
					defer p.cbMu.Unlock()
					if !p.cancelled.Load() {
						p.opts.OnAuthRequired(err)
					}
				}
			})
			return
		}
		p.logger.Error("status poller stopped", "error", err)
		return
	}

	p.mu.Lock()
	if !p.mounted.Load() {
		p.mu.Unlock()
		return
	}
	prev := p.state
	changed := state != prev
	p.state = state
	p.mu.Unlock()
	if !changed {
		return
	}

	p.logger.Info("connection state changed", "from", string(prev), "to", string(state))
	if p.opts.OnChange == nil {
		return
	}
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.mounted.Load() {
		p.opts.OnChange(state)
	}
}

// stop unmounts the poller from inside a check.
func (p *Poller) stop() {
	p.mounted.Store(false)
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	cancel()
}
