// ABOUTME: Manages provisioned WhatsApp agents: creation, pairing, status, and test messages.
// ABOUTME: Central coordinator between the provisioning service, the store, and event subscribers.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/agentlink/internal/acquire"
	"github.com/2389/agentlink/internal/dedupe"
	"github.com/2389/agentlink/internal/events"
	"github.com/2389/agentlink/internal/phone"
	"github.com/2389/agentlink/internal/poller"
	"github.com/2389/agentlink/internal/provision"
	"github.com/2389/agentlink/internal/qrcode"
	"github.com/2389/agentlink/internal/store"
	"github.com/2389/agentlink/internal/transport"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentExists indicates an agent is already provisioned for the phone.
var ErrAgentExists = errors.New("agent already exists")

// ErrSendInProgress is returned when a send with the same idempotency key is
// still running.
var ErrSendInProgress = errors.New("message with this idempotency key is in progress")

// Defaults used when Config leaves a value unset.
const (
	DefaultPlan               = "gratuito"
	DefaultRefreshConcurrency = 4
	DefaultDedupeTTL          = 10 * time.Minute
	DefaultDedupeSize         = 1000
)

// Provisioner is the remote side of every agent operation.
// *provision.Service satisfies it.
type Provisioner interface {
	Probe(ctx context.Context) error
	CreateAgent(ctx context.Context, p provision.Profile) (*provision.CreationResult, error)
	VerifyConnection(ctx context.Context, phone string) (provision.ConnectionState, error)
	GetPairingCode(ctx context.Context, phone string) (qrcode.Result, error)
	SendMessage(ctx context.Context, phone, text string, opts provision.SendOptions) (*provision.SendResult, error)
}

// Config tunes the Manager.
type Config struct {
	PairingInterval    time.Duration
	PairingAttempts    int
	StatusInterval     time.Duration
	Plans              map[string]int // plan name -> message limit
	DefaultPlan        string
	RefreshConcurrency int
	DedupeTTL          time.Duration
	DedupeSize         int
}

// Manager coordinates provisioned agents. It is safe for concurrent use.
type Manager struct {
	svc    Provisioner
	store  store.Store
	bus    *events.Broadcaster
	loops  *acquire.Registry
	sent   *dedupe.Cache[*provision.SendResult]
	cfg    Config
	logger *slog.Logger

	// Acquisition loops outlive the request that created the agent.
	ctx    context.Context
	cancel context.CancelFunc

	statusMu sync.Mutex
}

// NewManager creates a new Manager instance. Call Close to stop background loops.
func NewManager(svc Provisioner, st store.Store, bus *events.Broadcaster, cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = DefaultPlan
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = DefaultRefreshConcurrency
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		svc:    svc,
		store:  st,
		bus:    bus,
		loops:  acquire.NewRegistry(),
		sent:   dedupe.New[*provision.SendResult](cfg.DedupeTTL, cfg.DedupeSize),
		cfg:    cfg,
		logger: logger.With("component", "agent"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close stops every acquisition loop and releases background resources.
func (m *Manager) Close() {
	m.cancel()
	m.loops.CancelAll()
	m.sent.Close()
}

// Health probes the provisioning backend.
func (m *Manager) Health(ctx context.Context) error {
	return m.svc.Probe(ctx)
}

// Create provisions an agent remotely, persists it with usage counters
// derived from its plan, and starts acquiring its pairing code.
func (m *Manager) Create(ctx context.Context, p provision.Profile) (*store.Agent, error) {
	num, err := phone.Normalize(p.Phone)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetAgentByPhone(ctx, num.Digits()); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, num.E164())
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}

	plan := strings.ToLower(strings.TrimSpace(p.Plan))
	if plan == "" {
		plan = m.cfg.DefaultPlan
	}
	limit, ok := m.cfg.Plans[plan]
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", provision.ErrInvalidProfile, plan)
	}
	p.Plan = plan

	created, err := m.svc.CreateAgent(ctx, p)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &store.Agent{
		ID:          uuid.New().String(),
		Phone:       created.Phone.Digits(),
		Name:        strings.TrimSpace(p.Name),
		Type:        p.Type,
		Description: p.Description,
		Prompt:      p.Prompt,
		Plan:        plan,
		Status:      store.StatusAwaitingPairing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			return nil, fmt.Errorf("%w: %s", ErrAgentExists, created.Phone.E164())
		}
		return nil, fmt.Errorf("saving agent: %w", err)
	}
	if err := m.store.InitUsage(ctx, a.ID, limit); err != nil {
		return nil, fmt.Errorf("initializing usage: %w", err)
	}

	m.logger.Info("=== AGENT CREATED ===",
		"agent_id", a.ID,
		"phone", a.Phone,
		"plan", plan,
	)
	m.publish(events.New(events.TypeAgentCreated, a.ID, a.Phone))

	if err := m.startAcquisition(a); err != nil {
		return nil, err
	}
	return a, nil
}

// startAcquisition runs a pairing-code loop for a and records every tick.
func (m *Manager) startAcquisition(a *store.Agent) error {
	num := phone.MustNormalize(a.Phone)
	loop := acquire.New(m.svc, num.E164(), acquire.Options{
		Interval:    m.cfg.PairingInterval,
		MaxAttempts: m.cfg.PairingAttempts,
		Logger:      m.logger,
		OnAttempt: func(attempt int, r qrcode.Result) {
			m.recordAttempt(a.ID, attempt, r)
		},
		OnDone: func(o acquire.Outcome) {
			m.finishAcquisition(a, o)
		},
	})
	return m.loops.Start(m.ctx, a.ID, loop)
}

func (m *Manager) finishAcquisition(a *store.Agent, o acquire.Outcome) {
	ctx := m.ctx
	switch {
	case o.State == acquire.StateSucceeded:
		m.recordAttempt(a.ID, o.Calls, o.Result)
		m.storeCode(ctx, a, o.Result)
	case transport.IsAuthExpired(o.Err):
		m.recordAttempt(a.ID, o.Calls, o.Result)
		m.setStatus(ctx, a.ID, store.StatusPairingDeferred)
		ev := events.New(events.TypeAuthRequired, a.ID, a.Phone)
		ev.Message = o.Err.Error()
		m.publish(ev)
	default:
		// Not a creation failure; the code can still be fetched on demand.
		m.setStatus(ctx, a.ID, store.StatusPairingDeferred)
		ev := events.New(events.TypePairingDeferred, a.ID, a.Phone)
		ev.Message = o.Result.String()
		ev.Retryable = true
		m.publish(ev)
	}
}

func (m *Manager) recordAttempt(agentID string, attempt int, r qrcode.Result) {
	rec := &store.PairingAttempt{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Attempt:   attempt,
		Outcome:   attemptOutcome(r),
		Detail:    r.String(),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.RecordPairingAttempt(m.ctx, rec); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("failed to record pairing attempt", "agent_id", agentID, "error", err)
	}
}

func attemptOutcome(r qrcode.Result) string {
	switch {
	case r.IsCodeAvailable():
		return store.AttemptCodeAvailable
	case r.IsAlreadyConnected():
		return store.AttemptAlreadyConnected
	case r.IsNotReadyYet():
		return store.AttemptNotReady
	default:
		return store.AttemptError
	}
}

// storeCode persists an available pairing code and notifies subscribers.
func (m *Manager) storeCode(ctx context.Context, a *store.Agent, r qrcode.Result) {
	if err := m.store.SetAgentQRCode(ctx, a.ID, r.Image()); err != nil {
		m.logger.Warn("failed to store pairing code", "agent_id", a.ID, "error", err)
		return
	}
	m.setStatus(ctx, a.ID, store.StatusCodeReady)
	ev := events.New(events.TypePairingCode, a.ID, a.Phone)
	ev.QRCode = r.Image()
	m.publish(ev)
}

// Get returns a stored agent.
func (m *Manager) Get(ctx context.Context, id string) (*store.Agent, error) {
	a, err := m.store.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return a, nil
}

// List returns all stored agents, oldest first.
func (m *Manager) List(ctx context.Context) ([]*store.Agent, error) {
	return m.store.ListAgents(ctx)
}

// Usage returns the message counters of an agent.
func (m *Manager) Usage(ctx context.Context, id string) (*store.Usage, error) {
	u, err := m.store.GetUsage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	return u, err
}

// Attempts returns the most recent pairing attempts of an agent.
func (m *Manager) Attempts(ctx context.Context, id string, limit int) ([]*store.PairingAttempt, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListPairingAttempts(ctx, id, limit)
}

// Acquiring reports whether a pairing-code loop is running for the agent.
func (m *Manager) Acquiring(id string) bool {
	_, ok := m.loops.Get(id)
	return ok
}

// PairingCode fetches the agent's pairing code on demand. Backend failures
// come back as the error variant of the result; only an expired session and
// cancellation are returned as errors.
func (m *Manager) PairingCode(ctx context.Context, id string) (qrcode.Result, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return qrcode.Failed(transport.KindNotFound, err.Error()), err
	}

	r, err := m.svc.GetPairingCode(ctx, phone.MustNormalize(a.Phone).E164())
	if err != nil {
		if transport.IsAuthExpired(err) {
			m.authRequired(a, err)
		}
		return r, err
	}

	switch {
	case r.IsCodeAvailable():
		m.storeCode(ctx, a, r)
	case r.IsAlreadyConnected():
		m.applyState(ctx, a, provision.StateConnected)
	}
	return r, nil
}

// Status verifies the agent's connection once and persists any change.
func (m *Manager) Status(ctx context.Context, id string) (provision.ConnectionState, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return provision.StateUnknown, err
	}
	state, err := m.svc.VerifyConnection(ctx, phone.MustNormalize(a.Phone).E164())
	if err != nil {
		if transport.IsAuthExpired(err) {
			m.authRequired(a, err)
		}
		return state, err
	}
	m.applyState(ctx, a, state)
	return state, nil
}

// applyState persists a connection state if it differs from the stored
// status and publishes the change.
func (m *Manager) applyState(ctx context.Context, a *store.Agent, state provision.ConnectionState) {
	var status store.AgentStatus
	switch state {
	case provision.StateConnected:
		status = store.StatusConnected
	case provision.StatePending:
		status = store.StatusPending
	default:
		return
	}

	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	current, err := m.store.GetAgent(ctx, a.ID)
	if err != nil {
		return
	}
	if current.Status == status {
		return
	}
	// Pending only downgrades a connected agent; the pairing states are more specific.
	if status == store.StatusPending && current.Status != store.StatusConnected {
		return
	}
	if err := m.store.UpdateAgentStatus(ctx, a.ID, status); err != nil {
		m.logger.Warn("failed to update agent status", "agent_id", a.ID, "error", err)
		return
	}
	m.logger.Info("agent status changed", "agent_id", a.ID, "from", current.Status, "to", status)

	ev := events.New(events.TypeStatusChanged, a.ID, a.Phone)
	ev.State = string(state)
	m.publish(ev)
}

func (m *Manager) setStatus(ctx context.Context, id string, status store.AgentStatus) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if err := m.store.UpdateAgentStatus(ctx, id, status); err != nil && ctx.Err() == nil {
		m.logger.Warn("failed to update agent status", "agent_id", id, "error", err)
	}
}

func (m *Manager) authRequired(a *store.Agent, err error) {
	m.logger.Warn("session expired", "agent_id", a.ID)
	ev := events.New(events.TypeAuthRequired, a.ID, a.Phone)
	ev.Message = err.Error()
	m.publish(ev)
}

// SendRequest is a test message sent on behalf of an agent.
type SendRequest struct {
	AgentID string
	Text    string
	// IdempotencyKey makes retries return the first result instead of
	// sending again. Optional.
	IdempotencyKey string
}

// SendTestMessage sends a message through the agent if its plan allows it
// and counts it against the plan limit.
func (m *Manager) SendTestMessage(ctx context.Context, req SendRequest) (*provision.SendResult, error) {
	if req.IdempotencyKey != "" {
		if res, ok := m.sent.Get(req.IdempotencyKey); ok {
			return res, nil
		}
		if !m.sent.Claim(req.IdempotencyKey) {
			return nil, ErrSendInProgress
		}
	}

	res, err := m.send(ctx, req)
	if req.IdempotencyKey != "" {
		if err != nil {
			m.sent.Release(req.IdempotencyKey)
		} else {
			m.sent.Complete(req.IdempotencyKey, res)
		}
	}
	return res, err
}

func (m *Manager) send(ctx context.Context, req SendRequest) (*provision.SendResult, error) {
	a, err := m.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	// Reserve before sending; a failed send gives the slot back.
	_, err = m.store.ReserveUsage(ctx, a.ID)
	limitReached := errors.Is(err, store.ErrUsageLimitReached)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrAgentNotFound
	case err != nil && !limitReached:
		return nil, fmt.Errorf("reserving usage: %w", err)
	}

	res, err := m.svc.SendMessage(ctx, phone.MustNormalize(a.Phone).E164(), req.Text, provision.SendOptions{
		Prompt:       a.Prompt,
		LimitReached: limitReached,
	})
	if err != nil {
		if !limitReached {
			m.releaseUsage(ctx, a.ID)
		}
		if transport.IsAuthExpired(err) {
			m.authRequired(a, err)
		}
		return nil, err
	}

	m.logger.Debug("test message sent", "agent_id", a.ID, "message_id", res.ID)
	ev := events.New(events.TypeMessageSent, a.ID, a.Phone)
	ev.Message = res.ID
	m.publish(ev)
	return res, nil
}

func (m *Manager) releaseUsage(ctx context.Context, agentID string) {
	if _, err := m.store.ReleaseUsage(context.WithoutCancel(ctx), agentID); err != nil {
		m.logger.Warn("failed to release message slot", "agent_id", agentID, "error", err)
	}
}

// WatchOptions receives the changes seen by one watching surface.
type WatchOptions struct {
	OnChange       func(provision.ConnectionState)
	OnAuthRequired func(error)
}

// Watch mounts a status poller for one surface showing the agent. The
// returned func unmounts it; it is safe to call more than once.
func (m *Manager) Watch(ctx context.Context, id string, opts WatchOptions) (func(), error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p := poller.New(m.svc, phone.MustNormalize(a.Phone).E164(), poller.Options{
		Interval: m.cfg.StatusInterval,
		Logger:   m.logger,
		OnChange: func(state provision.ConnectionState) {
			m.applyState(m.ctx, a, state)
			if opts.OnChange != nil {
				opts.OnChange(state)
			}
		},
		OnAuthRequired: func(err error) {
			m.authRequired(a, err)
			if opts.OnAuthRequired != nil {
				opts.OnAuthRequired(err)
			}
		},
	})
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p.Cancel, nil
}

// RefreshAll verifies every stored agent concurrently and returns the states
// observed. An expired session aborts the refresh.
func (m *Manager) RefreshAll(ctx context.Context) (map[string]provision.ConnectionState, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	var mu sync.Mutex
	states := make(map[string]provision.ConnectionState, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RefreshConcurrency)
	for _, a := range agents {
		g.Go(func() error {
			state, err := m.svc.VerifyConnection(gctx, phone.MustNormalize(a.Phone).E164())
			if err != nil {
				return err
			}
			m.applyState(gctx, a, state)
			mu.Lock()
			states[a.ID] = state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return states, fmt.Errorf("refreshing agents: %w", err)
	}
	return states, nil
}

// Delete cancels the agent's acquisition loop and removes it with its
// usage and attempts.
func (m *Manager) Delete(ctx context.Context, id string) error {
	a, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	m.loops.Cancel(id)
	if err := m.store.DeleteAgent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("deleting agent: %w", err)
	}

	m.logger.Info("=== AGENT DELETED ===", "agent_id", id, "phone", a.Phone)
	m.publish(events.New(events.TypeAgentDeleted, id, a.Phone))
	return nil
}

func (m *Manager) publish(ev *events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
