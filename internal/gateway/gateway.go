// ABOUTME: Gateway orchestrator that wires the provisioning client, store, and local HTTP API
// ABOUTME: Manages agent manager, event broadcaster, and server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/agentlink/internal/agent"
	"github.com/2389/agentlink/internal/auth"
	"github.com/2389/agentlink/internal/config"
	"github.com/2389/agentlink/internal/events"
	"github.com/2389/agentlink/internal/provision"
	"github.com/2389/agentlink/internal/session"
	"github.com/2389/agentlink/internal/store"
	"github.com/2389/agentlink/internal/transport"
)

// Gateway serves the local agentlink API.
type Gateway struct {
	config       *config.Config
	settings     *config.Settings
	agentManager *agent.Manager
	store        store.Store
	sessions     *session.Source
	verifier     auth.TokenVerifier // nil when the API is open
	httpServer   *http.Server
	logger       *slog.Logger

	// eventBroadcaster fans agent events out to SSE streams
	eventBroadcaster *events.Broadcaster

	startTime time.Time
}

// initStore creates the database directory and opens the SQLite store.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// NewSessionSource builds the token source for the hosted backend from config.
func NewSessionSource(cfg *config.Config) *session.Source {
	return session.New(session.Options{
		Token:     cfg.Auth.Token,
		TokenFile: cfg.Auth.TokenFile,
		Optional:  cfg.Auth.Optional,
	})
}

// NewService builds the provisioning service described by cfg.
func NewService(cfg *config.Config, tokens transport.TokenSource, logger *slog.Logger) *provision.Service {
	client := transport.New(transport.Options{
		BaseURL:           cfg.Provisioner.BaseURL,
		Tokens:            tokens,
		Timeout:           cfg.Provisioner.RequestTimeout,
		RequestsPerSecond: cfg.Provisioner.RequestsPerSecond,
		Logger:            logger,
	})
	return provision.NewService(client, provision.Config{
		CreatePath:   cfg.Provisioner.CreatePath,
		StatusPath:   cfg.Provisioner.StatusPath,
		QRCodePath:   cfg.Provisioner.QRCodePath,
		SendPath:     cfg.Provisioner.SendPath,
		ProbeTimeout: cfg.Provisioner.ProbeTimeout,
	}, logger)
}

// ManagerConfig maps the loaded configuration onto agent.Config.
func ManagerConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		PairingInterval: cfg.Pairing.Interval,
		PairingAttempts: cfg.Pairing.MaxAttempts,
		StatusInterval:  cfg.Status.Interval,
		Plans:           cfg.Plans,
	}
}

// New creates a Gateway from cfg. The store is opened immediately; call
// Shutdown to release it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var verifier auth.TokenVerifier
	if cfg.Server.APISecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Server.APISecret))
		if err != nil {
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		verifier = v
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	sessions := NewSessionSource(cfg)
	svc := NewService(cfg, sessions, logger)
	broadcaster := events.NewBroadcaster(logger)
	agentMgr := agent.NewManager(svc, s, broadcaster, ManagerConfig(cfg), logger)

	gw := &Gateway{
		config:           cfg,
		settings:         config.NewSettings(cfg),
		agentManager:     agentMgr,
		store:            s,
		sessions:         sessions,
		verifier:         verifier,
		logger:           logger.With("component", "gateway"),
		eventBroadcaster: broadcaster,
		startTime:        time.Now(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Manager returns the agent manager.
func (g *Gateway) Manager() *agent.Manager {
	return g.agentManager
}

// Settings returns the process-wide settings store.
func (g *Gateway) Settings() *config.Settings {
	return g.settings
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves until ctx is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.logger.Info("starting gateway",
		"http_addr", ln.Addr().String(),
		"provisioner", g.config.Provisioner.BaseURL,
		"locale", g.settings.Locale(),
	)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, background loops, and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.agentManager.Close()
	g.eventBroadcaster.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
