// ABOUTME: Simulated provisioning backend for local development and manual E2E runs.
// ABOUTME: Usage: fake-provisioner [-addr 127.0.0.1:8091] [-code-after 3] [-format json|json_url|html|html_noimage]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/agentlink/internal/provision/provisiontest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8091", "listen address")
	codeAfter := flag.Int("code-after", 3, "pairing-code polls answered with \"not ready\" before a code is served")
	format := flag.String("format", string(provisiontest.FormatJSON), "pairing code format: json, json_url, html, html_noimage")
	latency := flag.Duration("latency", 0, "delay added to every response")
	rootStatus := flag.Int("root-status", http.StatusNotFound, "status answered by GET /")
	connectOnCode := flag.Bool("connect-on-code", false, "mark agents connected as soon as their code is served")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	switch provisiontest.Format(*format) {
	case provisiontest.FormatJSON, provisiontest.FormatJSONURL, provisiontest.FormatHTML, provisiontest.FormatHTMLNoImage:
	default:
		fmt.Fprintf(os.Stderr, "unknown format: %s\n", *format)
		os.Exit(2)
	}

	backend := provisiontest.NewBackend(provisiontest.Options{
		CodeAfter:     *codeAfter,
		Format:        provisiontest.Format(*format),
		RootStatus:    *rootStatus,
		Latency:       *latency,
		ConnectOnCode: *connectOnCode,
	})
	backend.SetBaseURL("http://" + *addr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, backend, logger); err != nil {
		logger.Error("fake provisioner failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, backend *provisiontest.Backend, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(backend, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake provisioner listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRouter serves the backend plus control endpoints for toggling session
// expiry and marking agents connected:
//
//	POST /_control/unauthorized?on=true
//	POST /_control/connected?numero=+5511999990001&on=true
func newRouter(backend *provisiontest.Backend, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Route("/_control", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Post("/unauthorized", func(w http.ResponseWriter, req *http.Request) {
			on, err := strconv.ParseBool(req.URL.Query().Get("on"))
			if err != nil {
				http.Error(w, "on must be a boolean", http.StatusBadRequest)
				return
			}
			backend.SetUnauthorized(on)
			logger.Info("session expiry toggled", "unauthorized", on)
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/connected", func(w http.ResponseWriter, req *http.Request) {
			numero := req.URL.Query().Get("numero")
			on, err := strconv.ParseBool(req.URL.Query().Get("on"))
			if numero == "" || err != nil {
				http.Error(w, "numero and on are required", http.StatusBadRequest)
				return
			}
			backend.SetConnected(numero, on)
			logger.Info("connection toggled", "numero", numero, "connected", on)
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Mount("/", backend.Handler())
	return r
}
