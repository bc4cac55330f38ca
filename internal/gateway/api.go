// ABOUTME: HTTP API handlers for provisioning agents and reading their pairing state.
// ABOUTME: JSON endpoints under /api/agents plus health checks, routed with chi.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/agentlink/internal/agent"
	"github.com/2389/agentlink/internal/auth"
	"github.com/2389/agentlink/internal/phone"
	"github.com/2389/agentlink/internal/provision"
	"github.com/2389/agentlink/internal/qrcode"
	"github.com/2389/agentlink/internal/store"
	"github.com/2389/agentlink/internal/transport"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// CreateAgentRequest is the JSON request body for POST /api/agents.
type CreateAgentRequest struct {
	Phone       string `json:"phone"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Plan        string `json:"plan,omitempty"`
}

// AgentResponse is the JSON representation of a stored agent.
type AgentResponse struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	Name        string    `json:"name"`
	Type        string    `json:"type,omitempty"`
	Description string    `json:"description,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Plan        string    `json:"plan"`
	Status      string    `json:"status"`
	QRCode      string    `json:"qr_code,omitempty"`
	Acquiring   bool      `json:"acquiring"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PairingCodeResponse is the JSON response for GET /api/agents/{id}/qrcode.
type PairingCodeResponse struct {
	Result    string `json:"result"`
	Image     string `json:"image,omitempty"`
	Inline    bool   `json:"inline,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// UsageResponse is the JSON response for GET /api/agents/{id}/usage.
type UsageResponse struct {
	Used         int  `json:"used"`
	Limit        int  `json:"limit"`
	Remaining    int  `json:"remaining"`
	LimitReached bool `json:"limit_reached"`
}

// AttemptResponse is one entry of GET /api/agents/{id}/attempts.
type AttemptResponse struct {
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SendMessageRequest is the JSON request body for POST /api/agents/{id}/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessageResponse is the JSON response for an accepted message.
type SendMessageResponse struct {
	ID     string    `json:"id"`
	Phone  string    `json:"phone"`
	Status string    `json:"status"`
	SentAt time.Time `json:"sent_at"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// Handler returns the HTTP handler for the local API.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.requestLogger)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api/agents", func(r chi.Router) {
		if g.verifier != nil {
			r.Use(auth.RequireToken(g.verifier))
		}

		r.Get("/", g.handleListAgents)
		r.Post("/", g.handleCreateAgent)
		r.Post("/refresh", g.handleRefreshAgents)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", g.handleGetAgent)
			r.Delete("/", g.handleDeleteAgent)
			r.Get("/qrcode", g.handlePairingCode)
			r.Get("/status", g.handleStatus)
			r.Get("/usage", g.handleUsage)
			r.Get("/attempts", g.handleAttempts)
			r.Post("/messages", g.handleSendMessage)
			r.Get("/events", g.handleEvents)
		})
	})

	return r
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the provisioning backend answers its probe.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.agentManager.Health(r.Context()); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (uptime %s)", time.Since(g.startTime).Round(time.Second))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.agentManager.List(r.Context())
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, g.agentResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}

	a, err := g.agentManager.Create(r.Context(), provision.Profile{
		Phone:       req.Phone,
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Prompt:      req.Prompt,
		Plan:        req.Plan,
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/agents/"+a.ID)
	writeJSON(w, http.StatusCreated, g.agentResponse(a))
}

func (g *Gateway) handleRefreshAgents(w http.ResponseWriter, r *http.Request) {
	states, err := g.agentManager.RefreshAll(r.Context())
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	resp := make(map[string]string, len(states))
	for id, state := range states {
		resp[id] = string(state)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := g.agentManager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.agentResponse(a))
}

func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := g.agentManager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePairingCode fetches the pairing code. With ?format=png an inline
// image is returned as raw bytes instead of JSON.
func (g *Gateway) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	result, err := g.agentManager.PairingCode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "png" && result.IsCodeAvailable() {
		data, mediaType, err := result.DecodeImage()
		if err == nil {
			w.Header().Set("Content-Type", mediaType)
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
		if !errors.Is(err, qrcode.ErrNotInlineImage) {
			sendJSONError(w, http.StatusBadGateway, string(transport.KindUnexpectedFormat), err.Error(), false)
			return
		}
	}

	writeJSON(w, http.StatusOK, pairingCodeResponse(result))
}

func pairingCodeResponse(r qrcode.Result) PairingCodeResponse {
	resp := PairingCodeResponse{Result: r.Kind().String()}
	switch {
	case r.IsCodeAvailable():
		resp.Image = r.Image()
		resp.Inline = r.IsInlineImage()
	case r.IsNotReadyYet():
		resp.Reason = r.Reason()
		resp.Retryable = true
	case r.IsError():
		resp.ErrorKind = string(r.ErrorKind())
		resp.Error = r.ErrorMessage()
		resp.Retryable = r.Retryable()
	}
	return resp
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := g.agentManager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := g.agentManager.Usage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{
		Used:         u.Used,
		Limit:        u.Limit,
		Remaining:    u.Remaining(),
		LimitReached: u.LimitReached(),
	})
}

func (g *Gateway) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer", false)
			return
		}
		limit = n
	}

	attempts, err := g.agentManager.Attempts(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	resp := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, AttemptResponse{
			Attempt:   a.Attempt,
			Outcome:   a.Outcome,
			Detail:    a.Detail,
			CreatedAt: a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}

	res, err := g.agentManager.SendTestMessage(r.Context(), agent.SendRequest{
		AgentID:        chi.URLParam(r, "id"),
		Text:           req.Text,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SendMessageResponse{
		ID:     res.ID,
		Phone:  res.Phone.E164(),
		Status: res.Status,
		SentAt: res.SentAt,
	})
}

func (g *Gateway) agentResponse(a *store.Agent) AgentResponse {
	e164 := a.Phone
	if num, err := phone.Normalize(a.Phone); err == nil {
		e164 = num.E164()
	}
	return AgentResponse{
		ID:          a.ID,
		Phone:       e164,
		Name:        a.Name,
		Type:        a.Type,
		Description: a.Description,
		Prompt:      a.Prompt,
		Plan:        a.Plan,
		Status:      string(a.Status),
		QRCode:      a.QRCode,
		Acquiring:   g.agentManager.Acquiring(a.ID),
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// errorStatus maps a domain error to an HTTP status, kind, and retry hint.
func errorStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, phone.ErrInvalidPhoneNumber):
		return http.StatusBadRequest, "invalid_phone_number", false
	case errors.Is(err, provision.ErrInvalidProfile), errors.Is(err, provision.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request", false
	case errors.Is(err, agent.ErrAgentNotFound):
		return http.StatusNotFound, "not_found", false
	case errors.Is(err, agent.ErrAgentExists):
		return http.StatusConflict, "conflict", false
	case errors.Is(err, agent.ErrSendInProgress):
		return http.StatusConflict, "in_progress", true
	case errors.Is(err, provision.ErrLimitExceeded):
		return http.StatusTooManyRequests, "limit_exceeded", false
	case transport.IsAuthExpired(err):
		return http.StatusUnauthorized, "auth_required", false
	}

	switch kind := transport.KindOf(err); kind {
	case "":
		return http.StatusInternalServerError, "internal", false
	case transport.KindTimeout:
		return http.StatusGatewayTimeout, string(kind), true
	case transport.KindClient:
		return http.StatusBadGateway, string(kind), false
	default:
		return http.StatusBadGateway, string(kind), transport.IsRetryable(err)
	}
}

// sendError writes the JSON error body for err.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, retryable := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	} else {
		g.logger.Log(r.Context(), logLevelFor(status), "request failed",
			"path", r.URL.Path,
			"kind", kind,
			"operator", auth.SubjectFrom(r.Context()),
			"error", err,
		)
	}
	sendJSONError(w, status, kind, msg, retryable)
}

func logLevelFor(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, kind, message string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind, Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses a size-limited JSON body, rejecting unknown fields.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
