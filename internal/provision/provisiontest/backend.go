// ABOUTME: Simulated provisioning backend for tests and local development.
// ABOUTME: Serves creation, status, pairing-code, and send endpoints with configurable quirks.

package provisiontest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// PNG is a 1x1 transparent image used as the served pairing code.
const PNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// NotReadyMessage is the body message for a code that is still being generated.
const NotReadyMessage = "QR Code ainda não foi gerado"

// Format selects how pairing codes are served.
type Format string

const (
	FormatJSON        Format = "json"         // {"qr_code": "data:image/png;base64,..."}
	FormatJSONURL     Format = "json_url"     // {"qr_code": "https://.../qr.png"}
	FormatHTML        Format = "html"         // <img src="data:...">
	FormatHTMLNoImage Format = "html_noimage" // markup without an image
)

// Options configures a Backend.
type Options struct {
	// CodeAfter is how many pairing-code polls answer "not ready" before a
	// code is served.
	CodeAfter int
	// Format of served pairing codes. Defaults to FormatJSON.
	Format Format
	// RootStatus is the status of GET /. Defaults to 404.
	RootStatus int
	// Latency delays every response.
	Latency time.Duration
	// ConnectOnCode marks the agent connected right after its code is served,
	// as if the user scanned it.
	ConnectOnCode bool

	CreatePath string
	StatusPath string
	QRCodePath string
	SendPath   string
}

type agentState struct {
	Nome      string
	Plano     string
	Polls     int
	Connected bool
	Messages  []string
}

// Backend is an in-memory provisioning backend. It is safe for concurrent use.
type Backend struct {
	mu           sync.Mutex
	opts         Options
	agents       map[string]*agentState // keyed by "+digits"
	calls        map[string]int         // keyed by path
	unauthorized bool
	baseURL      string
}

// NewBackend creates a Backend with defaults applied.
func NewBackend(opts Options) *Backend {
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.RootStatus == 0 {
		opts.RootStatus = http.StatusNotFound
	}
	if opts.CreatePath == "" {
		opts.CreatePath = "/criar-agente"
	}
	if opts.StatusPath == "" {
		opts.StatusPath = "/status"
	}
	if opts.QRCodePath == "" {
		opts.QRCodePath = "/qrcode"
	}
	if opts.SendPath == "" {
		opts.SendPath = "/enviar-mensagem"
	}
	return &Backend{
		opts:   opts,
		agents: make(map[string]*agentState),
		calls:  make(map[string]int),
	}
}

// Handler returns the HTTP handler for the backend.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(b.count)
	r.Use(b.delay)
	r.Use(b.auth)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, b.opts.RootStatus, map[string]string{"message": "Cannot GET /"})
	})
	r.Post(b.opts.CreatePath, b.handleCreate)
	r.Get(b.opts.StatusPath, b.handleStatus)
	r.Get(b.opts.QRCodePath, b.handleQRCode)
	r.Post(b.opts.SendPath, b.handleSend)
	return r
}

// SetBaseURL sets the URL used in qrcodeUrl fields.
func (b *Backend) SetBaseURL(u string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseURL = strings.TrimSuffix(u, "/")
}

// SetUnauthorized makes every request answer 401.
func (b *Backend) SetUnauthorized(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unauthorized = v
}

// SetConnected marks numero ("+digits") linked or unlinked, creating it if needed.
func (b *Backend) SetConnected(numero string, v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentLocked(numero).Connected = v
}

// AddAgent registers numero without going through creation.
func (b *Backend) AddAgent(numero string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentLocked(numero)
}

// Calls returns how many requests path received.
func (b *Backend) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

// TotalCalls returns the number of requests received on any path.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

// Messages returns the texts sent to numero.
func (b *Backend) Messages(numero string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[numero]
	if !ok {
		return nil
	}
	return append([]string(nil), a.Messages...)
}

func (b *Backend) agentLocked(numero string) *agentState {
	a, ok := b.agents[numero]
	if !ok {
		a = &agentState{}
		b.agents[numero] = a
	}
	return a
}

func (b *Backend) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls[r.URL.Path]++
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.opts.Latency > 0 {
			select {
			case <-time.After(b.opts.Latency):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		denied := b.unauthorized
		b.mu.Unlock()
		if denied {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "JWT expired"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Numero string `json:"numero"`
		Nome   string `json:"nome"`
		Plano  string `json:"plano"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON"})
		return
	}
	if !strings.HasPrefix(req.Numero, "+") || strings.Count(req.Numero, "+") != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "numero must start with a single +"})
		return
	}

	b.mu.Lock()
	if a, ok := b.agents[req.Numero]; ok && a.Nome != "" {
		b.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "agente já existe"})
		return
	}
	a := b.agentLocked(req.Numero)
	a.Nome = req.Nome
	a.Plano = req.Plano
	base := b.baseURL
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":    "criado",
		"numero":    req.Numero,
		"qrcodeUrl": base + b.opts.QRCodePath + "?numero=" + url.QueryEscape(req.Numero),
	})
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	numero := r.URL.Query().Get("numero")

	b.mu.Lock()
	a, ok := b.agents[numero]
	connected := ok && a.Connected
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Agente não encontrado"})
		return
	}
	body := map[string]any{"conectado": connected}
	if !connected {
		body["message"] = "Aguardando leitura do QR Code"
	}
	writeJSON(w, http.StatusOK, body)
}

func (b *Backend) handleQRCode(w http.ResponseWriter, r *http.Request) {
	numero := r.URL.Query().Get("numero")

	b.mu.Lock()
	a, ok := b.agents[numero]
	if !ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Agente não encontrado"})
		return
	}
	if a.Connected {
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"conectado": true})
		return
	}
	a.Polls++
	ready := a.Polls > b.opts.CodeAfter
	if ready && b.opts.ConnectOnCode {
		a.Connected = true
	}
	base := b.baseURL
	b.mu.Unlock()

	if !ready {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": NotReadyMessage})
		return
	}

	dataURI := "data:image/png;base64," + PNG
	switch b.opts.Format {
	case FormatJSONURL:
		writeJSON(w, http.StatusOK, map[string]any{
			"conectado": false,
			"qr_code":   fmt.Sprintf("%s/static/qr/%s.png", base, strings.TrimPrefix(numero, "+")),
		})
	case FormatHTML:
		writeHTML(w, `<!doctype html><html><body><h1>Escaneie o código</h1><img alt="qr" src="`+dataURI+`"></body></html>`)
	case FormatHTMLNoImage:
		writeHTML(w, `<!doctype html><html><body><h1>Aguarde</h1></body></html>`)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"conectado": false, "qr_code": dataURI})
	}
}

func (b *Backend) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Numero   string `json:"numero"`
		Mensagem string `json:"mensagem"`
		Prompt   string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON"})
		return
	}

	b.mu.Lock()
	a, ok := b.agents[req.Numero]
	if ok {
		a.Messages = append(a.Messages, req.Mensagem)
	}
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Agente não encontrado"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enviado", "id": uuid.New().String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// Server is a Backend listening on a local httptest server.
type Server struct {
	*Backend
	*httptest.Server
}

// NewServer starts a Backend. Callers must Close it.
func NewServer(opts Options) *Server {
	b := NewBackend(opts)
	srv := httptest.NewServer(b.Handler())
	b.SetBaseURL(srv.URL)
	return &Server{Backend: b, Server: srv}
}
