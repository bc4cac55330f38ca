// ABOUTME: Agent provisioning operations against the remote messaging backend.
// ABOUTME: Normalizes phones, probes liveness, and converts transient failures into safe states.

package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentlink/internal/phone"
	"github.com/2389/agentlink/internal/qrcode"
	"github.com/2389/agentlink/internal/transport"
)

// ErrLimitExceeded is returned by SendMessage when the caller reports the
// agent's plan limit as reached.
var ErrLimitExceeded = errors.New("message limit exceeded")

// ErrInvalidProfile is returned when a creation profile lacks required fields.
var ErrInvalidProfile = errors.New("invalid agent profile")

// ErrEmptyMessage is returned when SendMessage is called without text.
var ErrEmptyMessage = errors.New("message text is empty")

// Default backend paths.
const (
	DefaultCreatePath = "/criar-agente"
	DefaultStatusPath = "/status"
	DefaultQRCodePath = "/qrcode"
	DefaultSendPath   = "/enviar-mensagem"
)

// ConnectionState is the last known link state of a phone.
type ConnectionState string

const (
	StateConnected ConnectionState = "connected"
	StatePending   ConnectionState = "pending"
	StateUnknown   ConnectionState = "unknown"
)

// Doer performs backend requests. *transport.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Profile describes an agent to create.
type Profile struct {
	Phone       string
	Name        string
	Type        string
	Description string
	Prompt      string
	Plan        string
}

// CreationResult is what the backend reported after creating an agent.
type CreationResult struct {
	Phone     phone.Number
	Status    string
	QRCodeURL string
}

// SendOptions carries caller-side context for SendMessage.
type SendOptions struct {
	// Prompt overrides the agent's stored prompt for this message.
	Prompt string
	// LimitReached is set by callers that checked the usage counters.
	LimitReached bool
}

// SendResult describes an accepted message.
type SendResult struct {
	ID     string
	Phone  phone.Number
	Status string
	SentAt time.Time
}

// Config holds backend paths and the probe timeout.
type Config struct {
	CreatePath   string
	StatusPath   string
	QRCodePath   string
	SendPath     string
	ProbeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CreatePath == "" {
		c.CreatePath = DefaultCreatePath
	}
	if c.StatusPath == "" {
		c.StatusPath = DefaultStatusPath
	}
	if c.QRCodePath == "" {
		c.QRCodePath = DefaultQRCodePath
	}
	if c.SendPath == "" {
		c.SendPath = DefaultSendPath
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = transport.ProbeTimeout
	}
}

// Service exposes the provisioning operations. It is safe for concurrent use.
type Service struct {
	client Doer
	cfg    Config
	logger *slog.Logger
}

// NewService creates a Service over client.
func NewService(client Doer, cfg Config, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "provision"),
	}
}

// Probe checks that the backend is reachable. The backend has no health
// endpoint, so its root answering 200, 404, or 405 counts as alive.
func (s *Service) Probe(ctx context.Context) error {
	_, err := s.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/",
		Timeout:    s.cfg.ProbeTimeout,
		PassStatus: []int{http.StatusNotFound, http.StatusMethodNotAllowed},
	})
	if err != nil {
		return fmt.Errorf("probing backend: %w", err)
	}
	return nil
}

type creationRequest struct {
	Numero    string `json:"numero"`
	Nome      string `json:"nome"`
	Tipo      string `json:"tipo"`
	Descricao string `json:"descricao"`
	Prompt    string `json:"prompt"`
	Plano     string `json:"plano"`
}

type creationResponse struct {
	Status    string `json:"status"`
	QRCodeURL string `json:"qrcodeUrl"`
	Numero    string `json:"numero"`
}

// CreateAgent registers a new agent remotely. The backend is probed first so
// a cold backend fails fast instead of consuming the full request timeout.
func (s *Service) CreateAgent(ctx context.Context, p Profile) (*CreationResult, error) {
	num, err := phone.Normalize(p.Phone)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}

	if err := s.Probe(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   s.cfg.CreatePath,
		Body: creationRequest{
			Numero:    num.E164(),
			Nome:      strings.TrimSpace(p.Name),
			Tipo:      p.Type,
			Descricao: p.Description,
			Prompt:    p.Prompt,
			Plano:     p.Plan,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	result := &CreationResult{Phone: num}

	// The agent exists once the backend accepted the request; an odd body
	// only costs us the optional fields.
	var body creationResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		s.logger.Warn("creation response not JSON", "phone", num.Digits(), "content_type", resp.ContentType)
		return result, nil
	}
	result.Status = body.Status
	result.QRCodeURL = body.QRCodeURL
	if body.Numero != "" {
		if reported, err := phone.Normalize(body.Numero); err == nil {
			result.Phone = reported
		}
	}

	s.logger.Info("agent created", "phone", result.Phone.Digits(), "status", result.Status)
	return result, nil
}

// VerifyConnection reports whether phone is linked. Every backend failure
// yields StatePending with a nil error except AuthExpired, which is returned
// unchanged. Cancellation of ctx returns StateUnknown and ctx.Err().
func (s *Service) VerifyConnection(ctx context.Context, raw string) (ConnectionState, error) {
	num, err := phone.Normalize(raw)
	if err != nil {
		return StateUnknown, err
	}

	resp, err := s.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       s.cfg.StatusPath,
		Query:      phoneQuery(num),
		PassStatus: []int{http.StatusNotFound},
	})
	if err != nil {
		if transport.IsAuthExpired(err) {
			return StateUnknown, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StateUnknown, ctxErr
		}
		s.logger.Debug("status check failed", "phone", num.Digits(), "error", err)
		return StatePending, nil
	}

	if qrcode.Interpret(resp).IsAlreadyConnected() {
		return StateConnected, nil
	}
	return StatePending, nil
}

// GetPairingCode fetches the pairing code for phone and returns the
// interpreter's classification. Backend failures come back as the error
// variant of the Result with a nil error; only an invalid phone, AuthExpired,
// and cancellation of ctx are returned as errors.
func (s *Service) GetPairingCode(ctx context.Context, raw string) (qrcode.Result, error) {
	num, err := phone.Normalize(raw)
	if err != nil {
		return qrcode.Failed(transport.KindClient, err.Error()), err
	}

	resp, err := s.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       s.cfg.QRCodePath,
		Query:      phoneQuery(num),
		PassStatus: []int{http.StatusNotFound},
	})
	if err != nil {
		if transport.IsAuthExpired(err) {
			return qrcode.FromError(err), err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return qrcode.FromError(ctxErr), ctxErr
		}
		return qrcode.FromError(err), nil
	}

	result := qrcode.Interpret(resp)
	if resp.StatusCode == http.StatusNotFound && result.IsError() {
		// A 404 without the "not generated yet" message is still transient.
		return qrcode.Failed(transport.KindNotFound, result.ErrorMessage()), nil
	}
	return result, nil
}

type sendRequest struct {
	Numero   string `json:"numero"`
	Mensagem string `json:"mensagem"`
	Prompt   string `json:"prompt"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SendMessage sends text on behalf of the agent at phone. The service does
// not read usage counters; callers pass LimitReached after checking them.
func (s *Service) SendMessage(ctx context.Context, raw, text string, opts SendOptions) (*SendResult, error) {
	num, err := phone.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if opts.LimitReached {
		return nil, ErrLimitExceeded
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	resp, err := s.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   s.cfg.SendPath,
		Body: sendRequest{
			Numero:   num.E164(),
			Mensagem: text,
			Prompt:   opts.Prompt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	result := &SendResult{
		Phone:  num,
		Status: "sent",
		SentAt: time.Now().UTC(),
	}
	var body sendResponse
	if json.Unmarshal(resp.Body, &body) == nil {
		result.ID = body.ID
		if body.Status != "" {
			result.Status = body.Status
		}
	}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}

	s.logger.Debug("message sent", "phone", num.Digits(), "id", result.ID)
	return result, nil
}

func phoneQuery(num phone.Number) url.Values {
	return url.Values{"numero": []string{num.E164()}}
}
