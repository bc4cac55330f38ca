// ABOUTME: Tests for the provisioning service against a simulated backend.
// ABOUTME: Covers phone validation before I/O, liveness probing, state mapping, and auth propagation.

package provision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentlink/internal/phone"
	"github.com/2389/agentlink/internal/provision/provisiontest"
	"github.com/2389/agentlink/internal/qrcode"
	"github.com/2389/agentlink/internal/transport"
)

const (
	testPhone = "+55 (11) 99999-0001"
	testE164  = "+5511999990001"
)

func newTestService(t *testing.T, opts provisiontest.Options) (*Service, *provisiontest.Server) {
	t.Helper()
	srv := provisiontest.NewServer(opts)
	t.Cleanup(srv.Close)

	client := transport.New(transport.Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	return NewService(client, Config{ProbeTimeout: time.Second}, nil), srv
}

// rawService serves every request with handler and counts calls.
func rawService(t *testing.T, handler http.HandlerFunc) (*Service, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := transport.New(transport.Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	return NewService(client, Config{}, nil), &calls
}

func TestService_InvalidPhoneMakesNoCalls(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})
	ctx := context.Background()

	for _, raw := range []string{"", "123", "+55 11 9999", "abc-def-ghij"} {
		_, err := svc.CreateAgent(ctx, Profile{Phone: raw, Name: "Bot"})
		assert.ErrorIs(t, err, phone.ErrInvalidPhoneNumber, raw)

		state, err := svc.VerifyConnection(ctx, raw)
		assert.ErrorIs(t, err, phone.ErrInvalidPhoneNumber, raw)
		assert.Equal(t, StateUnknown, state)

		_, err = svc.GetPairingCode(ctx, raw)
		assert.ErrorIs(t, err, phone.ErrInvalidPhoneNumber, raw)

		_, err = svc.SendMessage(ctx, raw, "oi", SendOptions{})
		assert.ErrorIs(t, err, phone.ErrInvalidPhoneNumber, raw)
	}

	assert.Equal(t, 0, srv.TotalCalls())
}

func TestService_CreateAgent(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})

	res, err := svc.CreateAgent(context.Background(), Profile{
		Phone:  testPhone,
		Name:   "Atendente",
		Type:   "vendas",
		Prompt: "Seja breve.",
		Plan:   "basico",
	})
	require.NoError(t, err)

	assert.Equal(t, "5511999990001", res.Phone.Digits())
	assert.Equal(t, "criado", res.Status)
	assert.Contains(t, res.QRCodeURL, "/qrcode?numero=%2B5511999990001")
	assert.Equal(t, 1, srv.Calls("/"), "liveness probe runs first")
	assert.Equal(t, 1, srv.Calls("/criar-agente"))
}

func TestService_CreateAgent_ProbeStatuses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"200 alive", http.StatusOK, false},
		{"404 alive", http.StatusNotFound, false},
		{"405 alive", http.StatusMethodNotAllowed, false},
		{"503 down", http.StatusServiceUnavailable, true},
		{"400 down", http.StatusBadRequest, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, srv := newTestService(t, provisiontest.Options{RootStatus: tt.status})

			_, err := svc.CreateAgent(context.Background(), Profile{Phone: testPhone, Name: "Bot"})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, 0, srv.Calls("/criar-agente"), "no creation against a dead backend")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, srv.Calls("/criar-agente"))
		})
	}
}

func TestService_CreateAgent_RequiresName(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})

	_, err := svc.CreateAgent(context.Background(), Profile{Phone: testPhone, Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidProfile)
	assert.Equal(t, 0, srv.TotalCalls())
}

func TestService_CreateAgent_SendsNormalizedBody(t *testing.T) {
	var got map[string]string
	svc, _ := rawService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	res, err := svc.CreateAgent(context.Background(), Profile{
		Phone: "++55-11-99999-0001", Name: "Bot", Type: "suporte", Description: "d", Prompt: "p", Plan: "premium",
	})
	require.NoError(t, err, "a non-JSON success body still means the agent exists")
	assert.Equal(t, "5511999990001", res.Phone.Digits())

	assert.Equal(t, map[string]string{
		"numero": testE164, "nome": "Bot", "tipo": "suporte", "descricao": "d", "prompt": "p", "plano": "premium",
	}, got)
}

func TestService_CreateAgent_Conflict(t *testing.T) {
	svc, _ := newTestService(t, provisiontest.Options{})
	ctx := context.Background()

	_, err := svc.CreateAgent(ctx, Profile{Phone: testPhone, Name: "Bot"})
	require.NoError(t, err)

	_, err = svc.CreateAgent(ctx, Profile{Phone: testPhone, Name: "Bot"})
	require.Error(t, err)
	assert.Equal(t, transport.KindClient, transport.KindOf(err))
}

func TestService_VerifyConnection(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})
	ctx := context.Background()

	// Unknown agent: 404 is absorbed.
	state, err := svc.VerifyConnection(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	srv.AddAgent(testE164)
	state, err = svc.VerifyConnection(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	srv.SetConnected(testE164, true)
	state, err = svc.VerifyConnection(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, state)
}

func TestService_VerifyConnection_FailuresBecomePending(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"client error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{not json"))
		}},
		{"markup", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body>oops</body></html>"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := rawService(t, tt.handler)
			state, err := svc.VerifyConnection(context.Background(), testPhone)
			require.NoError(t, err)
			assert.Equal(t, StatePending, state)
		})
	}
}

func TestService_VerifyConnection_TimeoutBecomesPending(t *testing.T) {
	srv := provisiontest.NewServer(provisiontest.Options{Latency: 200 * time.Millisecond})
	defer srv.Close()
	srv.SetConnected(testE164, true)

	client := transport.New(transport.Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	svc := NewService(client, Config{}, nil)

	state, err := svc.VerifyConnection(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestService_VerifyConnection_AuthExpiredPropagates(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})
	srv.SetConnected(testE164, true)
	srv.SetUnauthorized(true)

	state, err := svc.VerifyConnection(context.Background(), testPhone)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrAuthExpired))
	assert.Equal(t, StateUnknown, state, "auth failure must not look like pending")

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusUnauthorized, terr.StatusCode)
}

func TestService_VerifyConnection_CallerCancellation(t *testing.T) {
	svc, _ := newTestService(t, provisiontest.Options{Latency: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	state, err := svc.VerifyConnection(ctx, testPhone)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateUnknown, state)
}

func TestService_GetPairingCode(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{CodeAfter: 1})
	srv.AddAgent(testE164)
	ctx := context.Background()

	res, err := svc.GetPairingCode(ctx, testPhone)
	require.NoError(t, err)
	require.True(t, res.IsNotReadyYet(), res.String())
	assert.Equal(t, provisiontest.NotReadyMessage, res.Reason())

	res, err = svc.GetPairingCode(ctx, testPhone)
	require.NoError(t, err)
	require.True(t, res.IsCodeAvailable(), res.String())
	assert.True(t, res.IsInlineImage())

	srv.SetConnected(testE164, true)
	res, err = svc.GetPairingCode(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, res.IsAlreadyConnected())
}

func TestService_GetPairingCode_Formats(t *testing.T) {
	tests := []struct {
		format provisiontest.Format
		check  func(t *testing.T, r qrcode.Result)
	}{
		{provisiontest.FormatJSONURL, func(t *testing.T, r qrcode.Result) {
			assert.True(t, r.IsCodeAvailable())
			assert.False(t, r.IsInlineImage())
		}},
		{provisiontest.FormatHTML, func(t *testing.T, r qrcode.Result) {
			assert.True(t, r.IsCodeAvailable())
			assert.True(t, r.IsInlineImage())
		}},
		{provisiontest.FormatHTMLNoImage, func(t *testing.T, r qrcode.Result) {
			assert.True(t, r.IsError())
			assert.Equal(t, transport.KindUnexpectedFormat, r.ErrorKind())
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			svc, srv := newTestService(t, provisiontest.Options{Format: tt.format})
			srv.AddAgent(testE164)

			res, err := svc.GetPairingCode(context.Background(), testPhone)
			require.NoError(t, err)
			tt.check(t, res)
		})
	}
}

func TestService_GetPairingCode_FailuresAreResults(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantKind  transport.Kind
		retryable bool
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, transport.KindServer, true},
		{"bare 404", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("Not Found"))
		}, transport.KindNotFound, true},
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}, transport.KindClient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := rawService(t, tt.handler)
			res, err := svc.GetPairingCode(context.Background(), testPhone)
			require.NoError(t, err)
			require.True(t, res.IsError())
			assert.Equal(t, tt.wantKind, res.ErrorKind())
			assert.Equal(t, tt.retryable, res.Retryable())
		})
	}
}

func TestService_GetPairingCode_AuthExpired(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})
	srv.SetUnauthorized(true)

	res, err := svc.GetPairingCode(context.Background(), testPhone)
	assert.True(t, transport.IsAuthExpired(err))
	assert.Equal(t, transport.KindAuthExpired, res.ErrorKind())
}

func TestService_SendMessage(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})
	srv.AddAgent(testE164)

	res, err := svc.SendMessage(context.Background(), testPhone, "Olá!", SendOptions{Prompt: "teste"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "enviado", res.Status)
	assert.Equal(t, []string{"Olá!"}, srv.Messages(testE164))
}

func TestService_SendMessage_LimitReachedMakesNoCall(t *testing.T) {
	svc, srv := newTestService(t, provisiontest.Options{})
	srv.AddAgent(testE164)

	_, err := svc.SendMessage(context.Background(), testPhone, "Olá!", SendOptions{LimitReached: true})
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, 0, srv.TotalCalls())

	_, err = svc.SendMessage(context.Background(), testPhone, "   ", SendOptions{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, srv.TotalCalls())
}

func TestService_SendMessage_Failure(t *testing.T) {
	svc, _ := rawService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := svc.SendMessage(context.Background(), testPhone, "Olá", SendOptions{})
	require.Error(t, err)
	assert.True(t, transport.IsRetryable(err))
}
