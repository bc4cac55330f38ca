// ABOUTME: Bearer token source for the hosted backend session.
// ABOUTME: Reads the token from config, env, or file and detects expiry from its exp claim.

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/agentlink/internal/transport"
)

// EnvToken is the environment variable consulted when no token is configured.
const EnvToken = "AGENTLINK_TOKEN"

// ErrNoToken is returned when no token could be found anywhere.
var ErrNoToken = errors.New("no session token configured")

// Source resolves the current session token. It is safe for concurrent use.
// The token is re-read from its file on every call so a renewed session is
// picked up without a restart.
type Source struct {
	mu       sync.RWMutex
	static   string
	file     string
	optional bool
	now      func() time.Time
	skew     time.Duration
}

// Options configures a Source.
type Options struct {
	Token     string // literal token; wins over File and the environment
	TokenFile string
	// Optional allows requests without a token (backends without auth).
	Optional bool
	// Skew treats tokens expiring within this window as already expired.
	Skew time.Duration
}

// New creates a Source.
func New(opts Options) *Source {
	token := strings.TrimSpace(opts.Token)
	if token == "" && opts.TokenFile == "" {
		token = strings.TrimSpace(os.Getenv(EnvToken))
	}
	return &Source{
		static:   token,
		file:     opts.TokenFile,
		optional: opts.Optional,
		now:      time.Now,
		skew:     opts.Skew,
	}
}

// Set replaces the token, e.g. after the user re-authenticates.
func (s *Source) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = strings.TrimSpace(token)
}

// Token returns the bearer token. An expired JWT yields an error wrapping
// transport.ErrAuthExpired so the call is refused before the network.
// Opaque (non-JWT) tokens are passed through; the backend decides.
func (s *Source) Token(_ context.Context) (string, error) {
	token, err := s.lookup()
	if err != nil {
		return "", err
	}
	if token == "" {
		if s.optional {
			return "", nil
		}
		return "", fmt.Errorf("%w: %w", transport.ErrAuthExpired, ErrNoToken)
	}

	exp, ok := ExpiresAt(token)
	if ok && !s.now().Add(s.skew).Before(exp) {
		return "", fmt.Errorf("%w: token expired at %s", transport.ErrAuthExpired, exp.Format(time.RFC3339))
	}
	return token, nil
}

func (s *Source) lookup() (string, error) {
	s.mu.RLock()
	token, file := s.static, s.file
	s.mu.RUnlock()

	if token != "" || file == "" {
		return token, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature.
// The signing key belongs to the hosted backend; this only lets the client
// avoid requests that are certain to be rejected.
func ExpiresAt(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
