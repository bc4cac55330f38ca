// ABOUTME: Closed error taxonomy for calls to the provisioning backend.
// ABOUTME: Every transport failure is a *Error whose Kind maps to a sentinel usable with errors.Is.

package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindNetwork          Kind = "network_error"
	KindAuthExpired      Kind = "auth_expired"
	KindNotFound         Kind = "not_found"
	KindServer           Kind = "server_error"
	KindUnexpectedFormat Kind = "unexpected_format"
	KindClient           Kind = "client_error"
)

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrTimeout          = errors.New("request timed out")
	ErrNetwork          = errors.New("network error")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrNotFound         = errors.New("not found")
	ErrServer           = errors.New("server error")
	ErrUnexpectedFormat = errors.New("unexpected response format")
	ErrClient           = errors.New("request rejected")
)

var sentinels = map[Kind]error{
	KindTimeout:          ErrTimeout,
	KindNetwork:          ErrNetwork,
	KindAuthExpired:      ErrAuthExpired,
	KindNotFound:         ErrNotFound,
	KindServer:           ErrServer,
	KindUnexpectedFormat: ErrUnexpectedFormat,
	KindClient:           ErrClient,
}

// Error is a classified failure of a single request.
type Error struct {
	Kind       Kind
	StatusCode int    // 0 when no response was received
	Message    string // server-provided message, if any
	Err        error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindServer, KindNotFound:
		return true
	default:
		return false
	}
}

// KindOf returns the Kind of err, or "" if err is not a transport failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return ""
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindServer, KindNotFound:
		return true
	}
	return false
}

// IsAuthExpired reports whether err means the session must be renewed.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
