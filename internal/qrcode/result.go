// ABOUTME: Tagged result of a pairing-code query: connected, code, not ready, or error.
// ABOUTME: Values are built only through constructors so exactly one variant is ever active.

package qrcode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/agentlink/internal/transport"
)

// Kind identifies the active variant of a Result.
type Kind int

const (
	KindError Kind = iota
	KindAlreadyConnected
	KindCodeAvailable
	KindNotReadyYet
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyConnected:
		return "already_connected"
	case KindCodeAvailable:
		return "code_available"
	case KindNotReadyYet:
		return "not_ready_yet"
	default:
		return "error"
	}
}

// ErrNotInlineImage is returned by DecodeImage for external image references.
var ErrNotInlineImage = errors.New("pairing code is not an inline image")

// Result is the normalized outcome of a pairing-code query.
type Result struct {
	kind    Kind
	image   string
	reason  string
	errKind transport.Kind
	errMsg  string
}

// AlreadyConnected builds the "agent already paired" variant.
func AlreadyConnected() Result {
	return Result{kind: KindAlreadyConnected}
}

// CodeAvailable builds the "code ready" variant. image is kept verbatim:
// a data URI, bare base64, or an external URL.
func CodeAvailable(image string) Result {
	return Result{kind: KindCodeAvailable, image: image}
}

// NotReadyYet builds the "try again later" variant.
func NotReadyYet(reason string) Result {
	return Result{kind: KindNotReadyYet, reason: reason}
}

// Failed builds the error variant.
func Failed(kind transport.Kind, message string) Result {
	return Result{kind: KindError, errKind: kind, errMsg: message}
}

// FromError converts a classified transport failure into the error variant.
func FromError(err error) Result {
	kind := transport.KindOf(err)
	if kind == "" {
		kind = transport.KindNetwork
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Failed(kind, msg)
}

func (r Result) Kind() Kind { return r.kind }

func (r Result) IsAlreadyConnected() bool { return r.kind == KindAlreadyConnected }

func (r Result) IsCodeAvailable() bool { return r.kind == KindCodeAvailable }

func (r Result) IsNotReadyYet() bool { return r.kind == KindNotReadyYet }

func (r Result) IsError() bool { return r.kind == KindError }

// Image returns the code payload, or "" unless the code is available.
func (r Result) Image() string { return r.image }

// Reason returns the backend's not-ready message.
func (r Result) Reason() string { return r.reason }

// ErrorKind returns the failure classification of the error variant.
func (r Result) ErrorKind() transport.Kind { return r.errKind }

// ErrorMessage returns the failure description of the error variant.
func (r Result) ErrorMessage() string { return r.errMsg }

// Retryable reports whether polling again may produce a different outcome.
func (r Result) Retryable() bool {
	switch r.kind {
	case KindNotReadyYet:
		return true
	case KindError:
		return (&transport.Error{Kind: r.errKind}).Retryable()
	default:
		return false
	}
}

// IsInlineImage reports whether the payload embeds the image bytes rather
// than referencing them.
func (r Result) IsInlineImage() bool {
	if r.kind != KindCodeAvailable {
		return false
	}
	if strings.HasPrefix(r.image, "data:") {
		return true
	}
	return !strings.Contains(r.image, "://") && looksBase64(r.image)
}

// DecodeImage returns the raw image bytes and media type of an inline code.
func (r Result) DecodeImage() ([]byte, string, error) {
	if !r.IsInlineImage() {
		return nil, "", ErrNotInlineImage
	}

	payload := r.image
	mediaType := "image/png"
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data URI")
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("data URI is not base64 encoded")
		}
		if mt := strings.TrimSuffix(meta, ";base64"); mt != "" {
			mediaType = mt
		}
		payload = data
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return data, mediaType, nil
}

func (r Result) String() string {
	switch r.kind {
	case KindAlreadyConnected:
		return "already connected"
	case KindCodeAvailable:
		return "code available"
	case KindNotReadyYet:
		return "not ready: " + r.reason
	default:
		return fmt.Sprintf("error (%s): %s", r.errKind, r.errMsg)
	}
}

func looksBase64(s string) bool {
	if len(s) < 16 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=', c == '\n', c == '\r':
		default:
			return false
		}
	}
	return true
}
