// ABOUTME: HTTP client for the agent provisioning backend with bounded timeouts.
// ABOUTME: Translates transport outcomes and status codes into the closed error taxonomy.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds normal operations.
	DefaultTimeout = 30 * time.Second

	// ProbeTimeout bounds liveness checks.
	ProbeTimeout = 10 * time.Second

	// maxResponseSize limits response body reads.
	maxResponseSize = 10 * 1024 * 1024
)

// TokenSource supplies the bearer token attached to every request.
// Returning an error wrapping ErrAuthExpired aborts the call before the network.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Request describes one call to the backend.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any // marshaled as JSON when non-nil

	// Timeout overrides the client default for this call.
	Timeout time.Duration

	// PassStatus lists non-2xx status codes returned as a Response instead of
	// an Error, so the caller can inspect the body. 401 is never passed.
	PassStatus []int
}

// Response is a raw backend response.
type Response struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

// MediaType returns the lowercased media type without parameters.
func (r *Response) MediaType() string {
	if r == nil || r.ContentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(r.ContentType, ";")[0]))
	}
	return mt
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	Tokens            TokenSource
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables client-side rate limiting
	Logger            *slog.Logger
}

// Client issues requests against a single backend base URL.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client. A nil HTTPClient gets a fresh http.Client without its
// own timeout; per-request contexts bound every call instead.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		http:    httpClient,
		tokens:  opts.Tokens,
		timeout: timeout,
		logger:  logger.With("component", "transport"),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do performs req. On success the response status is 2xx or listed in
// req.PassStatus. Cancellation of ctx by the caller is returned as ctx.Err(),
// not as a classified failure.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Wait fails early when the next slot lies past the deadline.
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
	}

	httpReq, err := c.newHTTPRequest(callCtx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportErr(ctx, callCtx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, c.classifyTransportErr(ctx, callCtx, err)
	}

	c.logger.Debug("backend request",
		"method", httpReq.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if int64(len(body)) > maxResponseSize {
		return nil, &Error{
			Kind:       KindUnexpectedFormat,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response exceeds %d bytes", maxResponseSize),
		}
	}

	raw := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
		Body:        body,
	}
	if err := classifyStatus(raw, req.PassStatus); err != nil {
		return nil, err
	}
	return raw, nil
}

// DoJSON performs req and decodes a 2xx JSON body into out. Responses let
// through by PassStatus are returned undecoded along with a nil error.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if out == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 || len(bytes.TrimSpace(resp.Body)) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return resp, &Error{
			Kind:       KindUnexpectedFormat,
			StatusCode: resp.StatusCode,
			Message:    "decoding response",
			Err:        err,
		}
	}
	return resp, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.5")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthExpired) {
				return nil, &Error{Kind: KindAuthExpired, Err: err}
			}
			return nil, fmt.Errorf("resolving session token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return httpReq, nil
}

// classifyTransportErr maps a failure with no usable response. A cancelled
// parent context is passed through unchanged.
func (c *Client) classifyTransportErr(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

// classifyStatus maps a response status to an error, or nil if the response
// should be handed to the caller.
func classifyStatus(resp *Response, pass []int) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusUnauthorized:
		return &Error{Kind: KindAuthExpired, StatusCode: code, Message: errorMessage(resp)}
	case code >= 200 && code < 300:
		return nil
	case slices.Contains(pass, code):
		return nil
	case code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, StatusCode: code, Message: errorMessage(resp)}
	case code >= 500:
		return &Error{Kind: KindServer, StatusCode: code, Message: errorMessage(resp)}
	default:
		return &Error{Kind: KindClient, StatusCode: code, Message: errorMessage(resp)}
	}
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(resp *Response) string {
	if strings.Contains(resp.MediaType(), "json") {
		var body struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(resp.Body, &body) == nil {
			if body.Message != "" {
				return body.Message
			}
			if body.Error != "" {
				return body.Error
			}
		}
	}
	text := strings.TrimSpace(string(resp.Body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
