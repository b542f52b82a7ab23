// Package nodeclient is the HTTP client for the inter-node federation API.
// It signs each call with a short-lived bearer, injects a trace ID, maps
// response statuses onto the shared error taxonomy and supports both unary
// JSON and line-delimited JSON streaming reads.
package nodeclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/nodeauth"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultTokenTTL       = 5 * time.Minute
	maxErrorBodyBytes     = 2048
)

// Config controls client construction.
type Config struct {
	// NodeSlug is the caller's identity, embedded in every signed bearer.
	NodeSlug string
	// RequestTimeout bounds unary calls. Streams are bounded by ctx only.
	RequestTimeout time.Duration
	// TokenTTL is the validity window of each per-call bearer.
	TokenTTL time.Duration
	// VerifySSL disables TLS verification when false (self-hosted peers).
	VerifySSL bool

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Client issues signed requests to federation peers.
type Client struct {
	cfg    Config
	unary  *http.Client
	stream *http.Client
}

// New builds a Client from cfg, applying defaults for zero fields.
func New(cfg Config) (*Client, error) {
	if cfg.NodeSlug == "" {
		return nil, fmt.Errorf("nodeclient: empty node slug")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("nodeclient: configure http2: %w", err)
	}

	return &Client{
		cfg:    cfg,
		unary:  &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		stream: &http.Client{Transport: transport},
	}, nil
}

// NewTraceID returns a fresh 32-character hex trace identifier.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Chat sends a unary chat turn to the target node.
func (c *Client) Chat(ctx context.Context, target Target, req ChatRequest, traceID string) (ChatResponse, error) {
	var out ChatResponse
	err := c.doJSON(ctx, target, http.MethodPost, "/api/ai-engine/chat", req, &out, traceID)
	return out, err
}

// ChatStream opens a streaming chat turn. The returned Stream must be closed.
func (c *Client) ChatStream(ctx context.Context, target Target, req ChatRequest, traceID string) (*Stream, error) {
	const op = "node chat stream"
	body := struct {
		ChatRequest
		Stream bool `json:"stream"`
	}{ChatRequest: req, Stream: true}

	httpReq, err := c.newRequest(ctx, target, http.MethodPost, "/api/ai-engine/chat", body, traceID)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(op, resp)
	}
	return newStream(resp.Body), nil
}

// Search runs a semantic search on the target node.
func (c *Client) Search(ctx context.Context, target Target, req SearchRequest, traceID string) (SearchResponse, error) {
	var out SearchResponse
	err := c.doJSON(ctx, target, http.MethodPost, "/api/ai-engine/search", req, &out, traceID)
	return out, err
}

// Action invokes a registered action on the target node.
func (c *Client) Action(ctx context.Context, target Target, req ActionRequest, traceID string) (ActionResponse, error) {
	var out ActionResponse
	err := c.doJSON(ctx, target, http.MethodPost, "/api/ai-engine/action", req, &out, traceID)
	return out, err
}

// Ping fetches the target's capability snapshot.
func (c *Client) Ping(ctx context.Context, target Target) (model.CapabilitySnapshot, error) {
	var out model.CapabilitySnapshot
	err := c.doJSON(ctx, target, http.MethodGet, "/api/ai-engine/ping", nil, &out, NewTraceID())
	return out, err
}

// Refresh rotates the caller's credentials on the target node. The bearer
// for this call is signed with the refresh token rather than the api key.
func (c *Client) Refresh(ctx context.Context, target Target, refreshToken string) (RefreshResponse, error) {
	signedTarget := target
	signedTarget.APIKey = refreshToken
	var out RefreshResponse
	err := c.doJSON(ctx, signedTarget, http.MethodPost, "/api/ai-engine/token/refresh",
		RefreshRequest{RefreshToken: refreshToken}, &out, NewTraceID())
	return out, err
}

func (c *Client) newRequest(ctx context.Context, target Target, method, path string, body any, traceID string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("nodeclient: marshal body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	url := strings.TrimSuffix(target.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: build request: %w", err)
	}

	bearer, err := nodeauth.Sign(target.APIKey, c.cfg.NodeSlug, c.cfg.TokenTTL, c.cfg.Now())
	if err != nil {
		return nil, fmt.Errorf("nodeclient: sign bearer: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Trace-Id", traceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, target Target, method, path string, body, out any, traceID string) error {
	op := "node " + strings.TrimPrefix(path, "/api/ai-engine/")

	req, err := c.newRequest(ctx, target, method, path, body, traceID)
	if err != nil {
		return err
	}

	resp, err := c.unary.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps a non-200 response onto the error taxonomy. The body is
// drained so the connection can be reused.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Op: op, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &TransientError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &PermanentError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	default:
		log.Printf("[nodeclient] %s: unexpected status %d", op, resp.StatusCode)
		return &TransientError{Op: op, Status: resp.StatusCode}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
