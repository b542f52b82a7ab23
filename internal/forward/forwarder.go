// Package forward executes calls against federation peers: circuit-breaker
// gating, retry with exponential backoff, rate-limit marks and horizontal
// failover across collection owners. Actions never fail over.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nervemesh/nerve/internal/breaker"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/nodeclient"
	"github.com/nervemesh/nerve/internal/registry"
)

// Config is the hot-reloadable forwarding tuning.
type Config struct {
	// MaxRetries is the per-node retry budget for chat and search. Actions
	// always run with zero retries.
	MaxRetries  int
	BackoffBase time.Duration
}

// Forwarder drives inter-node calls.
type Forwarder struct {
	client  *nodeclient.Client
	reg     *registry.Registry
	breaker *breaker.Breaker
	cfg     func() Config

	// rateLimitedUntil holds per-slug unix-ns marks set from Retry-After.
	rateLimitedUntil *xsync.Map[string, int64]

	// OnAuthFailure refreshes credentials for a node after a 401/403.
	// Return nil to retry the call once with fresh secrets.
	OnAuthFailure func(ctx context.Context, e *registry.Entry) error

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Forwarder.
func New(client *nodeclient.Client, reg *registry.Registry, brk *breaker.Breaker, cfg func() Config) *Forwarder {
	return &Forwarder{
		client:           client,
		reg:              reg,
		breaker:          brk,
		cfg:              cfg,
		rateLimitedUntil: xsync.NewMap[string, int64](),
		now:              time.Now,
		sleep:            sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChatResult is a completed forwarded chat turn.
type ChatResult struct {
	Response     string
	Metadata     map[string]any
	NodeSlug     string
	FailoverFrom string
	DurationMs   int64
}

// SearchResult is a completed forwarded search.
type SearchResult struct {
	Results      []nodeclient.SearchResult
	NodeSlug     string
	FailoverFrom string
}

// ActionResult is a completed forwarded action.
type ActionResult struct {
	Status   string
	Data     json.RawMessage
	NodeSlug string
}

// ForwardChat sends a chat turn to the target node, failing over to other
// owners of collection when the target is unavailable.
func (f *Forwarder) ForwardChat(ctx context.Context, slug, message, sessionID string, opts nodeclient.ChatOptions, collection string) (ChatResult, error) {
	req := nodeclient.ChatRequest{Message: message, SessionID: sessionID, Options: opts}
	traceID := nodeclient.NewTraceID()

	var out ChatResult
	servedBy, err := f.withFailover(ctx, slug, collection, true, func(e *registry.Entry, target nodeclient.Target) error {
		started := f.now()
		resp, err := f.client.Chat(ctx, target, req, traceID)
		if err != nil {
			return err
		}
		out.Response = resp.Response
		out.Metadata = resp.Metadata
		out.DurationMs = f.now().Sub(started).Milliseconds()
		return nil
	})
	if err != nil {
		return ChatResult{}, err
	}
	out.NodeSlug = servedBy
	if servedBy != slug {
		out.FailoverFrom = slug
	}
	return out, nil
}

// ForwardSearch runs a search on the target node with failover.
func (f *Forwarder) ForwardSearch(ctx context.Context, slug, query string, collections []string, limit int) (SearchResult, error) {
	req := nodeclient.SearchRequest{Query: query, Collections: collections, Limit: limit}
	traceID := nodeclient.NewTraceID()

	var collection string
	if len(collections) > 0 {
		collection = collections[0]
	}

	var out SearchResult
	servedBy, err := f.withFailover(ctx, slug, collection, true, func(e *registry.Entry, target nodeclient.Target) error {
		resp, err := f.client.Search(ctx, target, req, traceID)
		if err != nil {
			return err
		}
		out.Results = resp.Results
		return nil
	})
	if err != nil {
		return SearchResult{}, err
	}
	out.NodeSlug = servedBy
	if servedBy != slug {
		out.FailoverFrom = slug
	}
	return out, nil
}

// ForwardAction invokes an action on the target node. At-most-once: zero
// retries, never failover.
func (f *Forwarder) ForwardAction(ctx context.Context, slug, actionID string, params json.RawMessage) (ActionResult, error) {
	req := nodeclient.ActionRequest{ActionID: actionID, Params: params}
	traceID := nodeclient.NewTraceID()

	var out ActionResult
	servedBy, err := f.withFailover(ctx, slug, "", false, func(e *registry.Entry, target nodeclient.Target) error {
		resp, err := f.client.Action(ctx, target, req, traceID)
		if err != nil {
			return err
		}
		out.Status = resp.Status
		out.Data = resp.Data
		return nil
	})
	if err != nil {
		return ActionResult{}, err
	}
	out.NodeSlug = servedBy
	return out, nil
}

// withFailover runs call against the primary, then against alternate owners
// of collection when allowed. Returns the slug that served the call.
func (f *Forwarder) withFailover(ctx context.Context, slug, collection string, failover bool, call func(*registry.Entry, nodeclient.Target) error) (string, error) {
	primary, ok := f.reg.Get(slug)
	if !ok {
		return "", &NotRoutableError{Slug: slug, Reason: "unknown node"}
	}

	lastErr := f.callNode(ctx, primary, failover, call)
	if lastErr == nil {
		return slug, nil
	}
	if !failover || !failoverEligible(lastErr) {
		return "", lastErr
	}

	alternates := f.reg.AlternatesFor(collection, slug)
	for _, alt := range alternates {
		log.Printf("[forward] failing over %s -> %s", slug, alt.Slug())
		if err := f.callNode(ctx, alt, failover, call); err != nil {
			lastErr = err
			continue
		}
		return alt.Slug(), nil
	}
	return "", &ExhaustedError{Slug: slug, Tried: len(alternates), LastErr: lastErr}
}

// callNode gates, leases and retries one node.
func (f *Forwarder) callNode(ctx context.Context, e *registry.Entry, retriable bool, call func(*registry.Entry, nodeclient.Target) error) error {
	slug := e.Slug()
	if err := f.gate(e); err != nil {
		return err
	}

	// The gate may have admitted this call as the half-open probe. Every
	// exit below must report an outcome or return the slot, or the circuit
	// would block the node until an admin reset.
	reported := false
	defer func() {
		if !reported {
			f.breaker.ReleaseProbe(slug)
		}
	}()

	e.ActiveConnections.Add(1)
	defer e.ActiveConnections.Add(-1)

	cfg := f.cfg()
	retries := 0
	if retriable {
		retries = cfg.MaxRetries
	}

	authRetried := false
	var lastErr error
	for attempt := 0; ; attempt++ {
		started := f.now()
		err := call(e, f.target(e))
		if err == nil {
			e.RecordResponseTime(float64(f.now().Sub(started).Milliseconds()))
			f.breaker.RecordSuccess(slug)
			reported = true
			return nil
		}
		lastErr = err

		var authErr *nodeclient.AuthError
		if errors.As(err, &authErr) && !authRetried && f.OnAuthFailure != nil {
			authRetried = true
			if refreshErr := f.OnAuthFailure(ctx, e); refreshErr == nil {
				continue
			}
			break
		}

		var rateErr *nodeclient.RateLimitedError
		if errors.As(err, &rateErr) {
			f.markRateLimited(slug, rateErr.RetryAfter)
			if attempt >= retries {
				break
			}
			delay := f.backoff(cfg, attempt)
			if rateErr.RetryAfter > delay {
				delay = rateErr.RetryAfter
			}
			if err := f.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		var transient *nodeclient.TransientError
		if errors.As(err, &transient) {
			if attempt >= retries {
				break
			}
			if err := f.sleep(ctx, f.backoff(cfg, attempt)); err != nil {
				return err
			}
			continue
		}

		// Permanent and validation failures surface immediately.
		return err
	}

	reported = true
	f.breaker.RecordFailure(slug)
	return lastErr
}

// gate rejects calls the node cannot serve right now.
func (f *Forwarder) gate(e *registry.Entry) error {
	slug := e.Slug()
	if e.Status() != model.NodeStatusActive {
		return &NotRoutableError{Slug: slug, Reason: "not active"}
	}
	if until, ok := f.rateLimitedUntil.Load(slug); ok {
		if f.now().UnixNano() < until {
			return &NotRoutableError{Slug: slug, Reason: "rate limited"}
		}
		f.rateLimitedUntil.Delete(slug)
	}
	// IsOpen goes last and is checked exactly once: past the cooldown it
	// admits a single half-open probe, and this call may be that probe.
	if f.breaker.IsOpen(slug) {
		return &BreakerOpenError{Slug: slug}
	}
	return nil
}

func (f *Forwarder) target(e *registry.Entry) nodeclient.Target {
	apiKey, _, _ := e.Secrets()
	return nodeclient.Target{Slug: e.Slug(), BaseURL: e.BaseURL(), APIKey: apiKey}
}

func (f *Forwarder) markRateLimited(slug string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	f.rateLimitedUntil.Store(slug, f.now().Add(retryAfter).UnixNano())
}

// backoff is base × 2^attempt plus up to half-base jitter.
func (f *Forwarder) backoff(cfg Config, attempt int) time.Duration {
	base := cfg.BackoffBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

// failoverEligible reports whether an error should trigger trying an
// alternate node.
func failoverEligible(err error) bool {
	var (
		transient *nodeclient.TransientError
		rateErr   *nodeclient.RateLimitedError
		brkErr    *BreakerOpenError
		gateErr   *NotRoutableError
	)
	return errors.As(err, &transient) ||
		errors.As(err, &rateErr) ||
		errors.As(err, &brkErr) ||
		errors.As(err, &gateErr)
}
