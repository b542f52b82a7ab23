package service

import (
	"cmp"
	"context"
	"errors"
	"io"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nervemesh/nerve/internal/forward"
	"github.com/nervemesh/nerve/internal/metrics"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/nodeclient"
	"github.com/nervemesh/nerve/internal/rag"
	"github.com/nervemesh/nerve/internal/routing"
)

// ------------------------------------------------------------------
// Chat pipeline
// ------------------------------------------------------------------

const localChatSystem = "You are a helpful assistant on a federated AI node. " +
	"Answer using the provided context information when it is relevant; " +
	"otherwise answer from general knowledge and say so."

// ChatTurnRequest is one inbound chat turn.
type ChatTurnRequest struct {
	SessionID string
	UserID    string
	Message   string
}

// ChatTurnResult is a completed turn with routing metadata.
type ChatTurnResult struct {
	SessionID    string `json:"session_id"`
	Response     string `json:"response"`
	NodeSlug     string `json:"node_slug,omitempty"`
	FailoverFrom string `json:"failover_from,omitempty"`
	Local        bool   `json:"local"`
	Annotation   string `json:"annotation,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// turnPlan is the per-turn routing outcome shared by the unary and streaming
// paths: the session under its lock plus the resolved target.
type turnPlan struct {
	session  routing.SessionState
	decision routing.Decision
	// collections the target node owns, for forwarding options and failover.
	collections []string
}

// planTurn loads (or creates) the session state and asks the routing policy
// where this turn belongs. Caller must hold the session lock.
func (s *ControlPlaneService) planTurn(ctx context.Context, req ChatTurnRequest) (turnPlan, error) {
	plan := turnPlan{}

	st, ok, err := s.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return plan, internal("load session", err)
	}
	if !ok {
		st = routing.SessionState{SessionID: req.SessionID, UserID: req.UserID}
	}
	plan.session = st

	cfg := s.RuntimeCfg.Load()
	if !cfg.Nodes.Enabled {
		plan.decision = routing.Decision{Action: routing.ActionLocal}
		return plan, nil
	}

	plan.decision = s.Policy.Decide(ctx, req.Message, st)
	if plan.decision.Action == routing.ActionLocal {
		return plan, nil
	}

	e, ok := s.Registry.Get(plan.decision.NodeSlug)
	if !ok {
		// Node vanished between verdict and lookup.
		plan.decision = routing.Decision{Action: routing.ActionLocal}
		return plan, nil
	}
	for _, c := range e.Collections() {
		plan.collections = append(plan.collections, c.Class)
	}
	return plan, nil
}

// failoverCollection keys the alternate-owner lookup during forwarding.
func (p turnPlan) failoverCollection() string {
	if len(p.collections) == 0 {
		return ""
	}
	return p.collections[0]
}

// saveTurn appends the exchange and persists the session. Caller must hold
// the session lock.
func (s *ControlPlaneService) saveTurn(ctx context.Context, st routing.SessionState, userMsg, reply, routedSlug string) {
	if routedSlug != "" {
		st.LastRoutedNodeSlug = routedSlug
	}
	st.Append("user", userMsg)
	st.Append("assistant", reply)
	if err := s.Sessions.Put(ctx, st); err != nil {
		log.Printf("[chat] persist session %s failed: %v", st.SessionID, err)
	}
}

func (s *ControlPlaneService) logChatOutcome(slug string, durationMs int64, failedOver bool, err error) {
	if s.Collector != nil {
		s.Collector.OnRequest(metrics.RequestEvent{
			NodeSlug:   slug,
			Type:       model.RequestTypeChat,
			Success:    err == nil,
			DurationMs: durationMs,
			FailedOver: failedOver,
		})
	}
	if s.RequestLog == nil || !s.RuntimeCfg.Load().RequestLogEnabled {
		return
	}
	statusCode := 200
	if err != nil {
		statusCode = 0
	}
	s.RequestLog.EmitOutcome(slug, model.RequestTypeChat, "", statusCode, durationMs, err)
}

// mapForwardError converts forwarding failures into API-mappable codes.
func mapForwardError(err error) *ServiceError {
	var exhausted *forward.ExhaustedError
	var notRoutable *forward.NotRoutableError
	var breakerOpen *forward.BreakerOpenError
	var permanent *nodeclient.PermanentError
	switch {
	case errors.As(err, &permanent):
		return &ServiceError{Code: "UPSTREAM", Message: err.Error(), Err: err}
	case errors.As(err, &exhausted), errors.As(err, &notRoutable), errors.As(err, &breakerOpen):
		return &ServiceError{Code: "UNAVAILABLE", Message: err.Error(), Err: err}
	default:
		return &ServiceError{Code: "UNAVAILABLE", Message: err.Error(), Err: err}
	}
}

// ChatTurn runs one full turn of the master pipeline: serialize by session,
// decide, then forward to the chosen node or answer locally via RAG.
func (s *ControlPlaneService) ChatTurn(ctx context.Context, req ChatTurnRequest) (*ChatTurnResult, error) {
	if req.Message == "" {
		return nil, invalidArg("message: is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	unlock := s.Locker.Lock(req.SessionID)
	defer unlock()

	plan, err := s.planTurn(ctx, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	if plan.decision.Action != routing.ActionLocal {
		opts := nodeclient.ChatOptions{UserID: req.UserID, Collections: plan.collections}
		res, err := s.Forwarder.ForwardChat(ctx, plan.decision.NodeSlug, req.Message, req.SessionID, opts, plan.failoverCollection())
		s.logChatOutcome(plan.decision.NodeSlug, time.Since(started).Milliseconds(), err == nil && res.FailoverFrom != "", err)
		if err != nil {
			return nil, mapForwardError(err)
		}
		s.saveTurn(ctx, plan.session, req.Message, res.Response, res.NodeSlug)
		return &ChatTurnResult{
			SessionID:    req.SessionID,
			Response:     res.Response,
			NodeSlug:     res.NodeSlug,
			FailoverFrom: res.FailoverFrom,
			DurationMs:   time.Since(started).Milliseconds(),
		}, nil
	}

	collection, class := s.localCollection()
	res, err := s.Retriever.Chat(ctx, localChatSystem, req.Message, collection, class, req.UserID, rag.Options{})
	if err != nil {
		return nil, internal("local chat failed", err)
	}
	s.saveTurn(ctx, plan.session, req.Message, res.Response, "")
	return &ChatTurnResult{
		SessionID:  req.SessionID,
		Response:   res.Response,
		Local:      true,
		Annotation: res.Annotation,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

// TurnStream is a streaming chat turn. Metadata fields are valid once the
// stream is open; the full response is buffered so the session history can
// be appended after the final token.
type TurnStream struct {
	SessionID    string
	NodeSlug     string
	FailoverFrom string
	Local        bool
	Annotation   string

	next    func() (string, error)
	closeFn func() error
	finish  func(full string)
	buf     []byte
	done    bool
}

// Next yields the next token; io.EOF marks a completed turn and commits the
// session history exactly once.
func (t *TurnStream) Next() (string, error) {
	tok, err := t.next()
	if err != nil {
		if err == io.EOF && !t.done {
			t.done = true
			if t.finish != nil {
				t.finish(string(t.buf))
			}
		}
		return "", err
	}
	t.buf = append(t.buf, tok...)
	return tok, nil
}

// Close cancels the upstream read. Abandoned turns are not appended to the
// session history.
func (t *TurnStream) Close() error {
	if t.closeFn != nil {
		return t.closeFn()
	}
	return nil
}

// ChatTurnStream is the streaming variant of ChatTurn. The session lock is
// held only while the turn is planned and the stream opened; the history
// commit re-acquires it when the stream completes.
func (s *ControlPlaneService) ChatTurnStream(ctx context.Context, req ChatTurnRequest) (*TurnStream, error) {
	if req.Message == "" {
		return nil, invalidArg("message: is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	unlock := s.Locker.Lock(req.SessionID)
	defer unlock()

	plan, err := s.planTurn(ctx, req)
	if err != nil {
		return nil, err
	}

	finish := func(routedSlug string) func(string) {
		return func(full string) {
			relock := s.Locker.Lock(req.SessionID)
			defer relock()
			// Reload: another turn may have run while this one streamed.
			st, ok, err := s.Sessions.Get(context.Background(), req.SessionID)
			if err != nil || !ok {
				st = plan.session
			}
			s.saveTurn(context.Background(), st, req.Message, full, routedSlug)
		}
	}

	if plan.decision.Action != routing.ActionLocal {
		started := time.Now()
		opts := nodeclient.ChatOptions{UserID: req.UserID, Collections: plan.collections}
		fs, err := s.Forwarder.ForwardChatStream(ctx, plan.decision.NodeSlug, req.Message, req.SessionID, opts, plan.failoverCollection())
		s.logChatOutcome(plan.decision.NodeSlug, time.Since(started).Milliseconds(), err == nil && fs.FailoverFrom != "", err)
		if err != nil {
			return nil, mapForwardError(err)
		}
		return &TurnStream{
			SessionID:    req.SessionID,
			NodeSlug:     fs.NodeSlug,
			FailoverFrom: fs.FailoverFrom,
			next: func() (string, error) {
				chunk, err := fs.Recv()
				if err != nil {
					return "", err
				}
				return chunk.Response, nil
			},
			closeFn: fs.Close,
			finish:  finish(fs.NodeSlug),
		}, nil
	}

	collection, class := s.localCollection()
	rs, err := s.Retriever.StreamChat(ctx, localChatSystem, req.Message, collection, class, req.UserID, rag.Options{})
	if err != nil {
		return nil, internal("local chat failed", err)
	}
	out := &TurnStream{
		SessionID: req.SessionID,
		Local:     true,
		next:      rs.Next,
		closeFn:   rs.Close,
		finish:    finish(""),
	}
	if rs.NoContext() {
		out.Annotation = rag.NoContextAnnotation
	}
	return out, nil
}

// ------------------------------------------------------------------
// Served ai-engine surface (peers calling this node)
// ------------------------------------------------------------------

// localCollection resolves the default local collection name and class from
// the manifest.
func (s *ControlPlaneService) localCollection() (name, class string) {
	if s.LocalNode == nil || len(s.LocalNode.Collections) == 0 {
		return "", ""
	}
	c := s.LocalNode.Collections[0]
	return c.Name, c.Class
}

// resolveCollection maps a requested class (or name) onto a manifest
// collection.
func (s *ControlPlaneService) resolveCollection(requested string) (name, class string, ok bool) {
	if s.LocalNode == nil {
		return "", "", false
	}
	for _, c := range s.LocalNode.Collections {
		if c.Class == requested || c.Name == requested {
			return c.Name, c.Class, true
		}
	}
	return "", "", false
}

// LocalChat answers a peer-forwarded chat turn with local RAG.
func (s *ControlPlaneService) LocalChat(ctx context.Context, message, userID string, collections []string) (rag.ChatResult, error) {
	if message == "" {
		return rag.ChatResult{}, invalidArg("message: is required")
	}
	name, class := s.pickCollection(collections)
	res, err := s.Retriever.Chat(ctx, localChatSystem, message, name, class, userID, rag.Options{})
	if err != nil {
		return rag.ChatResult{}, internal("local chat failed", err)
	}
	return res, nil
}

// LocalChatStream is the streaming variant of LocalChat.
func (s *ControlPlaneService) LocalChatStream(ctx context.Context, message, userID string, collections []string) (*rag.ChatStream, error) {
	if message == "" {
		return nil, invalidArg("message: is required")
	}
	name, class := s.pickCollection(collections)
	rs, err := s.Retriever.StreamChat(ctx, localChatSystem, message, name, class, userID, rag.Options{})
	if err != nil {
		return nil, internal("local chat failed", err)
	}
	return rs, nil
}

func (s *ControlPlaneService) pickCollection(collections []string) (name, class string) {
	for _, requested := range collections {
		if n, c, ok := s.resolveCollection(requested); ok {
			return n, c
		}
	}
	return s.localCollection()
}

// SearchHit is one local semantic search result.
type SearchHit struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LocalSearch runs a semantic search over the requested local collections.
// Unknown collection classes are skipped; a single failing collection does
// not fail the whole search.
func (s *ControlPlaneService) LocalSearch(ctx context.Context, query string, collections []string, limit int, filters map[string]any) ([]SearchHit, error) {
	if query == "" {
		return nil, invalidArg("query: is required")
	}
	if limit <= 0 {
		limit = s.RuntimeCfg.Load().RAG.MaxContextItems
	}

	targets := make([][2]string, 0, len(collections))
	if len(collections) == 0 {
		if name, class := s.localCollection(); name != "" {
			targets = append(targets, [2]string{name, class})
		}
	}
	for _, requested := range collections {
		if name, class, ok := s.resolveCollection(requested); ok {
			targets = append(targets, [2]string{name, class})
		}
	}
	if len(targets) == 0 {
		return []SearchHit{}, nil
	}

	hits := []SearchHit{}
	for _, t := range targets {
		sources, err := s.Retriever.Retrieve(ctx, query, t[0], t[1], "", rag.Options{
			Limit:          limit,
			Filters:        filters,
			SkipUserFilter: true,
		})
		if err != nil {
			log.Printf("[search] collection %s failed: %v", t[0], err)
			continue
		}
		for _, src := range sources {
			hits = append(hits, SearchHit{
				ID:       src.ID,
				Content:  src.Content,
				Score:    src.Score,
				Metadata: src.Metadata,
			})
		}
	}
	sortHitsByScore(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func sortHitsByScore(hits []SearchHit) {
	slices.SortStableFunc(hits, func(a, b SearchHit) int {
		return cmp.Compare(b.Score, a.Score)
	})
}

// LocalSnapshot is the capability snapshot served by the ping endpoint.
func (s *ControlPlaneService) LocalSnapshot() model.CapabilitySnapshot {
	if s.LocalNode == nil {
		return model.CapabilitySnapshot{}
	}
	return *s.LocalNode
}
