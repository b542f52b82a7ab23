package routing

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/nervemesh/nerve/internal/digest"
	"github.com/nervemesh/nerve/internal/engine"
	"github.com/nervemesh/nerve/internal/registry"
)

// Action is the per-turn routing verdict.
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionReRoute  Action = "RE_ROUTE"
	ActionLocal    Action = "LOCAL"
)

// Decision is the routing policy output. NodeSlug is set for CONTINUE and
// RE_ROUTE.
type Decision struct {
	Action   Action
	NodeSlug string
}

// Config is the hot-reloadable policy tuning.
type Config struct {
	OrchestrationModel string
	HistoryWindow      int
	// LocalMeta feeds the LOCAL NODE block of the digest.
	LocalMeta map[string]string
}

// Policy makes per-turn routing decisions. A router outage never surfaces:
// engine failures collapse into the safest verdict.
type Policy struct {
	engines *engine.Manager
	reg     *registry.Registry
	digests *digest.Builder
	cfg     func() Config
}

// NewPolicy wires the policy over the engine manager, node pool and digest
// builder.
func NewPolicy(engines *engine.Manager, reg *registry.Registry, digests *digest.Builder, cfg func() Config) *Policy {
	return &Policy{engines: engines, reg: reg, digests: digests, cfg: cfg}
}

const routerSystemPrompt = `You are a request router for a federation of specialized AI nodes.
Decide where the new user message should be handled.

Reply with exactly one of:
CONTINUE        - the message belongs to the node already handling this session
RE_ROUTE:<slug> - the message belongs to a different node; use its slug
LOCAL           - no remote node fits; handle it on this node

Nodes:
%s`

// Decide returns the routing verdict for one turn.
func (p *Policy) Decide(ctx context.Context, message string, session SessionState) Decision {
	// With no active node to route to, every turn is local. This also covers
	// a pinned session whose node dropped out of the pool.
	if len(p.reg.ActiveNodes()) == 0 {
		return Decision{Action: ActionLocal}
	}

	// Fast path: short follow-ups stay pinned without an engine call.
	if session.LastRoutedNodeSlug != "" && IsFollowUp(message) {
		return p.post(ActionContinue, "", session)
	}

	cfg := p.cfg()
	verdict, err := p.askEngine(ctx, message, session, cfg)
	if err != nil {
		// Safer than losing context: a wrong CONTINUE is recoverable on the
		// next turn, a dropped session is not.
		log.Printf("[routing] engine verdict failed, defaulting to CONTINUE: %v", err)
		return p.post(ActionContinue, "", session)
	}
	return p.applyVerdict(verdict, session)
}

func (p *Policy) askEngine(ctx context.Context, message string, session SessionState, cfg Config) (string, error) {
	e, err := p.engines.Resolve(cfg.OrchestrationModel)
	if err != nil {
		return "", err
	}

	messages := []engine.Message{
		{Role: "system", Content: fmt.Sprintf(routerSystemPrompt, p.digests.FullDigest(cfg.LocalMeta))},
	}
	for _, turn := range session.RecentTurns(cfg.HistoryWindow) {
		messages = append(messages, engine.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, engine.Message{Role: "user", Content: message})

	result, err := e.Chat(ctx, messages, engine.Options{Model: cfg.OrchestrationModel})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// applyVerdict normalizes the raw engine output and validates slugs.
func (p *Policy) applyVerdict(raw string, session SessionState) Decision {
	verdict := strings.ToUpper(strings.TrimSpace(firstLine(raw)))

	switch {
	case verdict == "CONTINUE" || verdict == "RELATED":
		return p.post(ActionContinue, "", session)
	case verdict == "LOCAL" || verdict == "DIFFERENT":
		return Decision{Action: ActionLocal}
	case strings.HasPrefix(verdict, "RE_ROUTE:"):
		slug := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(verdict, "RE_ROUTE:")))
		return p.post(ActionReRoute, slug, session)
	default:
		log.Printf("[routing] unparseable verdict %q, defaulting to CONTINUE", verdict)
		return p.post(ActionContinue, "", session)
	}
}

// post resolves the target slug for an action and downgrades to LOCAL when
// the node is gone or cannot take traffic.
func (p *Policy) post(action Action, slug string, session SessionState) Decision {
	switch action {
	case ActionContinue:
		slug = session.LastRoutedNodeSlug
	case ActionReRoute:
	default:
		return Decision{Action: ActionLocal}
	}
	if slug == "" {
		return Decision{Action: ActionLocal}
	}
	e, ok := p.reg.Get(slug)
	if !ok || !p.reg.Routable(e) {
		log.Printf("[routing] verdict targets unroutable node %s, downgrading to LOCAL", slug)
		return Decision{Action: ActionLocal}
	}
	return Decision{Action: action, NodeSlug: slug}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
