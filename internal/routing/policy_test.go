package routing

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nervemesh/nerve/internal/digest"
	"github.com/nervemesh/nerve/internal/engine"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/registry"
)

// verdictEngine replies with a fixed routing verdict and counts calls.
type verdictEngine struct {
	verdict string
	err     error
	calls   atomic.Int32
}

func (v *verdictEngine) Name() string { return "router" }

func (v *verdictEngine) Chat(_ context.Context, _ []engine.Message, _ engine.Options) (engine.Result, error) {
	v.calls.Add(1)
	if v.err != nil {
		return engine.Result{}, v.err
	}
	return engine.Result{Content: v.verdict}, nil
}

func policyNode(slug string) model.Node {
	collections, _ := json.Marshal([]model.Collection{{Name: slug + "-data", Class: "Item"}})
	return model.Node{
		Slug:            slug,
		Name:            slug,
		Type:            model.NodeTypeChild,
		Status:          model.NodeStatusActive,
		BaseURL:         "https://" + slug + ".local",
		APIKey:          "key-" + slug,
		RefreshToken:    "refresh-" + slug,
		CollectionsJSON: string(collections),
	}
}

func newTestPolicy(t *testing.T, eng *verdictEngine, slugs ...string) *Policy {
	t.Helper()
	nodes := make([]model.Node, len(slugs))
	for i, slug := range slugs {
		nodes[i] = policyNode(slug)
	}
	return newTestPolicyNodes(t, eng, nodes...)
}

func newTestPolicyNodes(t *testing.T, eng *verdictEngine, nodes ...model.Node) *Policy {
	t.Helper()
	reg := registry.New(registry.Config{})
	if err := reg.Load(nodes, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	digests, err := digest.New(reg, func() digest.Config {
		return digest.Config{Mode: digest.ModeTemplate, CacheTTL: time.Minute}
	})
	if err != nil {
		t.Fatalf("digest.New: %v", err)
	}
	t.Cleanup(digests.Close)

	engines := engine.NewManager()
	engines.Register(eng)

	return NewPolicy(engines, reg, digests, func() Config {
		return Config{OrchestrationModel: "router-model", HistoryWindow: 3}
	})
}

func TestDecideFollowUpFastPath(t *testing.T) {
	eng := &verdictEngine{verdict: "LOCAL"}
	p := newTestPolicy(t, eng, "invoicing-node")
	session := SessionState{SessionID: "s", LastRoutedNodeSlug: "invoicing-node"}

	d := p.Decide(context.Background(), "1", session)
	if d.Action != ActionContinue || d.NodeSlug != "invoicing-node" {
		t.Errorf("decision = %+v, want CONTINUE invoicing-node", d)
	}
	if eng.calls.Load() != 0 {
		t.Errorf("engine calls = %d, want 0 on fast path", eng.calls.Load())
	}
}

func TestDecideReRoute(t *testing.T) {
	eng := &verdictEngine{verdict: "RE_ROUTE:email-node"}
	p := newTestPolicy(t, eng, "invoicing-node", "email-node")
	session := SessionState{SessionID: "s", LastRoutedNodeSlug: "invoicing-node"}

	d := p.Decide(context.Background(), "list my emails", session)
	if d.Action != ActionReRoute || d.NodeSlug != "email-node" {
		t.Errorf("decision = %+v, want RE_ROUTE email-node", d)
	}
}

func TestDecideReRouteUnknownSlugDowngrades(t *testing.T) {
	eng := &verdictEngine{verdict: "RE_ROUTE:ghost-node"}
	p := newTestPolicy(t, eng, "invoicing-node")

	d := p.Decide(context.Background(), "do something", SessionState{})
	if d.Action != ActionLocal || d.NodeSlug != "" {
		t.Errorf("decision = %+v, want LOCAL", d)
	}
}

func TestDecideContinueValidatesNode(t *testing.T) {
	eng := &verdictEngine{verdict: "CONTINUE"}
	p := newTestPolicy(t, eng, "invoicing-node")

	// Pinned node exists.
	d := p.Decide(context.Background(), "tell me about it", SessionState{LastRoutedNodeSlug: "invoicing-node"})
	if d.Action != ActionContinue || d.NodeSlug != "invoicing-node" {
		t.Errorf("decision = %+v", d)
	}

	// Pinned node vanished: downgrade.
	d = p.Decide(context.Background(), "tell me about it", SessionState{LastRoutedNodeSlug: "gone-node"})
	if d.Action != ActionLocal {
		t.Errorf("decision with vanished node = %+v, want LOCAL", d)
	}

	// No pin at all: CONTINUE collapses to LOCAL.
	d = p.Decide(context.Background(), "tell me about it", SessionState{})
	if d.Action != ActionLocal {
		t.Errorf("decision with no pin = %+v, want LOCAL", d)
	}
}

func TestDecideEmptyActivePoolIsLocal(t *testing.T) {
	eng := &verdictEngine{verdict: "CONTINUE"}
	node := policyNode("billing-node")
	node.Status = model.NodeStatusInactive
	p := newTestPolicyNodes(t, eng, node)

	// Pinned session, node present but inactive: the turn must be answered
	// locally, not handed to the forwarder to gate out.
	session := SessionState{SessionID: "s", LastRoutedNodeSlug: "billing-node"}

	d := p.Decide(context.Background(), "1", session) // follow-up fast path
	if d.Action != ActionLocal || d.NodeSlug != "" {
		t.Errorf("follow-up decision = %+v, want LOCAL", d)
	}

	d = p.Decide(context.Background(), "what about the other invoices?", session)
	if d.Action != ActionLocal {
		t.Errorf("decision = %+v, want LOCAL", d)
	}
	if eng.calls.Load() != 0 {
		t.Errorf("engine calls = %d, want 0 with nothing to route to", eng.calls.Load())
	}
}

func TestDecideContinueUnroutableNodeDowngrades(t *testing.T) {
	eng := &verdictEngine{verdict: "CONTINUE"}
	pinned := policyNode("billing-node")
	pinned.Status = model.NodeStatusError
	p := newTestPolicyNodes(t, eng, pinned, policyNode("email-node"))

	// The pool is not empty, but the pinned node cannot take traffic.
	d := p.Decide(context.Background(), "show me all overdue invoices", SessionState{LastRoutedNodeSlug: "billing-node"})
	if d.Action != ActionLocal {
		t.Errorf("decision = %+v, want LOCAL for an unroutable pin", d)
	}
}

func TestDecideLegacyAliases(t *testing.T) {
	eng := &verdictEngine{verdict: "RELATED"}
	p := newTestPolicy(t, eng, "invoicing-node")
	d := p.Decide(context.Background(), "and the totals?", SessionState{LastRoutedNodeSlug: "invoicing-node"})
	if d.Action != ActionContinue || d.NodeSlug != "invoicing-node" {
		t.Errorf("RELATED = %+v, want CONTINUE", d)
	}

	eng = &verdictEngine{verdict: "DIFFERENT"}
	p = newTestPolicy(t, eng, "invoicing-node")
	d = p.Decide(context.Background(), "write me a poem", SessionState{LastRoutedNodeSlug: "invoicing-node"})
	if d.Action != ActionLocal {
		t.Errorf("DIFFERENT = %+v, want LOCAL", d)
	}
}

func TestDecideEngineErrorDefaultsToContinue(t *testing.T) {
	eng := &verdictEngine{err: errors.New("router down")}
	p := newTestPolicy(t, eng, "invoicing-node")

	d := p.Decide(context.Background(), "what about invoice 42?", SessionState{LastRoutedNodeSlug: "invoicing-node"})
	if d.Action != ActionContinue || d.NodeSlug != "invoicing-node" {
		t.Errorf("decision on engine error = %+v, want CONTINUE invoicing-node", d)
	}

	// With no pinned node, the default collapses to LOCAL.
	d = p.Decide(context.Background(), "what about invoice 42?", SessionState{})
	if d.Action != ActionLocal {
		t.Errorf("decision on engine error without pin = %+v, want LOCAL", d)
	}
}

func TestDecideUnparseableVerdict(t *testing.T) {
	eng := &verdictEngine{verdict: "I think the invoicing node fits best"}
	p := newTestPolicy(t, eng, "invoicing-node")

	d := p.Decide(context.Background(), "question", SessionState{LastRoutedNodeSlug: "invoicing-node"})
	if d.Action != ActionContinue || d.NodeSlug != "invoicing-node" {
		t.Errorf("unparseable verdict = %+v, want CONTINUE with pin", d)
	}
}
