package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nervemesh/nerve/internal/breaker"
	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/digest"
	"github.com/nervemesh/nerve/internal/metrics"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/registry"
	"github.com/nervemesh/nerve/internal/routing"
	"github.com/nervemesh/nerve/internal/state"
)

// newTestService wires a ControlPlaneService over real storage in temp dirs.
// Forwarder, Prober and Retriever stay nil; tests that need them set them up.
func newTestService(t *testing.T) *ControlPlaneService {
	t.Helper()

	engine, closer, err := state.PersistenceBootstrap(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })

	brk := breaker.New(breaker.Config{
		FailureThreshold: func() int { return 2 },
		Cooldown:         func() time.Duration { return time.Minute },
	})
	reg := registry.New(registry.Config{BreakerOpen: brk.Blocked})

	digests, err := digest.New(reg, func() digest.Config {
		return digest.Config{Mode: digest.ModeTemplate, CacheTTL: time.Minute}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(digests.Close)

	sessions, err := routing.NewMemoryStore(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sessions.Close)

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	runtimeCfg.Store(config.NewDefaultRuntimeConfig())

	return &ControlPlaneService{
		Engine:     engine,
		Registry:   reg,
		Breaker:    brk,
		Digests:    digests,
		Sessions:   sessions,
		Locker:     routing.NewLocker(),
		Collector:  metrics.NewCollector(60),
		RuntimeCfg: runtimeCfg,
		EnvCfg:     &config.EnvConfig{RotationGrace: 10 * time.Minute},
		LocalNode: &model.CapabilitySnapshot{
			Slug:        "hub",
			Name:        "Hub",
			Description: "coordination node",
			Collections: []model.Collection{{Name: "documents", Class: "Document"}},
		},
	}
}

func createParams(slug string) CreateNodeParams {
	return CreateNodeParams{
		Slug:    slug,
		Name:    slug,
		BaseURL: "https://" + slug + ".internal:8470",
		Collections: []model.Collection{
			{Name: "invoices", Class: "Invoice"},
		},
		Domains: []string{"billing"},
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	se, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("got %v (%T), want *ServiceError with code %s", err, err, code)
	}
	if se.Code != code {
		t.Fatalf("code = %s (%s), want %s", se.Code, se.Message, code)
	}
}

// --- Nodes ---

func TestCreateNodeDefaultsAndSecrets(t *testing.T) {
	svc := newTestService(t)

	created, err := svc.CreateNode(createParams("billing-node"))
	if err != nil {
		t.Fatal(err)
	}
	if created.APIKey == "" || created.RefreshToken == "" {
		t.Error("secret pair missing from create response")
	}
	if created.Type != model.NodeTypeChild || created.Weight != 1 || created.Status != model.NodeStatusActive {
		t.Errorf("defaults not applied: type=%s weight=%d status=%s", created.Type, created.Weight, created.Status)
	}
	if len(created.Collections) != 1 || created.Collections[0].Class != "Invoice" {
		t.Errorf("collections not round-tripped: %+v", created.Collections)
	}

	// Registered in the pool and readable back without secrets.
	got, err := svc.GetNode("billing-node")
	if err != nil {
		t.Fatal(err)
	}
	if got.Slug != "billing-node" || got.BaseURL != "https://billing-node.internal:8470" {
		t.Errorf("GetNode = %+v", got)
	}
}

func TestCreateNodeValidation(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*CreateNodeParams)
		code   string
	}{
		{"bad slug", func(p *CreateNodeParams) { p.Slug = "Bad Slug!" }, "INVALID_ARGUMENT"},
		{"relative url", func(p *CreateNodeParams) { p.BaseURL = "not-a-url" }, "INVALID_ARGUMENT"},
		{"ftp url", func(p *CreateNodeParams) { p.BaseURL = "ftp://host" }, "INVALID_ARGUMENT"},
		{"bad type", func(p *CreateNodeParams) { p.Type = "parent" }, "INVALID_ARGUMENT"},
		{"negative weight", func(p *CreateNodeParams) { p.Weight = -1 }, "INVALID_ARGUMENT"},
		{"collection missing class", func(p *CreateNodeParams) {
			p.Collections = []model.Collection{{Name: "invoices"}}
		}, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := createParams("valid-slug")
			tt.mutate(&p)
			_, err := svc.CreateNode(p)
			wantCode(t, err, tt.code)
		})
	}
}

func TestCreateNodeDuplicateSlug(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateNode(createParams("dup")); err != nil {
		t.Fatal(err)
	}
	_, err := svc.CreateNode(createParams("dup"))
	wantCode(t, err, "CONFLICT")
}

func TestListNodesFilters(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateNode(createParams("billing-node")); err != nil {
		t.Fatal(err)
	}
	hr := createParams("hr-node")
	hr.Collections = []model.Collection{{Name: "people", Class: "Employee"}}
	hr.Domains = []string{"hr"}
	if _, err := svc.CreateNode(hr); err != nil {
		t.Fatal(err)
	}

	all, err := svc.ListNodes(NodeFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	byCollection, err := svc.ListNodes(NodeFilters{Collection: "Invoice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byCollection) != 1 || byCollection[0].Slug != "billing-node" {
		t.Errorf("collection filter = %+v", byCollection)
	}

	byKeyword, err := svc.ListNodes(NodeFilters{Keyword: "HR"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byKeyword) != 1 || byKeyword[0].Slug != "hr-node" {
		t.Errorf("keyword filter = %+v", byKeyword)
	}

	if _, err := svc.ListNodes(NodeFilters{Status: "bogus"}); err == nil {
		t.Error("bogus status filter accepted")
	}
}

func TestUpdateNodePatch(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateNode(createParams("patch-node")); err != nil {
		t.Fatal(err)
	}

	updated, err := svc.UpdateNode("patch-node", json.RawMessage(
		`{"name":"Billing","status":"maintenance","weight":3,"base_url":"https://moved.internal/","keywords":["invoice","vat"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "Billing" || updated.Status != model.NodeStatusMaintenance || updated.Weight != 3 {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.BaseURL != "https://moved.internal" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", updated.BaseURL)
	}
	if len(updated.Keywords) != 2 {
		t.Errorf("Keywords = %v", updated.Keywords)
	}

	// Survives a registry round trip.
	got, err := svc.GetNode("patch-node")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.NodeStatusMaintenance {
		t.Errorf("Status after reload = %s", got.Status)
	}
}

func TestUpdateNodePatchRejections(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateNode(createParams("strict-node")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		patch string
	}{
		{"empty", `{}`},
		{"unknown field", `{"slug":"other"}`},
		{"secret field", `{"api_key":"x"}`},
		{"null value", `{"name":null}`},
		{"empty name", `{"name":"  "}`},
		{"bad status", `{"status":"sleeping"}`},
		{"zero weight", `{"weight":0}`},
		{"float weight", `{"weight":1.5}`},
		{"bad url", `{"base_url":"nope"}`},
		{"non-array keywords", `{"keywords":"vat"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateNode("strict-node", json.RawMessage(tt.patch))
			wantCode(t, err, "INVALID_ARGUMENT")
		})
	}

	_, err := svc.UpdateNode("ghost", json.RawMessage(`{"name":"x"}`))
	wantCode(t, err, "NOT_FOUND")
}

func TestDeleteNodeClearsDerivedState(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateNode(createParams("doomed")); err != nil {
		t.Fatal(err)
	}
	svc.Breaker.RecordFailure("doomed")
	svc.Collector.OnRequest(metrics.RequestEvent{NodeSlug: "doomed", Success: true, DurationMs: 12})

	if err := svc.DeleteNode("doomed"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetNode("doomed"); err == nil {
		t.Error("node still resolvable after delete")
	}
	if _, ok := svc.Breaker.Snapshot("doomed"); ok {
		t.Error("breaker state survived delete")
	}
	if _, ok := svc.Collector.Stats("doomed"); ok {
		t.Error("metrics survived delete")
	}
	wantCode(t, svc.DeleteNode("doomed"), "NOT_FOUND")
}

// --- Secret rotation ---

func TestRotateNodeSecrets(t *testing.T) {
	svc := newTestService(t)
	created, err := svc.CreateNode(createParams("rotor"))
	if err != nil {
		t.Fatal(err)
	}

	rotated, err := svc.RotateNodeSecrets("rotor")
	if err != nil {
		t.Fatal(err)
	}
	if rotated.APIKey == created.APIKey || rotated.RefreshToken == created.RefreshToken {
		t.Error("rotation returned the previous secrets")
	}
	if rotated.PrevValidUntil == "" {
		t.Error("grace window end missing")
	}

	rec, err := svc.Engine.GetNode("rotor")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PrevAPIKey != created.APIKey {
		t.Error("previous api key not demoted")
	}

	_, err = svc.RotateNodeSecrets("ghost")
	wantCode(t, err, "NOT_FOUND")
}

func TestRefreshNodeSecrets(t *testing.T) {
	svc := newTestService(t)
	created, err := svc.CreateNode(createParams("refresher"))
	if err != nil {
		t.Fatal(err)
	}

	// Current refresh token rotates.
	first, err := svc.RefreshNodeSecrets(created.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if first.Slug != "refresher" {
		t.Errorf("Slug = %q", first.Slug)
	}

	// The demoted token is still inside the grace window, so it rotates too.
	if _, err := svc.RefreshNodeSecrets(created.RefreshToken); err != nil {
		t.Fatalf("previous token inside grace window rejected: %v", err)
	}

	_, err = svc.RefreshNodeSecrets("no-such-token")
	wantCode(t, err, "UNAUTHENTICATED")

	_, err = svc.RefreshNodeSecrets("  ")
	wantCode(t, err, "UNAUTHENTICATED")
}

func TestRefreshNodeSecretsExpiredGrace(t *testing.T) {
	svc := newTestService(t)
	svc.EnvCfg.RotationGrace = -time.Second // every previous token is expired

	created, err := svc.CreateNode(createParams("expired"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RotateNodeSecrets("expired"); err != nil {
		t.Fatal(err)
	}

	_, err = svc.RefreshNodeSecrets(created.RefreshToken)
	wantCode(t, err, "UNAUTHENTICATED")
}

// --- Runtime config ---

func TestPatchRuntimeConfig(t *testing.T) {
	svc := newTestService(t)

	cfg, err := svc.PatchRuntimeConfig(json.RawMessage(`{"history_window":9,"nodes":{"enabled":false}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HistoryWindow != 9 || cfg.Nodes.Enabled {
		t.Errorf("patch not applied: %+v", cfg)
	}
	if svc.RuntimeCfg.Load().HistoryWindow != 9 {
		t.Error("live pointer not swapped")
	}

	// Persisted with a monotonically increasing version.
	persisted, version, err := svc.Engine.GetSystemConfig()
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 || persisted.HistoryWindow != 9 {
		t.Errorf("persisted version=%d cfg=%+v", version, persisted)
	}

	if _, err := svc.PatchRuntimeConfig(json.RawMessage(`{"chat_model":"gpt-4o"}`)); err != nil {
		t.Fatal(err)
	}
	if _, version, _ = svc.Engine.GetSystemConfig(); version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestPatchRuntimeConfigVersionBootstrap(t *testing.T) {
	svc := newTestService(t)

	// Simulate state left by a previous process.
	if err := svc.Engine.SaveSystemConfig(config.NewDefaultRuntimeConfig(), 41, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.PatchRuntimeConfig(json.RawMessage(`{"history_window":4}`)); err != nil {
		t.Fatal(err)
	}
	_, version, err := svc.Engine.GetSystemConfig()
	if err != nil {
		t.Fatal(err)
	}
	if version != 42 {
		t.Errorf("version = %d, want 42", version)
	}
}

func TestPatchRuntimeConfigRejections(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name  string
		patch string
	}{
		{"empty", `{}`},
		{"not json", `{{`},
		{"unknown field", `{"listen_address":":9"}`},
		{"null value", `{"history_window":null}`},
		{"invalid value", `{"history_window":0}`},
		{"invalid nested", `{"breaker":{"failure_threshold":0}}`},
		{"wrong type", `{"history_window":"five"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PatchRuntimeConfig(json.RawMessage(tt.patch))
			wantCode(t, err, "INVALID_ARGUMENT")
		})
	}

	// A rejected patch must not leak into the live config.
	if !svc.RuntimeCfg.Load().Nodes.Enabled {
		t.Error("live config mutated by rejected patch")
	}
}

// --- Breakers ---

func TestBreakerAdmin(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateNode(createParams("flaky")); err != nil {
		t.Fatal(err)
	}

	// Untracked nodes report a closed default.
	st, err := svc.GetBreaker("flaky")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != model.BreakerClosed {
		t.Errorf("State = %s, want closed", st.State)
	}

	svc.Breaker.RecordFailure("flaky")
	svc.Breaker.RecordFailure("flaky") // threshold 2 opens the circuit
	st, err = svc.GetBreaker("flaky")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != model.BreakerOpen {
		t.Errorf("State = %s, want open", st.State)
	}
	if len(svc.ListBreakers()) != 1 {
		t.Errorf("ListBreakers = %+v", svc.ListBreakers())
	}

	reset, err := svc.ResetBreaker("flaky")
	if err != nil {
		t.Fatal(err)
	}
	if reset.State != model.BreakerClosed || reset.FailureCount != 0 {
		t.Errorf("after reset: %+v", reset)
	}

	_, err = svc.GetBreaker("ghost")
	wantCode(t, err, "NOT_FOUND")
}

// --- Digests ---

func TestDigestAdmin(t *testing.T) {
	svc := newTestService(t)

	if got := svc.GetFullDigest(); got.Digest != digest.NoNodesAvailable {
		t.Errorf("empty pool digest = %q", got.Digest)
	}

	if _, err := svc.CreateNode(createParams("billing-node")); err != nil {
		t.Fatal(err)
	}

	nd, err := svc.GetNodeDigest("billing-node")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(nd.Digest, "NODE: billing-node") {
		t.Errorf("node digest = %q", nd.Digest)
	}

	full := svc.GetFullDigest()
	if !strings.Contains(full.Digest, "billing-node") || !strings.Contains(full.Digest, "LOCAL NODE:") {
		t.Errorf("full digest = %q", full.Digest)
	}

	if _, err := svc.RefreshNodeDigest("billing-node"); err != nil {
		t.Fatal(err)
	}
	_, err = svc.GetNodeDigest("ghost")
	wantCode(t, err, "NOT_FOUND")
}

// --- Metrics ---

func TestNodeMetrics(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateNode(createParams("measured")); err != nil {
		t.Fatal(err)
	}

	// No traffic yet: zeroed stats, not an error.
	stats, err := svc.GetNodeMetrics("measured")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Requests != 0 || stats.LastBreakerState != model.BreakerClosed {
		t.Errorf("zero stats = %+v", stats)
	}

	svc.Collector.OnRequest(metrics.RequestEvent{NodeSlug: "measured", Success: true, DurationMs: 30})
	stats, err = svc.GetNodeMetrics("measured")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Requests != 1 || stats.Successes != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(svc.ListNodeMetrics()) != 1 {
		t.Errorf("ListNodeMetrics = %+v", svc.ListNodeMetrics())
	}

	_, err = svc.GetNodeMetrics("ghost")
	wantCode(t, err, "NOT_FOUND")
}

// --- Sessions ---

func TestSessionAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	st := routing.SessionState{SessionID: "s1", UserID: "u1", LastRoutedNodeSlug: "billing-node"}
	st.Append("user", "hello")
	st.Append("assistant", "hi")
	if err := svc.Sessions.Put(ctx, st); err != nil {
		t.Fatal(err)
	}

	view, err := svc.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Turns != 2 || view.LastRoutedNodeSlug != "billing-node" || view.UpdatedAt == "" {
		t.Errorf("view = %+v", view)
	}

	if err := svc.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	_, err = svc.GetSession(ctx, "s1")
	wantCode(t, err, "NOT_FOUND")
	wantCode(t, svc.DeleteSession(ctx, "s1"), "NOT_FOUND")
}
