package state

import (
	"testing"

	"github.com/nervemesh/nerve/internal/model"
)

func TestCacheRepo_BreakerStateRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	in := []model.BreakerState{
		{Slug: "a", State: model.BreakerClosed, SuccessCount: 10, LastSuccessAtNs: 111},
		{Slug: "b", State: model.BreakerOpen, FailureCount: 5, OpenedAtNs: 222, NextRetryAtNs: 333, ReopenCount: 2},
	}
	if err := engine.BulkUpsertBreakerStates(in); err != nil {
		t.Fatal(err)
	}

	out, err := engine.LoadAllBreakerStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	byslug := map[string]model.BreakerState{}
	for _, s := range out {
		byslug[s.Slug] = s
	}
	if got := byslug["b"]; got.NextRetryAtNs != 333 || got.ReopenCount != 2 {
		t.Errorf("b = %+v", got)
	}
}

func TestCacheRepo_UpsertOverwrites(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.BulkUpsertBreakerStates([]model.BreakerState{
		{Slug: "n", State: model.BreakerClosed, FailureCount: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BulkUpsertBreakerStates([]model.BreakerState{
		{Slug: "n", State: model.BreakerOpen, FailureCount: 5, NextRetryAtNs: 999},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := engine.LoadAllBreakerStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].State != model.BreakerOpen || out[0].NextRetryAtNs != 999 {
		t.Errorf("got %+v", out)
	}
}

func TestCacheRepo_BulkDelete(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.BulkUpsertNodeHealth([]model.NodeHealth{
		{Slug: "keep", AvgResponseMs: 12},
		{Slug: "drop", AvgResponseMs: 99},
	}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BulkDeleteNodeHealth([]string{"drop", "never-existed"}); err != nil {
		t.Fatal(err)
	}

	out, err := engine.LoadAllNodeHealth()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Slug != "keep" {
		t.Errorf("got %+v", out)
	}
}

func TestCacheRepo_EmptyBatchesAreNoops(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.BulkUpsertBreakerStates(nil); err != nil {
		t.Errorf("empty upsert: %v", err)
	}
	if err := engine.BulkDeleteBreakerStates(nil); err != nil {
		t.Errorf("empty delete: %v", err)
	}
	if err := engine.FlushTx(FlushOps{}); err != nil {
		t.Errorf("empty flush: %v", err)
	}
}

func TestCacheRepo_FlushTxMixed(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.BulkUpsertBreakerStates([]model.BreakerState{
		{Slug: "gone", State: model.BreakerClosed},
	}); err != nil {
		t.Fatal(err)
	}

	err := engine.FlushTx(FlushOps{
		UpsertBreakerStates: []model.BreakerState{{Slug: "fresh", State: model.BreakerHalfOpen}},
		DeleteBreakerStates: []string{"gone"},
		UpsertNodeHealth:    []model.NodeHealth{{Slug: "fresh", PingFailures: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}

	states, err := engine.LoadAllBreakerStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Slug != "fresh" {
		t.Errorf("states = %+v", states)
	}
	health, err := engine.LoadAllNodeHealth()
	if err != nil {
		t.Fatal(err)
	}
	if len(health) != 1 || health[0].Slug != "fresh" {
		t.Errorf("health = %+v", health)
	}
}
