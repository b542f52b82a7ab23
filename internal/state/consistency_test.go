package state

import (
	"testing"
	"time"

	"github.com/nervemesh/nerve/internal/model"
)

// TestRepairConsistency_DropsOrphans verifies that breaker and health rows
// whose slug no longer exists in state.nodes are removed at bootstrap.
func TestRepairConsistency_DropsOrphans(t *testing.T) {
	stateDir, cacheDir := t.TempDir(), t.TempDir()

	engine, closer, err := PersistenceBootstrap(stateDir, cacheDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := engine.InsertNode(testNode("kept")); err != nil {
		t.Fatal(err)
	}
	if err := engine.BulkUpsertBreakerStates([]model.BreakerState{
		{Slug: "kept", State: model.BreakerClosed},
		{Slug: "orphan", State: model.BreakerOpen, NextRetryAtNs: time.Now().UnixNano()},
	}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BulkUpsertNodeHealth([]model.NodeHealth{
		{Slug: "kept", PingFailures: 1},
		{Slug: "orphan", PingFailures: 9},
	}); err != nil {
		t.Fatal(err)
	}
	closer.Close()

	// Reopen: bootstrap runs RepairConsistency.
	engine2, closer2, err := PersistenceBootstrap(stateDir, cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	defer closer2.Close()

	states, err := engine2.LoadAllBreakerStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Slug != "kept" {
		t.Errorf("breaker states after repair = %+v, want only kept", states)
	}

	health, err := engine2.LoadAllNodeHealth()
	if err != nil {
		t.Fatal(err)
	}
	if len(health) != 1 || health[0].Slug != "kept" {
		t.Errorf("node health after repair = %+v, want only kept", health)
	}
}

// TestPersistenceBootstrap_Idempotent verifies repeated bootstraps on the same
// directories succeed (migrations are no-ops the second time).
func TestPersistenceBootstrap_Idempotent(t *testing.T) {
	stateDir, cacheDir := t.TempDir(), t.TempDir()

	for i := 0; i < 2; i++ {
		engine, closer, err := PersistenceBootstrap(stateDir, cacheDir)
		if err != nil {
			t.Fatalf("bootstrap #%d: %v", i+1, err)
		}
		if engine == nil {
			t.Fatalf("bootstrap #%d: nil engine", i+1)
		}
		closer.Close()
	}
}
