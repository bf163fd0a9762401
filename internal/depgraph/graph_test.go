package depgraph_test

import (
	"errors"
	"testing"

	"github.com/custodia/vault-engine/internal/depgraph"
	"github.com/custodia/vault-engine/internal/model"
)

func markets(ids ...uint64) []model.MarketID {
	out := make([]model.MarketID, len(ids))
	for i, id := range ids {
		out[i] = model.MarketID(id)
	}
	return out
}

func equal(a, b []model.MarketID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStaleIncludesSelfAndTransitive(t *testing.T) {
	g := depgraph.New()
	if err := g.Set(1, markets(2)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := g.Set(2, markets(3, 4)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got := g.Stale(1)
	if want := markets(1, 2, 3, 4); !equal(got, want) {
		t.Errorf("stale(1) = %v, want %v", got, want)
	}

	// A market with no edges is stale only for itself.
	if got := g.Stale(9); !equal(got, markets(9)) {
		t.Errorf("stale(9) = %v, want [9]", got)
	}
}

func TestSetRejectsSelfEdge(t *testing.T) {
	g := depgraph.New()
	if err := g.Set(1, markets(1)); !errors.Is(err, depgraph.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestSetRejectsCycleAndReverts(t *testing.T) {
	g := depgraph.New()
	if err := g.Set(1, markets(2)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := g.Set(2, markets(3)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if err := g.Set(3, markets(1)); !errors.Is(err, depgraph.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
	// The rejected update must leave the graph as it was.
	if got := g.Dependencies(3); len(got) != 0 {
		t.Errorf("rejected update leaked edges: %v", got)
	}
	if got := g.Stale(1); !equal(got, markets(1, 2, 3)) {
		t.Errorf("stale(1) = %v after rejected update", got)
	}
}

func TestSetReplacesWholesale(t *testing.T) {
	g := depgraph.New()
	g.Set(1, markets(2, 3))
	if err := g.Set(1, markets(4)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := g.Dependencies(1); !equal(got, markets(4)) {
		t.Errorf("dependencies(1) = %v, want [4]", got)
	}

	// Clearing removes the entry entirely.
	if err := g.Set(1, nil); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got := g.Stale(1); !equal(got, markets(1)) {
		t.Errorf("stale(1) = %v after clear", got)
	}
}

func TestSetDedupesAndSorts(t *testing.T) {
	g := depgraph.New()
	if err := g.Set(1, markets(5, 3, 5, 3)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := g.Dependencies(1); !equal(got, markets(3, 5)) {
		t.Errorf("dependencies(1) = %v, want [3 5]", got)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	g := depgraph.New()
	g.Set(1, markets(2))
	g.Set(2, markets(3))

	restored := depgraph.New()
	if err := restored.Restore(g.Snapshot()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if got := restored.Stale(1); !equal(got, markets(1, 2, 3)) {
		t.Errorf("stale(1) = %v after restore", got)
	}
}
