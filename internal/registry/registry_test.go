package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/registry"
)

type stubFuse struct{ id string }

func (f stubFuse) ID() string { return f.id }

func (f stubFuse) Enter(context.Context, *book.Book, fuse.Call) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f stubFuse) Exit(context.Context, *book.Book, fuse.Call) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type stubBalance struct{ id string }

func (f stubBalance) ID() string { return f.id }

func (f stubBalance) MarketValue(context.Context, *book.Book, model.MarketID) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func sub(t *testing.T, hex string) model.Substrate {
	t.Helper()
	s, err := model.SubstrateFromHex(hex)
	if err != nil {
		t.Fatalf("bad substrate %s: %v", hex, err)
	}
	return s
}

func TestGrantRevokeIdempotent(t *testing.T) {
	r := registry.NewSubstrateRegistry()
	s1 := sub(t, "0x01")
	s2 := sub(t, "0x02")

	if got := r.Grant(1, s1, s2); got != 2 {
		t.Errorf("expected 2 grants, got %d", got)
	}
	if got := r.Grant(1, s1); got != 0 {
		t.Errorf("re-grant should be a no-op, got %d", got)
	}
	if !r.IsGranted(1, s1) || !r.IsGranted(1, s2) {
		t.Error("expected both substrates granted")
	}
	if r.IsGranted(2, s1) {
		t.Error("grant must be market-scoped")
	}

	if got := r.Revoke(1, s1); got != 1 {
		t.Errorf("expected 1 revocation, got %d", got)
	}
	if got := r.Revoke(1, s1); got != 0 {
		t.Errorf("re-revoke should be a no-op, got %d", got)
	}
	if r.IsGranted(1, s1) {
		t.Error("expected substrate revoked")
	}
	if got := r.Granted(1); len(got) != 1 || got[0] != s2 {
		t.Errorf("unexpected granted set: %v", got)
	}
}

func TestSubstrateSnapshotRoundTrip(t *testing.T) {
	r := registry.NewSubstrateRegistry()
	r.Grant(1, sub(t, "0x01"))
	r.Grant(5, sub(t, "0x02"), sub(t, "0x03"))

	restored := registry.NewSubstrateRegistry()
	restored.Restore(r.Snapshot())

	if !restored.IsGranted(5, sub(t, "0x03")) {
		t.Error("restore lost a grant")
	}
	if got, want := len(restored.Markets()), 2; got != want {
		t.Errorf("expected %d markets, got %d", want, got)
	}
}

func TestAddRemoveFuses(t *testing.T) {
	r := registry.NewFuseRegistry()

	if got := r.AddFuses(stubFuse{"aave"}, stubFuse{"compound"}); got != 2 {
		t.Errorf("expected 2 added, got %d", got)
	}
	if got := r.AddFuses(stubFuse{"aave"}); got != 0 {
		t.Errorf("re-add should be a no-op, got %d", got)
	}
	if !r.IsApproved("aave") {
		t.Error("expected aave approved")
	}

	removed, err := r.RemoveFuses(nil, "aave", "unknown")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if r.IsApproved("aave") {
		t.Error("expected aave removed")
	}
}

func TestRemoveFusesStillReferenced(t *testing.T) {
	r := registry.NewFuseRegistry()
	r.AddFuses(stubFuse{"aave"}, stubFuse{"compound"})

	referenced := func(id string) bool { return id == "compound" }

	removed, err := r.RemoveFuses(referenced, "aave", "compound")
	if !errors.Is(err, registry.ErrStillReferenced) {
		t.Fatalf("expected ErrStillReferenced, got %v", err)
	}
	if removed != 0 {
		t.Errorf("a failed call must be a no-op, removed %d", removed)
	}
	if !r.IsApproved("aave") {
		t.Error("aave must survive the failed batch removal")
	}
}

func TestBalanceFuseAssignment(t *testing.T) {
	r := registry.NewFuseRegistry()
	r.SetBalanceFuse(1, stubBalance{"holdings"})

	if _, ok := r.BalanceFuse(1); !ok {
		t.Fatal("expected balance fuse assigned")
	}

	holds := func(model.MarketID) bool { return true }
	if err := r.RemoveBalanceFuse(1, holds); !errors.Is(err, registry.ErrMarketHasPositions) {
		t.Fatalf("expected ErrMarketHasPositions, got %v", err)
	}

	empty := func(model.MarketID) bool { return false }
	if err := r.RemoveBalanceFuse(1, empty); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok := r.BalanceFuse(1); ok {
		t.Error("expected balance fuse removed")
	}
	if err := r.RemoveBalanceFuse(1, holds); err != nil {
		t.Errorf("removing an absent fuse should be a no-op, got %v", err)
	}
}

func TestFuseRestoreFromCatalog(t *testing.T) {
	catalog := fuse.NewCatalog()
	catalog.Strategy["aave"] = stubFuse{"aave"}
	catalog.Balance["holdings"] = stubBalance{"holdings"}

	r := registry.NewFuseRegistry()
	if err := r.Restore(catalog, []string{"aave"}, map[model.MarketID]string{1: "holdings"}); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !r.IsApproved("aave") {
		t.Error("expected aave re-bound")
	}
	if _, ok := r.BalanceFuse(1); !ok {
		t.Error("expected balance fuse re-bound")
	}

	if err := r.Restore(catalog, []string{"ghost"}, nil); err == nil {
		t.Error("expected unknown catalog ID to fail restore")
	}
}
