package book_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func sub(t *testing.T, hex string) model.Substrate {
	t.Helper()
	s, err := model.SubstrateFromHex(hex)
	if err != nil {
		t.Fatalf("bad substrate %s: %v", hex, err)
	}
	return s
}

func TestIdleBalance(t *testing.T) {
	b := book.New()

	if err := b.CreditIdle(d(1000)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if err := b.DebitIdle(d(400)); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if !b.Idle().Equal(d(600)) {
		t.Errorf("expected idle 600, got %s", b.Idle())
	}

	if err := b.DebitIdle(d(601)); err == nil {
		t.Error("expected overdraft to fail")
	}
	if err := b.CreditIdle(d(-1)); err == nil {
		t.Error("expected negative credit to fail")
	}
}

func TestPositions(t *testing.T) {
	b := book.New()
	s1 := sub(t, "0x01")

	if err := b.AddPosition(1, s1, d(50)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !b.Position(1, s1).Equal(d(50)) {
		t.Errorf("expected 50, got %s", b.Position(1, s1))
	}
	if !b.HasPositions(1) {
		t.Error("expected market 1 to have positions")
	}

	if err := b.AddPosition(1, s1, d(-60)); err == nil {
		t.Error("expected negative position to fail")
	}

	// Draining to zero prunes the position.
	if err := b.AddPosition(1, s1, d(-50)); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if b.HasPositions(1) {
		t.Error("expected market 1 to be empty after drain")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := book.New()
	s1 := sub(t, "0x01")
	b.CreditIdle(d(100))
	b.AddPosition(1, s1, d(10))

	c := b.Clone()
	c.DebitIdle(d(100))
	c.AddPosition(1, s1, d(-10))

	if !b.Idle().Equal(d(100)) {
		t.Errorf("clone mutated original idle: %s", b.Idle())
	}
	if !b.Position(1, s1).Equal(d(10)) {
		t.Errorf("clone mutated original position: %s", b.Position(1, s1))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := book.New()
	s1 := sub(t, "0x01")
	s2 := sub(t, "0x02")
	b.CreditIdle(d(250))
	b.AddPosition(1, s1, d(10))
	b.AddPosition(7, s2, d(3.5))

	snap := b.Snapshot(d(250))
	restored := book.FromSnapshot(snap)

	if !restored.Idle().Equal(b.Idle()) {
		t.Errorf("idle mismatch: %s != %s", restored.Idle(), b.Idle())
	}
	if !restored.Position(1, s1).Equal(d(10)) {
		t.Errorf("position mismatch: %s", restored.Position(1, s1))
	}
	if !restored.Position(7, s2).Equal(d(3.5)) {
		t.Errorf("position mismatch: %s", restored.Position(7, s2))
	}
	if !snap.Shares.Equal(d(250)) {
		t.Errorf("shares mismatch: %s", snap.Shares)
	}
}
