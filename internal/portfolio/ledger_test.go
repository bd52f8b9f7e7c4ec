package portfolio_test

import (
	"errors"
	"testing"

	"BondLadder/internal/portfolio"
)

const price = int64(950_000) // 0.95 asset/bond, used where the price is irrelevant

func mustOpen(t *testing.T, l *portfolio.PositionLedger, maturity, qty int64) {
	t.Helper()
	if err := l.OpenPosition(maturity, qty, price); err != nil {
		t.Fatalf("OpenPosition(%d, %d): %v", maturity, qty, err)
	}
}

func mustInvariants(t *testing.T, l *portfolio.PositionLedger) {
	t.Helper()
	if err := l.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

// ============================================================================
// Test: open / merge
// ============================================================================

func TestLedger_OpenMergesEqualMaturity(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)
	mustOpen(t, l, 1000, 50)

	if l.Count() != 1 {
		t.Fatalf("count: got %d, want 1", l.Count())
	}
	head, _ := l.Head()
	if head.Maturity != 1000 || head.Quantity != 150 {
		t.Errorf("head: got (%d, %d), want (1000, 150)", head.Maturity, head.Quantity)
	}
	if l.TotalBonds() != 150 {
		t.Errorf("totalBonds: got %d, want 150", l.TotalBonds())
	}
	if l.AvgMaturity() != 1000 {
		t.Errorf("avgMaturity: got %d, want 1000", l.AvgMaturity())
	}
	mustInvariants(t, l)
}

func TestLedger_MergeBlendsEntryPrice(t *testing.T) {
	l := portfolio.NewPositionLedger()
	if err := l.OpenPosition(1000, 100, 900_000); err != nil {
		t.Fatal(err)
	}
	if err := l.OpenPosition(1000, 100, 950_000); err != nil {
		t.Fatal(err)
	}

	head, _ := l.Head()
	if head.AvgEntryPrice != 925_000 {
		t.Errorf("merged entry price: got %d, want 925_000", head.AvgEntryPrice)
	}
}

func TestLedger_OpenAppendsLaterMaturity(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)
	mustOpen(t, l, 2000, 100)

	if l.Count() != 2 {
		t.Fatalf("count: got %d, want 2", l.Count())
	}
	if l.AvgMaturity() != 1500 {
		t.Errorf("avgMaturity: got %d, want 1500", l.AvgMaturity())
	}
	if l.TotalBonds() != 200 {
		t.Errorf("totalBonds: got %d, want 200", l.TotalBonds())
	}
	mustInvariants(t, l)
}

func TestLedger_OpenBehindTailFails(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 2000, 100)

	err := l.OpenPosition(1000, 100, price)
	if !errors.Is(err, portfolio.ErrMaturityOrdering) {
		t.Errorf("got %v, want ErrMaturityOrdering", err)
	}
	// The failed open must not have touched anything.
	if l.Count() != 1 || l.TotalBonds() != 100 {
		t.Error("failed open mutated the ledger")
	}
}

func TestLedger_OpenZeroQuantityFails(t *testing.T) {
	l := portfolio.NewPositionLedger()
	if err := l.OpenPosition(1000, 0, price); !errors.Is(err, portfolio.ErrNonPositiveQuantity) {
		t.Errorf("got %v, want ErrNonPositiveQuantity", err)
	}
}

// ============================================================================
// Test: full closure
// ============================================================================

func TestLedger_FullCloseHead(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)
	mustOpen(t, l, 2000, 100)

	closed, err := l.ClosePosition()
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closed.Maturity != 1000 || closed.Quantity != 100 {
		t.Errorf("closed: got (%d, %d), want (1000, 100)", closed.Maturity, closed.Quantity)
	}
	// (200*1500 - 100*1000) / 100 = 2000
	if l.AvgMaturity() != 2000 {
		t.Errorf("avgMaturity: got %d, want 2000", l.AvgMaturity())
	}
	if l.TotalBonds() != 100 {
		t.Errorf("totalBonds: got %d, want 100", l.TotalBonds())
	}
	head, _ := l.Head()
	if head.Maturity != 2000 {
		t.Errorf("new head maturity: got %d, want 2000", head.Maturity)
	}
	mustInvariants(t, l)
}

func TestLedger_CloseLastPositionResetsAggregates(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 150)

	if _, err := l.ClosePosition(); err != nil {
		t.Fatal(err)
	}
	if !l.IsEmpty() {
		t.Error("ledger should be empty")
	}
	if l.TotalBonds() != 0 || l.AvgMaturity() != 0 {
		t.Errorf("aggregates not reset: totalBonds=%d avgMaturity=%d",
			l.TotalBonds(), l.AvgMaturity())
	}
	mustInvariants(t, l)
}

// ============================================================================
// Test: partial closure
// ============================================================================

func TestLedger_PartialCloseHead(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)
	mustOpen(t, l, 2000, 100)

	closed, err := l.ClosePositionPartial(40)
	if err != nil {
		t.Fatalf("ClosePositionPartial: %v", err)
	}
	if closed.Maturity != 1000 || closed.Quantity != 40 {
		t.Errorf("closed: got (%d, %d), want (1000, 40)", closed.Maturity, closed.Quantity)
	}

	head, _ := l.Head()
	if head.Maturity != 1000 || head.Quantity != 60 {
		t.Errorf("head: got (%d, %d), want (1000, 60)", head.Maturity, head.Quantity)
	}
	// (200*1500 - 40*1000) / 160 = 1625
	if l.AvgMaturity() != 1625 {
		t.Errorf("avgMaturity: got %d, want 1625", l.AvgMaturity())
	}
	if l.TotalBonds() != 160 {
		t.Errorf("totalBonds: got %d, want 160", l.TotalBonds())
	}
	mustInvariants(t, l)
}

func TestLedger_PartialCloseFullQuantityBehavesAsFullClose(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)
	mustOpen(t, l, 2000, 100)

	if _, err := l.ClosePositionPartial(100); err != nil {
		t.Fatal(err)
	}
	if l.Count() != 1 {
		t.Errorf("count: got %d, want 1", l.Count())
	}
	head, _ := l.Head()
	if head.Maturity != 2000 {
		t.Errorf("head maturity: got %d, want 2000", head.Maturity)
	}
	if l.AvgMaturity() != 2000 {
		t.Errorf("avgMaturity: got %d, want 2000", l.AvgMaturity())
	}
	mustInvariants(t, l)
}

func TestLedger_PartialCloseTooMuchFails(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)

	_, err := l.ClosePositionPartial(101)
	if !errors.Is(err, portfolio.ErrInsufficientQuantity) {
		t.Errorf("got %v, want ErrInsufficientQuantity", err)
	}
	if l.TotalBonds() != 100 {
		t.Error("failed close mutated the ledger")
	}
}

// ============================================================================
// Test: empty-ledger accessors
// ============================================================================

func TestLedger_EmptyAccessors(t *testing.T) {
	l := portfolio.NewPositionLedger()

	if _, err := l.Head(); !errors.Is(err, portfolio.ErrEmptyLedger) {
		t.Errorf("Head: got %v, want ErrEmptyLedger", err)
	}
	if _, err := l.Tail(); !errors.Is(err, portfolio.ErrEmptyLedger) {
		t.Errorf("Tail: got %v, want ErrEmptyLedger", err)
	}
	if _, err := l.ClosePosition(); !errors.Is(err, portfolio.ErrEmptyLedger) {
		t.Errorf("ClosePosition: got %v, want ErrEmptyLedger", err)
	}
	if _, err := l.ClosePositionPartial(1); !errors.Is(err, portfolio.ErrEmptyLedger) {
		t.Errorf("ClosePositionPartial: got %v, want ErrEmptyLedger", err)
	}
	if _, err := l.At(0); !errors.Is(err, portfolio.ErrIndexOutOfBounds) {
		t.Errorf("At(0): got %v, want ErrIndexOutOfBounds", err)
	}
}

func TestLedger_AtOutOfBounds(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)

	if _, err := l.At(-1); !errors.Is(err, portfolio.ErrIndexOutOfBounds) {
		t.Errorf("At(-1): got %v, want ErrIndexOutOfBounds", err)
	}
	if _, err := l.At(1); !errors.Is(err, portfolio.ErrIndexOutOfBounds) {
		t.Errorf("At(1): got %v, want ErrIndexOutOfBounds", err)
	}
	if p, err := l.At(0); err != nil || p.Maturity != 1000 {
		t.Errorf("At(0): got (%+v, %v)", p, err)
	}
}

// ============================================================================
// Test: draining and conservation
// ============================================================================

func TestLedger_DrainMixedClosesReachesExactZero(t *testing.T) {
	l := portfolio.NewPositionLedger()
	maturities := []int64{1000, 2000, 3000, 4000, 5000}
	for _, m := range maturities {
		mustOpen(t, l, m, 100)
	}

	// Alternate partial and full closes until drained.
	partial := true
	for !l.IsEmpty() {
		if partial {
			head, _ := l.Head()
			amount := head.Quantity / 3
			if amount == 0 {
				amount = head.Quantity
			}
			if _, err := l.ClosePositionPartial(amount); err != nil {
				t.Fatalf("partial close: %v", err)
			}
		} else {
			if _, err := l.ClosePosition(); err != nil {
				t.Fatalf("full close: %v", err)
			}
		}
		partial = !partial
		mustInvariants(t, l)
	}

	if l.TotalBonds() != 0 {
		t.Errorf("drained totalBonds: got %d, want 0", l.TotalBonds())
	}
	if l.AvgMaturity() != 0 {
		t.Errorf("drained avgMaturity: got %d, want 0", l.AvgMaturity())
	}
}

func TestLedger_ReuseAfterDrain(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)
	if _, err := l.ClosePosition(); err != nil {
		t.Fatal(err)
	}

	// A fresh session may start at any maturity, including earlier ones.
	mustOpen(t, l, 500, 50)
	if l.Count() != 1 || l.TotalBonds() != 50 || l.AvgMaturity() != 500 {
		t.Errorf("reused ledger: count=%d totalBonds=%d avg=%d",
			l.Count(), l.TotalBonds(), l.AvgMaturity())
	}
	mustInvariants(t, l)
}

func TestLedger_AverageStaysInLiveRange(t *testing.T) {
	l := portfolio.NewPositionLedger()
	opens := []struct{ m, q int64 }{
		{1_700_000_000, 123_456}, {1_700_000_000, 1}, {1_700_604_800, 999},
		{1_701_209_600, 500_000}, {1_701_814_400, 7},
	}
	for _, o := range opens {
		mustOpen(t, l, o.m, o.q)
		mustInvariants(t, l)
	}
	for !l.IsEmpty() {
		if _, err := l.ClosePositionPartial(l.TotalBonds()/7 + 1); err != nil {
			if errors.Is(err, portfolio.ErrInsufficientQuantity) {
				if _, err := l.ClosePosition(); err != nil {
					t.Fatal(err)
				}
			} else {
				t.Fatal(err)
			}
		}
		mustInvariants(t, l)
	}
}

// ============================================================================
// Test: snapshot / restore
// ============================================================================

func TestLedger_SnapshotRestoreRoundTrip(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)
	mustOpen(t, l, 2000, 200)

	snap := l.Snapshot()

	if _, err := l.ClosePosition(); err != nil {
		t.Fatal(err)
	}
	mustOpen(t, l, 3000, 50)

	l.RestoreSnapshot(snap)

	if l.Count() != 2 || l.TotalBonds() != 300 {
		t.Errorf("restored: count=%d totalBonds=%d", l.Count(), l.TotalBonds())
	}
	head, _ := l.Head()
	if head.Maturity != 1000 || head.Quantity != 100 {
		t.Errorf("restored head: got (%d, %d)", head.Maturity, head.Quantity)
	}
	mustInvariants(t, l)
}

func TestLedger_SnapshotIsolatedFromLiveState(t *testing.T) {
	l := portfolio.NewPositionLedger()
	mustOpen(t, l, 1000, 100)

	snap := l.Snapshot()
	snap.Positions[0].Quantity = 999

	head, _ := l.Head()
	if head.Quantity != 100 {
		t.Error("mutating a snapshot must not affect the live ledger")
	}
}

func TestLedger_CanonicalBytesDeterministic(t *testing.T) {
	build := func() *portfolio.PositionLedger {
		l := portfolio.NewPositionLedger()
		mustOpen(t, l, 1000, 100)
		mustOpen(t, l, 2000, 200)
		if _, err := l.ClosePositionPartial(30); err != nil {
			t.Fatal(err)
		}
		return l
	}

	a := build().CanonicalBytes()
	b := build().CanonicalBytes()
	if string(a) != string(b) {
		t.Error("identical histories must produce identical canonical bytes")
	}
}

// ============================================================================
// Test: portfolio state
// ============================================================================

func TestState_IdleCreditDebit(t *testing.T) {
	s := portfolio.NewState()
	if err := s.CreditIdle(1_000_000); err != nil {
		t.Fatal(err)
	}
	if err := s.DebitIdle(400_000); err != nil {
		t.Fatal(err)
	}
	if s.Idle() != 600_000 {
		t.Errorf("idle: got %d, want 600_000", s.Idle())
	}

	if err := s.DebitIdle(600_001); !errors.Is(err, portfolio.ErrInsufficientIdle) {
		t.Errorf("got %v, want ErrInsufficientIdle", err)
	}
}

func TestState_SnapshotRestore(t *testing.T) {
	s := portfolio.NewState()
	if err := s.CreditIdle(500_000); err != nil {
		t.Fatal(err)
	}
	if err := s.Ledger().OpenPosition(1000, 100, price); err != nil {
		t.Fatal(err)
	}
	s.AddRealizedGain(42)

	snap := s.Snapshot()

	if err := s.DebitIdle(500_000); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ledger().ClosePosition(); err != nil {
		t.Fatal(err)
	}
	s.AddRealizedGain(-100)

	s.RestoreSnapshot(snap)

	if s.Idle() != 500_000 || s.RealizedGain() != 42 || s.Ledger().Count() != 1 {
		t.Errorf("restore mismatch: idle=%d gain=%d count=%d",
			s.Idle(), s.RealizedGain(), s.Ledger().Count())
	}
	if err := s.CheckInvariants(); err != nil {
		t.Errorf("invariants after restore: %v", err)
	}
}
