package venue_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"BondLadder/internal/bondmath"
	"BondLadder/internal/venue"
)

const (
	testTerm       int64 = 31_536_000 // one year
	testCheckpoint int64 = 86_400     // one day
	testStart      int64 = 1_700_000_000
	testMinTx      int64 = 1_000_000
)

func newTestVenue(t *testing.T) *venue.SimVenue {
	t.Helper()
	v, err := venue.NewSimVenue(venue.SimConfig{
		Term:               testTerm,
		CheckpointInterval: testCheckpoint,
		AnnualRate:         decimal.RequireFromString("0.05"),
		Spread:             decimal.RequireFromString("0.002"),
		PreviewHaircut:     decimal.RequireFromString("0.0005"),
		MinTxAmount:        testMinTx,
		Capacity:           1_000_000_000_000_000,
		StartTime:          testStart,
	})
	if err != nil {
		t.Fatalf("NewSimVenue: %v", err)
	}
	return v
}

func mustOpen(t *testing.T, v *venue.SimVenue, spend int64) (int64, int64) {
	t.Helper()
	maturity, bonds, err := v.OpenPosition(spend, 0, 0, nil)
	if err != nil {
		t.Fatalf("OpenPosition(%d): %v", spend, err)
	}
	return maturity, bonds
}

// ============================================================
// Test: Opening
// ============================================================

func TestSimVenue_OpenQuantizesMaturity(t *testing.T) {
	v := newTestVenue(t)
	m1, _ := mustOpen(t, v, 100_000_000)

	v.SetTime(testStart + 1_000) // still inside the same checkpoint
	m2, _ := mustOpen(t, v, 100_000_000)
	if m1 != m2 {
		t.Errorf("same-checkpoint opens got maturities %d and %d, want equal", m1, m2)
	}

	v.SetTime(testStart + testCheckpoint)
	m3, _ := mustOpen(t, v, 100_000_000)
	if m3 <= m2 {
		t.Errorf("later-checkpoint maturity = %d, want > %d", m3, m2)
	}

	wantFirst := testStart - testStart%testCheckpoint + testTerm
	if m1 != wantFirst {
		t.Errorf("first maturity = %d, want %d", m1, wantFirst)
	}
}

func TestSimVenue_OpenBuysAtDiscount(t *testing.T) {
	v := newTestVenue(t)
	spend := int64(100_000_000)
	_, bonds := mustOpen(t, v, spend)
	if bonds <= spend {
		t.Errorf("bonds = %d, want more than spend %d for a discount bond", bonds, spend)
	}
	// A 5% flat rate cannot discount a one-year bond by more than ~5%.
	if bonds > spend*106/100 {
		t.Errorf("bonds = %d, want at most %d", bonds, spend*106/100)
	}
}

func TestSimVenue_OpenSlippageBounds(t *testing.T) {
	v := newTestVenue(t)
	before := v.MaximumOpenable()

	// Quantity bound: demand more bonds than the spend can buy.
	if _, _, err := v.OpenPosition(100_000_000, 200_000_000, 0, nil); !errors.Is(err, venue.ErrSlippage) {
		t.Fatalf("quantity-bound open error = %v, want ErrSlippage", err)
	}
	// Price floor: a one-year bond at 5% trades near 0.954, well under 0.99.
	if _, _, err := v.OpenPosition(100_000_000, 0, 990_000, nil); !errors.Is(err, venue.ErrSlippage) {
		t.Fatalf("price-floor open error = %v, want ErrSlippage", err)
	}
	if after := v.MaximumOpenable(); after != before {
		t.Errorf("failed opens changed capacity: %d -> %d", before, after)
	}
}

func TestSimVenue_OpenBelowMinimum(t *testing.T) {
	v := newTestVenue(t)
	if _, _, err := v.OpenPosition(testMinTx-1, 0, 0, nil); !errors.Is(err, venue.ErrBelowMinimum) {
		t.Fatalf("error = %v, want ErrBelowMinimum", err)
	}
}

// ============================================================
// Test: Closing
// ============================================================

func TestSimVenue_MaturedCloseRedeemsAtFace(t *testing.T) {
	v := newTestVenue(t)
	maturity, bonds := mustOpen(t, v, 100_000_000)

	v.SetTime(maturity)
	output, err := v.ClosePosition(maturity, bonds, 0, nil)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if output != bonds {
		t.Errorf("matured close output = %d, want face %d", output, bonds)
	}
	if got := v.Outstanding(maturity); got != 0 {
		t.Errorf("outstanding after close = %d, want 0", got)
	}
}

func TestSimVenue_EarlyCloseReturnsLessThanFace(t *testing.T) {
	v := newTestVenue(t)
	maturity, bonds := mustOpen(t, v, 100_000_000)

	output, err := v.ClosePosition(maturity, bonds, 0, nil)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if output >= bonds {
		t.Errorf("early close output = %d, want below face %d", output, bonds)
	}
	// Round-tripping through both spreads costs money.
	if output >= 100_000_000 {
		t.Errorf("round trip returned %d, want less than the 100000000 spent", output)
	}
}

func TestSimVenue_CloseUnknownPosition(t *testing.T) {
	v := newTestVenue(t)
	if _, err := v.ClosePosition(testStart+testTerm, 50_000_000, 0, nil); !errors.Is(err, venue.ErrUnknownPosition) {
		t.Fatalf("error = %v, want ErrUnknownPosition", err)
	}

	maturity, bonds := mustOpen(t, v, 100_000_000)
	if _, err := v.ClosePosition(maturity, bonds+1, 0, nil); !errors.Is(err, venue.ErrUnknownPosition) {
		t.Fatalf("oversized close error = %v, want ErrUnknownPosition", err)
	}
}

func TestSimVenue_CloseSlippageLeavesStateUntouched(t *testing.T) {
	v := newTestVenue(t)
	maturity, bonds := mustOpen(t, v, 100_000_000)

	if _, err := v.ClosePosition(maturity, bonds, bonds*2, nil); !errors.Is(err, venue.ErrSlippage) {
		t.Fatalf("error = %v, want ErrSlippage", err)
	}
	if got := v.Outstanding(maturity); got != bonds {
		t.Errorf("outstanding after failed close = %d, want %d", got, bonds)
	}
}

func TestSimVenue_PreviewNeverExceedsExecution(t *testing.T) {
	shifts := []int64{0, testTerm / 4, testTerm / 2, testTerm - 1, testTerm, testTerm + testCheckpoint}
	for _, shift := range shifts {
		v := newTestVenue(t)
		maturity, bonds := mustOpen(t, v, 100_000_000)
		v.SetTime(testStart + shift)

		preview, err := v.PreviewClosePosition(maturity, bonds)
		if err != nil {
			t.Fatalf("shift %d: PreviewClosePosition: %v", shift, err)
		}
		actual, err := v.ClosePosition(maturity, bonds, 0, nil)
		if err != nil {
			t.Fatalf("shift %d: ClosePosition: %v", shift, err)
		}
		if preview > actual {
			t.Errorf("shift %d: preview %d exceeds execution %d", shift, preview, actual)
		}
	}
}

// ============================================================
// Test: Maturity and capacity queries
// ============================================================

func TestSimVenue_TimeRemaining(t *testing.T) {
	v := newTestVenue(t)
	maturity, _ := mustOpen(t, v, 100_000_000)

	if got := v.TimeRemaining(maturity + testTerm); got != bondmath.FractionConfig.Scale {
		t.Errorf("full-term remaining = %d, want %d", got, bondmath.FractionConfig.Scale)
	}

	v.SetTime(maturity - testTerm/2)
	if got := v.TimeRemaining(maturity); got != bondmath.FractionConfig.Scale/2 {
		t.Errorf("half-term remaining = %d, want %d", got, bondmath.FractionConfig.Scale/2)
	}

	v.SetTime(maturity)
	if got := v.TimeRemaining(maturity); got != 0 {
		t.Errorf("matured remaining = %d, want 0", got)
	}
	if !v.IsMature(maturity) {
		t.Error("IsMature = false at maturity")
	}
}

func TestSimVenue_CapacityShrinksWithOpens(t *testing.T) {
	v := newTestVenue(t)
	before := v.MaximumOpenable()
	if before <= 0 {
		t.Fatalf("MaximumOpenable = %d, want positive", before)
	}
	mustOpen(t, v, 100_000_000)
	if after := v.MaximumOpenable(); after >= before {
		t.Errorf("MaximumOpenable after open = %d, want below %d", after, before)
	}
}

func TestSimVenue_OpenBeyondCapacity(t *testing.T) {
	v, err := venue.NewSimVenue(venue.SimConfig{
		Term:        testTerm,
		AnnualRate:  decimal.RequireFromString("0.05"),
		MinTxAmount: testMinTx,
		Capacity:    10_000_000, // ten bonds
		StartTime:   testStart,
	})
	if err != nil {
		t.Fatalf("NewSimVenue: %v", err)
	}

	if _, _, err := v.OpenPosition(100_000_000, 0, 0, nil); !errors.Is(err, venue.ErrExceedsCapacity) {
		t.Fatalf("error = %v, want ErrExceedsCapacity", err)
	}
	max := v.MaximumOpenable()
	if max <= 0 || max > 10_000_000 {
		t.Fatalf("MaximumOpenable = %d, want in (0, 10000000]", max)
	}
	if _, _, openErr := v.OpenPosition(max, 0, 0, nil); openErr != nil {
		t.Errorf("open at MaximumOpenable failed: %v", openErr)
	}
}

// ============================================================
// Test: Clock and snapshots
// ============================================================

func TestSimVenue_ClockNeverRewinds(t *testing.T) {
	v := newTestVenue(t)
	v.SetTime(testStart - 1_000)
	if got := v.Clock(); got != testStart {
		t.Errorf("clock = %d, want unchanged %d", got, testStart)
	}
	v.SetTime(testStart + 5)
	if got := v.Clock(); got != testStart+5 {
		t.Errorf("clock = %d, want %d", got, testStart+5)
	}
}

func TestSimVenue_SnapshotRestore(t *testing.T) {
	v := newTestVenue(t)
	maturity, bonds := mustOpen(t, v, 100_000_000)
	snap := v.SnapshotState()

	v.SetTime(testStart + testCheckpoint)
	mustOpen(t, v, 50_000_000)
	if _, err := v.ClosePosition(maturity, bonds, 0, nil); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	v.RestoreState(snap)
	if got := v.Outstanding(maturity); got != bonds {
		t.Errorf("outstanding after restore = %d, want %d", got, bonds)
	}
	if got := v.Clock(); got != testStart {
		t.Errorf("clock after restore = %d, want %d", got, testStart)
	}

	// The restored venue must not alias the snapshot's map.
	snap.Issued[maturity] = 0
	if got := v.Outstanding(maturity); got != bonds {
		t.Errorf("snapshot aliasing mutated venue state: outstanding = %d", got)
	}
}
