package rebalance

import "BondLadder/internal/bondmath"

// PartialClosureSizer decides, for one head position and an outstanding
// liquidity target, between selling a computed slice of the head and
// closing it whole.
type PartialClosureSizer struct {
	// Buffer pads the target so rounding and quote movement between sizing
	// and execution cannot leave the proceeds short, FractionConfig units.
	Buffer int64

	// MinTxAmount is the venue's minimum transaction amount. A head that
	// cannot cover the target plus one further minimum-sized trade is
	// closed whole instead of leaving an untradeable remainder behind.
	MinTxAmount int64
}

// SizingDecision is the outcome of sizing one head position.
type SizingDecision struct {
	// FullClose directs the caller to close the entire head position.
	FullClose bool

	// Bonds is the quantity to sell when FullClose is false. It covers the
	// remaining target with the buffer applied and never exceeds the head.
	Bonds int64
}

// Size converts the remaining liquidity target into a decision for the
// current head. headValue is the previewed output of closing the whole
// head, remaining the target still uncovered.
func (s PartialClosureSizer) Size(headQuantity, headValue, remaining int64) SizingDecision {
	if bondmath.CoversWithMargin(headValue, remaining, s.MinTxAmount, s.Buffer) {
		return SizingDecision{Bonds: bondmath.ComputeBondsForOutput(headQuantity, headValue, remaining, s.Buffer)}
	}
	return SizingDecision{FullClose: true}
}
