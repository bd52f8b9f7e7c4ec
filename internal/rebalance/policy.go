package rebalance

import (
	"fmt"

	"BondLadder/internal/bondmath"
)

// Policy carries the operator-tunable knobs of the rebalancing engine.
// Amounts are int64 fixed-point in the bondmath scales.
type Policy struct {
	// MinOutput is the minimum acceptable asset output passed to every
	// close. Zero accepts whatever the venue pays.
	MinOutput int64

	// MinAcceptablePrice is the execution price floor passed to every
	// open, PriceConfig units. Zero accepts the market.
	MinAcceptablePrice int64

	// PositionClosureLimit bounds how many matured positions one
	// maintenance cycle closes. Zero means unbounded.
	PositionClosureLimit int

	// PartialClosureBuffer pads liquidation targets, FractionConfig units.
	PartialClosureBuffer int64

	// ExtraData is an opaque passthrough handed to every venue call.
	ExtraData []byte
}

// DefaultPolicy returns a policy with the stock 0.1% partial closure buffer
// and every bound permissive.
func DefaultPolicy() Policy {
	return Policy{PartialClosureBuffer: bondmath.DefaultPartialClosureBuffer}
}

func (p Policy) Validate() error {
	if p.MinOutput < 0 {
		return fmt.Errorf("rebalance: min output must not be negative, got %d", p.MinOutput)
	}
	if p.MinAcceptablePrice < 0 {
		return fmt.Errorf("rebalance: min acceptable price must not be negative, got %d", p.MinAcceptablePrice)
	}
	if p.PositionClosureLimit < 0 {
		return fmt.Errorf("rebalance: position closure limit must not be negative, got %d", p.PositionClosureLimit)
	}
	if p.PartialClosureBuffer < 0 {
		return fmt.Errorf("rebalance: partial closure buffer must not be negative, got %d", p.PartialClosureBuffer)
	}
	return nil
}
