// Package rebalance implements the strategy's position maintenance: closing
// matured bonds, rolling idle asset into new positions, and liquidating
// toward withdrawal targets.
package rebalance

import (
	"fmt"

	"BondLadder/internal/bondmath"
	"BondLadder/internal/portfolio"
	"BondLadder/internal/venue"
)

// ClosedPosition describes one executed close, full or partial.
type ClosedPosition struct {
	Maturity     int64
	Quantity     int64
	Output       int64
	RealizedGain int64
	Partial      bool
}

// OpenedPosition describes one executed open.
type OpenedPosition struct {
	Maturity int64
	Quantity int64
	Spent    int64
}

// TendResult reports what one maintenance cycle did.
type TendResult struct {
	// Rebalanced is false when the cycle was skipped because nothing was
	// actionable.
	Rebalanced bool
	Closed     []ClosedPosition
	Opened     *OpenedPosition
}

// FreeResult reports what a liquidation toward a target did.
type FreeResult struct {
	// Freed is the asset credited to idle by the closes below. It falls
	// short of the target when the ledger runs out of positions; a
	// shortfall is a value, not an error.
	Freed  int64
	Closed []ClosedPosition
}

// Report is a point-in-time valuation of the portfolio.
type Report struct {
	TotalValue   int64
	Idle         int64
	Deployed     int64
	RealizedGain int64
	Positions    int
	TotalBonds   int64
	AvgMaturity  int64
}

// Engine drives the rebalancing rules over one portfolio against one venue.
//
// Every exported mutating operation is atomic on the portfolio side: it
// either commits all of its ledger and idle mutations or restores the
// portfolio to its state at entry and returns the error. Callers owning a
// StatefulVenue roll the venue back alongside.
//
// Engine is driven from a single goroutine and is not safe for concurrent
// use.
type Engine struct {
	state  *portfolio.State
	venue  venue.Venue
	policy Policy
}

func NewEngine(state *portfolio.State, v venue.Venue, policy Policy) *Engine {
	return &Engine{state: state, venue: v, policy: policy}
}

// Policy returns the engine's current policy.
func (e *Engine) Policy() Policy { return e.policy }

// SetPolicy replaces the engine's policy, effective from the next
// operation.
func (e *Engine) SetPolicy(p Policy) { e.policy = p }

// CanRebalance reports whether a maintenance cycle would do anything: a
// matured head position to redeem, or idle above the venue minimum to
// deploy.
func (e *Engine) CanRebalance() bool {
	return e.hasMaturedHead() || e.hasSpendableIdle()
}

func (e *Engine) hasMaturedHead() bool {
	head, err := e.state.Ledger().Head()
	if err != nil {
		return false
	}
	return e.venue.TimeRemaining(head.Maturity) == 0
}

func (e *Engine) hasSpendableIdle() bool {
	return e.spendableIdle() > e.venue.MinimumTransactionAmount()
}

// spendableIdle is the idle amount deployable right now, capped by venue
// capacity.
func (e *Engine) spendableIdle() int64 {
	spendable := e.state.Idle()
	if limit := e.venue.MaximumOpenable(); spendable > limit {
		spendable = limit
	}
	return spendable
}

// Tend runs one maintenance cycle: close matured positions up to the policy
// closure limit, then deploy spendable idle into a new position. A cycle
// with nothing actionable returns Rebalanced false and no error.
func (e *Engine) Tend() (TendResult, error) {
	if !e.CanRebalance() {
		return TendResult{}, nil
	}
	snap := e.state.Snapshot()
	res, err := e.tend()
	if err != nil {
		e.state.RestoreSnapshot(snap)
		return TendResult{}, err
	}
	res.Rebalanced = true
	return res, nil
}

func (e *Engine) tend() (TendResult, error) {
	var res TendResult
	closed, err := e.closeMatured(e.policy.PositionClosureLimit)
	if err != nil {
		return res, err
	}
	res.Closed = closed
	opened, err := e.deployIdle()
	if err != nil {
		return res, err
	}
	res.Opened = opened
	return res, nil
}

// FreeFunds liquidates positions until at least target asset has been
// credited to idle: matured heads first with no closure limit, then sized
// sales of successive heads.
func (e *Engine) FreeFunds(target int64) (FreeResult, error) {
	if target <= 0 {
		return FreeResult{}, nil
	}
	snap := e.state.Snapshot()
	res, err := e.freeFunds(target)
	if err != nil {
		e.state.RestoreSnapshot(snap)
		return FreeResult{}, err
	}
	return res, nil
}

func (e *Engine) freeFunds(target int64) (FreeResult, error) {
	var res FreeResult
	closed, err := e.closeMatured(0)
	if err != nil {
		return res, err
	}
	for _, c := range closed {
		res.Freed += c.Output
	}
	res.Closed = closed

	sizer := PartialClosureSizer{
		Buffer:      e.policy.PartialClosureBuffer,
		MinTxAmount: e.venue.MinimumTransactionAmount(),
	}
	for res.Freed < target && !e.state.Ledger().IsEmpty() {
		head, err := e.state.Ledger().Head()
		if err != nil {
			return res, err
		}
		headValue, err := e.venue.PreviewClosePosition(head.Maturity, head.Quantity)
		if err != nil {
			return res, fmt.Errorf("preview maturity %d: %w", head.Maturity, err)
		}
		quantity := head.Quantity
		if d := sizer.Size(head.Quantity, headValue, target-res.Freed); !d.FullClose {
			quantity = d.Bonds
			// The venue refuses closes below its minimum. Rounding the
			// slice up is safe, the surplus lands in idle.
			if quantity < sizer.MinTxAmount {
				quantity = sizer.MinTxAmount
			}
			if quantity > head.Quantity {
				quantity = head.Quantity
			}
		}
		record, err := e.closeHead(quantity)
		if err != nil {
			return res, fmt.Errorf("free funds at maturity %d: %w", head.Maturity, err)
		}
		res.Closed = append(res.Closed, record)
		res.Freed += record.Output
	}
	return res, nil
}

// HarvestAndReport values the whole portfolio at current venue quotes.
// Valuation uses close previews, so it understates slightly rather than
// overstating. Read-only.
func (e *Engine) HarvestAndReport() (Report, error) {
	ledger := e.state.Ledger()
	var deployed int64
	for i := 0; i < ledger.Count(); i++ {
		pos, err := ledger.At(i)
		if err != nil {
			return Report{}, err
		}
		value, err := e.venue.PreviewClosePosition(pos.Maturity, pos.Quantity)
		if err != nil {
			return Report{}, fmt.Errorf("preview maturity %d: %w", pos.Maturity, err)
		}
		deployed += value
	}
	idle := e.state.Idle()
	return Report{
		TotalValue:   idle + deployed,
		Idle:         idle,
		Deployed:     deployed,
		RealizedGain: e.state.RealizedGain(),
		Positions:    ledger.Count(),
		TotalBonds:   ledger.TotalBonds(),
		AvgMaturity:  ledger.AvgMaturity(),
	}, nil
}

// closeMatured redeems matured head positions. limit bounds the number of
// closes, zero meaning unbounded.
func (e *Engine) closeMatured(limit int) ([]ClosedPosition, error) {
	var closed []ClosedPosition
	for e.hasMaturedHead() {
		if limit > 0 && len(closed) >= limit {
			break
		}
		head, err := e.state.Ledger().Head()
		if err != nil {
			return nil, err
		}
		record, err := e.closeHead(head.Quantity)
		if err != nil {
			return nil, fmt.Errorf("close matured maturity %d: %w", head.Maturity, err)
		}
		closed = append(closed, record)
	}
	return closed, nil
}

// closeHead sells quantity bonds out of the head position and commits the
// sale to the ledger, realized gain, and idle balance.
func (e *Engine) closeHead(quantity int64) (ClosedPosition, error) {
	head, err := e.state.Ledger().Head()
	if err != nil {
		return ClosedPosition{}, err
	}
	output, err := e.venue.ClosePosition(head.Maturity, quantity, e.policy.MinOutput, e.policy.ExtraData)
	if err != nil {
		return ClosedPosition{}, err
	}
	removed, err := e.state.Ledger().ClosePositionPartial(quantity)
	if err != nil {
		return ClosedPosition{}, err
	}
	gain := output - bondmath.ComputeCostBasis(removed.Quantity, removed.AvgEntryPrice)
	e.state.AddRealizedGain(gain)
	if output > 0 {
		if err := e.state.CreditIdle(output); err != nil {
			return ClosedPosition{}, err
		}
	}
	return ClosedPosition{
		Maturity:     removed.Maturity,
		Quantity:     removed.Quantity,
		Output:       output,
		RealizedGain: gain,
		Partial:      quantity < head.Quantity,
	}, nil
}

// deployIdle opens one position with all spendable idle. Nothing happens
// when spendable idle does not clear the venue minimum.
func (e *Engine) deployIdle() (*OpenedPosition, error) {
	spendable := e.spendableIdle()
	if spendable <= e.venue.MinimumTransactionAmount() {
		return nil, nil
	}
	maturity, quantity, err := e.venue.OpenPosition(spendable, 0, e.policy.MinAcceptablePrice, e.policy.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}
	if err := e.state.DebitIdle(spendable); err != nil {
		return nil, err
	}
	entryPrice := bondmath.ComputeEntryPrice(spendable, quantity)
	if err := e.state.Ledger().OpenPosition(maturity, quantity, entryPrice); err != nil {
		return nil, err
	}
	return &OpenedPosition{Maturity: maturity, Quantity: quantity, Spent: spendable}, nil
}
