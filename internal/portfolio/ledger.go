package portfolio

import (
	"errors"
	"fmt"

	"BondLadder/internal/bondmath"
)

// Ledger operation failures. All of these indicate a broken caller contract
// rather than a transient condition; callers abort the whole operation.
var (
	ErrEmptyLedger          = errors.New("portfolio: ledger is empty")
	ErrMaturityOrdering     = errors.New("portfolio: maturity precedes tail")
	ErrIndexOutOfBounds     = errors.New("portfolio: position index out of bounds")
	ErrInsufficientQuantity = errors.New("portfolio: close amount exceeds head quantity")
	ErrNonPositiveQuantity  = errors.New("portfolio: quantity must be positive")
)

// PositionLedger is a FIFO of Positions in non-decreasing maturity order with
// two derived aggregates. The backing slice is trimmed logically: begin only
// advances, removed slots are cleared, and new positions only append. No two
// live positions share a maturity; opening at the tail's maturity merges.
//
// Not safe for concurrent use. The strategy core serializes every mutating
// call on a single goroutine.
type PositionLedger struct {
	slots []Position
	begin int

	totalBonds  int64
	avgMaturity int64
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{}
}

// Count returns the number of live positions.
func (l *PositionLedger) Count() int {
	return len(l.slots) - l.begin
}

// IsEmpty reports whether no positions are live.
func (l *PositionLedger) IsEmpty() bool {
	return l.begin == len(l.slots)
}

// TotalBonds returns the sum of live position quantities.
func (l *PositionLedger) TotalBonds() int64 {
	return l.totalBonds
}

// AvgMaturity returns the bond-weighted average maturity of live positions,
// 0 when the ledger is empty.
func (l *PositionLedger) AvgMaturity() int64 {
	return l.avgMaturity
}

// Head returns the oldest live position.
func (l *PositionLedger) Head() (Position, error) {
	if l.IsEmpty() {
		return Position{}, ErrEmptyLedger
	}
	return l.slots[l.begin], nil
}

// Tail returns the newest live position.
func (l *PositionLedger) Tail() (Position, error) {
	if l.IsEmpty() {
		return Position{}, ErrEmptyLedger
	}
	return l.slots[len(l.slots)-1], nil
}

// At returns the live position at index (0 = head).
func (l *PositionLedger) At(index int) (Position, error) {
	if index < 0 || index >= l.Count() {
		return Position{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, index, l.Count())
	}
	return l.slots[l.begin+index], nil
}

// Positions returns a copy of all live positions, head first.
func (l *PositionLedger) Positions() []Position {
	out := make([]Position, l.Count())
	copy(out, l.slots[l.begin:])
	return out
}

// OpenPosition records newly acquired bonds. A maturity equal to the tail's
// merges into the tail (issuer checkpoints quantize maturities, so repeated
// opens inside one checkpoint share a maturity); a later maturity appends.
// A maturity before the tail's violates issuer checkpoint monotonicity.
func (l *PositionLedger) OpenPosition(maturity, quantity, entryPrice int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: open quantity %d", ErrNonPositiveQuantity, quantity)
	}

	if !l.IsEmpty() {
		tail := &l.slots[len(l.slots)-1]
		if maturity < tail.Maturity {
			return fmt.Errorf("%w: open at %d behind tail %d", ErrMaturityOrdering, maturity, tail.Maturity)
		}
		if maturity == tail.Maturity {
			tail.AvgEntryPrice = bondmath.ComputeAddWeightedAverage(
				tail.Quantity, tail.AvgEntryPrice, quantity, entryPrice)
			tail.Quantity += quantity

			l.avgMaturity = bondmath.ComputeAddWeightedAverage(
				l.totalBonds, l.avgMaturity, quantity, maturity)
			l.totalBonds += quantity
			return nil
		}
	}

	l.slots = append(l.slots, Position{
		Maturity:      maturity,
		Quantity:      quantity,
		AvgEntryPrice: entryPrice,
	})
	l.avgMaturity = bondmath.ComputeAddWeightedAverage(
		l.totalBonds, l.avgMaturity, quantity, maturity)
	l.totalBonds += quantity
	return nil
}

// ClosePosition removes the head position entirely and returns it.
func (l *PositionLedger) ClosePosition() (Position, error) {
	if l.IsEmpty() {
		return Position{}, ErrEmptyLedger
	}

	head := l.slots[l.begin]

	l.avgMaturity = bondmath.ComputeRemoveWeightedAverage(
		l.totalBonds, l.avgMaturity, head.Quantity, head.Maturity)
	l.totalBonds -= head.Quantity

	l.slots[l.begin] = Position{} // clear the vacated slot
	l.begin++

	if l.IsEmpty() {
		l.resetCursors()
	} else {
		l.clampAvgMaturity()
	}
	return head, nil
}

// ClosePositionPartial removes amount bonds from the head in place. Removing
// the head's full quantity behaves exactly like ClosePosition. The returned
// Position describes the closed portion (head maturity and entry price).
func (l *PositionLedger) ClosePositionPartial(amount int64) (Position, error) {
	if l.IsEmpty() {
		return Position{}, ErrEmptyLedger
	}
	if amount <= 0 {
		return Position{}, fmt.Errorf("%w: close amount %d", ErrNonPositiveQuantity, amount)
	}

	head := &l.slots[l.begin]
	if amount > head.Quantity {
		return Position{}, fmt.Errorf("%w: %d > %d", ErrInsufficientQuantity, amount, head.Quantity)
	}
	if amount == head.Quantity {
		return l.ClosePosition()
	}

	closed := Position{
		Maturity:      head.Maturity,
		Quantity:      amount,
		AvgEntryPrice: head.AvgEntryPrice,
	}

	// The removed weight carries the head's original maturity; the head keeps
	// its slot, maturity, and entry price.
	l.avgMaturity = bondmath.ComputeRemoveWeightedAverage(
		l.totalBonds, l.avgMaturity, amount, head.Maturity)
	head.Quantity -= amount
	l.totalBonds -= amount

	l.clampAvgMaturity()
	return closed, nil
}

// clampAvgMaturity bounds the stored average into the live maturity range.
// The remove rule divides by the surviving weight, so floor error carried in
// the stored average can surface scaled up; the average must never leave
// [head.Maturity, tail.Maturity] while positions are live.
func (l *PositionLedger) clampAvgMaturity() {
	l.avgMaturity = bondmath.ClampInt64(
		l.avgMaturity, l.slots[l.begin].Maturity, l.slots[len(l.slots)-1].Maturity)
}

func (l *PositionLedger) resetCursors() {
	l.slots = l.slots[:0]
	l.begin = 0
}

// LedgerSnapshot is a copy of the full ledger state, used both for atomic
// rollback of failed operations and for persistence snapshots.
type LedgerSnapshot struct {
	Positions   []Position
	TotalBonds  int64
	AvgMaturity int64
}

// Snapshot copies the live ledger state.
func (l *PositionLedger) Snapshot() LedgerSnapshot {
	return LedgerSnapshot{
		Positions:   l.Positions(),
		TotalBonds:  l.totalBonds,
		AvgMaturity: l.avgMaturity,
	}
}

// RestoreSnapshot replaces the ledger state with a snapshot.
func (l *PositionLedger) RestoreSnapshot(snap LedgerSnapshot) {
	l.slots = make([]Position, len(snap.Positions))
	copy(l.slots, snap.Positions)
	l.begin = 0
	l.totalBonds = snap.TotalBonds
	l.avgMaturity = snap.AvgMaturity
}

// CanonicalBytes returns deterministic serialization for hashing
func (l *PositionLedger) CanonicalBytes() []byte {
	buf := make([]byte, 0, 24+24*l.Count())
	buf = appendInt64LE(buf, int64(l.Count()))
	for i := l.begin; i < len(l.slots); i++ {
		buf = append(buf, l.slots[i].CanonicalBytes()...)
	}
	buf = appendInt64LE(buf, l.totalBonds)
	buf = appendInt64LE(buf, l.avgMaturity)
	return buf
}

// CheckInvariants recomputes the ledger invariants from the live positions:
// conservation of totalBonds, strictly increasing maturities, the average
// inside the live maturity range, and zeroed aggregates when empty.
func (l *PositionLedger) CheckInvariants() error {
	if l.IsEmpty() {
		if l.totalBonds != 0 {
			return fmt.Errorf("empty ledger has totalBonds=%d", l.totalBonds)
		}
		if l.avgMaturity != 0 {
			return fmt.Errorf("empty ledger has avgMaturity=%d", l.avgMaturity)
		}
		return nil
	}

	var sum int64
	prev := int64(-1)
	for i := l.begin; i < len(l.slots); i++ {
		p := l.slots[i]
		if p.Quantity <= 0 {
			return fmt.Errorf("position %d has non-positive quantity %d", i-l.begin, p.Quantity)
		}
		if p.Maturity <= prev {
			return fmt.Errorf("position %d maturity %d not after %d", i-l.begin, p.Maturity, prev)
		}
		prev = p.Maturity
		sum += p.Quantity
	}

	if sum != l.totalBonds {
		return fmt.Errorf("totalBonds=%d but positions sum to %d", l.totalBonds, sum)
	}

	head := l.slots[l.begin].Maturity
	tail := l.slots[len(l.slots)-1].Maturity
	if l.avgMaturity < head || l.avgMaturity > tail {
		return fmt.Errorf("avgMaturity=%d outside [%d, %d]", l.avgMaturity, head, tail)
	}
	return nil
}
