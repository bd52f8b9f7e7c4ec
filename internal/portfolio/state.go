package portfolio

import (
	"errors"
	"fmt"
)

var ErrInsufficientIdle = errors.New("portfolio: insufficient idle balance")

// State is the full strategy-owned portfolio: the bond ledger plus the liquid
// side. Exactly one writer (the strategy core goroutine) mutates it.
type State struct {
	ledger       *PositionLedger
	idle         int64 // undeployed asset balance, AssetConfig scale
	realizedGain int64 // cumulative close proceeds minus cost basis
}

func NewState() *State {
	return &State{ledger: NewPositionLedger()}
}

// Ledger exposes the position ledger.
func (s *State) Ledger() *PositionLedger {
	return s.ledger
}

// Idle returns the undeployed asset balance.
func (s *State) Idle() int64 {
	return s.idle
}

// RealizedGain returns cumulative realized gains since genesis.
func (s *State) RealizedGain() int64 {
	return s.realizedGain
}

// CreditIdle adds freshly received asset to the idle balance.
func (s *State) CreditIdle(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit %d", ErrNonPositiveQuantity, amount)
	}
	s.idle += amount
	return nil
}

// DebitIdle removes asset from the idle balance.
func (s *State) DebitIdle(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit %d", ErrNonPositiveQuantity, amount)
	}
	if amount > s.idle {
		return fmt.Errorf("%w: debit %d > idle %d", ErrInsufficientIdle, amount, s.idle)
	}
	s.idle -= amount
	return nil
}

// AddRealizedGain accumulates the signed gain of a closed position.
func (s *State) AddRealizedGain(delta int64) {
	s.realizedGain += delta
}

// StateSnapshot is a full copy of the portfolio, used for atomic rollback and
// persistence snapshots.
type StateSnapshot struct {
	Ledger       LedgerSnapshot
	Idle         int64
	RealizedGain int64
}

// Snapshot copies the full portfolio state.
func (s *State) Snapshot() StateSnapshot {
	return StateSnapshot{
		Ledger:       s.ledger.Snapshot(),
		Idle:         s.idle,
		RealizedGain: s.realizedGain,
	}
}

// RestoreSnapshot replaces the portfolio state with a snapshot.
func (s *State) RestoreSnapshot(snap StateSnapshot) {
	s.ledger.RestoreSnapshot(snap.Ledger)
	s.idle = snap.Idle
	s.realizedGain = snap.RealizedGain
}

// CanonicalBytes returns deterministic serialization for hashing
func (s *State) CanonicalBytes() []byte {
	ledgerBytes := s.ledger.CanonicalBytes()
	buf := make([]byte, 0, len(ledgerBytes)+16)
	buf = append(buf, ledgerBytes...)
	buf = appendInt64LE(buf, s.idle)
	buf = appendInt64LE(buf, s.realizedGain)
	return buf
}

// CheckInvariants validates the portfolio: a non-negative idle balance plus
// every ledger invariant.
func (s *State) CheckInvariants() error {
	if s.idle < 0 {
		return fmt.Errorf("negative idle balance %d", s.idle)
	}
	return s.ledger.CheckInvariants()
}
