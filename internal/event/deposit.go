package event

import (
	"time"

	"github.com/google/uuid"
)

// FundsDeposited reports that the host credited asset to the strategy. The
// core adds the amount to idle and attempts to deploy it.
type FundsDeposited struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Amount    int64     `json:"amount"` // Fixed-point
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *FundsDeposited) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *FundsDeposited) EventType() EventType {
	return EventTypeFundsDeposited
}

func (d *FundsDeposited) Partition() string {
	return PartitionFunds
}

func (d *FundsDeposited) SourceSequence() int64 {
	return d.Sequence
}

func (d *FundsDeposited) OccurredAt() time.Time {
	return d.Timestamp
}
