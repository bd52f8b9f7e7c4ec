package event

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalRequested asks the strategy to pay out asset. The core frees
// funds from the ladder as needed, up to whatever the portfolio can cover.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Amount       int64     `json:"amount"` // Fixed-point
	Sequence     int64     `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) Partition() string {
	return PartitionFunds
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawalRequested) OccurredAt() time.Time {
	return w.Timestamp
}
