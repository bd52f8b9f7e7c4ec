package event

import (
	"github.com/google/uuid"
)

// Outcome summarizes what processing one command did to the portfolio. It
// rides alongside the envelope to projections and the outbound publisher;
// replay regenerates it, so it is not part of the hash chain.
type Outcome struct {
	Rebalanced bool                 `json:"rebalanced"`
	Closed     []PositionClosedData `json:"closed,omitempty"`
	Opened     *PositionOpenedData  `json:"opened,omitempty"`
	Withdrawal *WithdrawalOutcome   `json:"withdrawal,omitempty"`
	Report     *ReportOutcome       `json:"report,omitempty"`
}

// PositionOpenedData records one executed open.
type PositionOpenedData struct {
	Maturity int64 `json:"maturity"`
	Quantity int64 `json:"quantity"`
	Spent    int64 `json:"spent"`
}

// PositionClosedData records one executed close, full or partial.
type PositionClosedData struct {
	Maturity     int64 `json:"maturity"`
	Quantity     int64 `json:"quantity"`
	Output       int64 `json:"output"`
	RealizedGain int64 `json:"realized_gain"`
	Partial      bool  `json:"partial"`
}

// WithdrawalOutcome records how a withdrawal request was settled. Paid can
// fall short of Requested when the portfolio could not cover it.
type WithdrawalOutcome struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Requested    int64     `json:"requested"`
	Freed        int64     `json:"freed"`
	Paid         int64     `json:"paid"`
}

// ReportOutcome is a portfolio valuation at current venue quotes.
type ReportOutcome struct {
	TotalValue   int64 `json:"total_value"`
	Idle         int64 `json:"idle"`
	Deployed     int64 `json:"deployed"`
	RealizedGain int64 `json:"realized_gain"`
	Positions    int   `json:"positions"`
	TotalBonds   int64 `json:"total_bonds"`
	AvgMaturity  int64 `json:"avg_maturity"`
}
