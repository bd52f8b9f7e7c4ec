package query

import "encoding/json"

// PortfolioResponse is the current portfolio summary.
type PortfolioResponse struct {
	Idle          int64 `json:"idle"`
	TotalBonds    int64 `json:"total_bonds"`
	AvgMaturity   int64 `json:"avg_maturity"`
	PositionCount int64 `json:"position_count"`
	RealizedGain  int64 `json:"realized_gain"`
	AsOfSequence  int64 `json:"as_of_sequence"`
}

// PositionResponse is a single ladder rung.
type PositionResponse struct {
	Maturity      int64 `json:"maturity"`
	Quantity      int64 `json:"quantity"`
	AvgEntryPrice int64 `json:"avg_entry_price"`
	AsOfSequence  int64 `json:"as_of_sequence"`
}

// ReportResponse is one harvest report row.
type ReportResponse struct {
	Sequence      int64 `json:"sequence"`
	TotalValue    int64 `json:"total_value"`
	Idle          int64 `json:"idle"`
	Deployed      int64 `json:"deployed"`
	RealizedGain  int64 `json:"realized_gain"`
	PositionCount int64 `json:"position_count"`
	TotalBonds    int64 `json:"total_bonds"`
	AvgMaturity   int64 `json:"avg_maturity"`
	ReportedAt    int64 `json:"reported_at"`
	AsOfSequence  int64 `json:"as_of_sequence"`
}

// ActionResponse is one ladder mutation from the action log.
type ActionResponse struct {
	ActionID     string `json:"action_id"`
	Sequence     int64  `json:"sequence"`
	Action       string `json:"action"`
	Maturity     int64  `json:"maturity"`
	Quantity     int64  `json:"quantity"`
	Amount       int64  `json:"amount"`
	RealizedGain int64  `json:"realized_gain"`
	Timestamp    int64  `json:"timestamp"`
}

// EventResponse is one row of the command log, payload and outcome verbatim.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Partition      string          `json:"partition"`
	SourceSequence int64           `json:"source_sequence"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	Outcome        json.RawMessage `json:"outcome,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool          `json:"is_healthy"`
	HashChainBreaks []int64       `json:"hash_chain_breaks,omitempty"`
	BondMismatch    *BondMismatch `json:"bond_mismatch,omitempty"`
}

// BondMismatch reports a summary bond total that disagrees with the sum
// of rung quantities in the ladder projection.
type BondMismatch struct {
	SummaryBonds int64 `json:"summary_bonds"`
	LadderBonds  int64 `json:"ladder_bonds"`
}
