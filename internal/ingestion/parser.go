package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"BondLadder/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell parses and validates here; the core only ever
// sees well-formed commands.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "FundsDeposited":
		return parseFundsDeposited(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from the host adapter.
// Field names use snake_case; timestamps are microseconds since epoch.

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFundsDeposited(data []byte) (*event.FundsDeposited, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundsDeposited: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("parse FundsDeposited: amount must be positive, got %d", j.Amount)
	}
	return &event.FundsDeposited{
		DepositID: depositID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("parse WithdrawalRequested: amount must be positive, got %d", j.Amount)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}
