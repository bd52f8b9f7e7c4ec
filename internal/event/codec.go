package event

import (
	"encoding/json"
	"fmt"
)

// EncodeCommand serializes a command for the envelope payload and the wire.
func EncodeCommand(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", evt.EventType(), err)
	}
	return payload, nil
}

// DecodeCommand rebuilds a command from its envelope payload. Only command
// types decode; derived event types have no inbound wire form.
func DecodeCommand(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeFundsDeposited:
		evt = &FundsDeposited{}
	case EventTypeWithdrawalRequested:
		evt = &WithdrawalRequested{}
	case EventTypeTendRequested:
		evt = &TendRequested{}
	case EventTypeReportRequested:
		evt = &ReportRequested{}
	case EventTypeConfigUpdated:
		evt = &ConfigUpdated{}
	default:
		return nil, fmt.Errorf("event: no command decoder for type %s", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", et, err)
	}
	return evt, nil
}
