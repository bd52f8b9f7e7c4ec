package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Commands ingested by the core.
	EventTypeFundsDeposited
	EventTypeWithdrawalRequested
	EventTypeTendRequested
	EventTypeReportRequested
	EventTypeConfigUpdated

	// Derived events emitted by the core after processing.
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeRebalanced
	EventTypeWithdrawalCompleted
	EventTypeReportHarvested
)

// Source partitions for per-stream sequence validation. Funds commands come
// from the host adapter, keeper commands from the scheduler, config commands
// from operators.
const (
	PartitionFunds  = "funds"
	PartitionKeeper = "keeper"
	PartitionConfig = "config"
)

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Source partition the command arrived on
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the source stream for sequence validation
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

// IsCommand reports whether the type is an ingestable command, as opposed to
// a derived event the core emits after processing.
func (et EventType) IsCommand() bool {
	return et >= EventTypeFundsDeposited && et <= EventTypeConfigUpdated
}

// ParseEventType maps a stored type name back to its discriminator. Replay
// uses this to decode event log rows.
func ParseEventType(s string) EventType {
	switch s {
	case "FundsDeposited":
		return EventTypeFundsDeposited
	case "WithdrawalRequested":
		return EventTypeWithdrawalRequested
	case "TendRequested":
		return EventTypeTendRequested
	case "ReportRequested":
		return EventTypeReportRequested
	case "ConfigUpdated":
		return EventTypeConfigUpdated
	case "PositionOpened":
		return EventTypePositionOpened
	case "PositionClosed":
		return EventTypePositionClosed
	case "Rebalanced":
		return EventTypeRebalanced
	case "WithdrawalCompleted":
		return EventTypeWithdrawalCompleted
	case "ReportHarvested":
		return EventTypeReportHarvested
	default:
		return EventTypeUnknown
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeFundsDeposited:
		return "FundsDeposited"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeTendRequested:
		return "TendRequested"
	case EventTypeReportRequested:
		return "ReportRequested"
	case EventTypeConfigUpdated:
		return "ConfigUpdated"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeRebalanced:
		return "Rebalanced"
	case EventTypeWithdrawalCompleted:
		return "WithdrawalCompleted"
	case EventTypeReportHarvested:
		return "ReportHarvested"
	default:
		return "Unknown"
	}
}
