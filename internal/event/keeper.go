package event

import (
	"time"

	"github.com/google/uuid"
)

// TendRequested is the keeper's maintenance heartbeat: close matured rungs,
// roll proceeds forward.
type TendRequested struct {
	RequestID uuid.UUID `json:"request_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *TendRequested) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *TendRequested) EventType() EventType {
	return EventTypeTendRequested
}

func (r *TendRequested) Partition() string {
	return PartitionKeeper
}

func (r *TendRequested) SourceSequence() int64 {
	return r.Sequence
}

func (r *TendRequested) OccurredAt() time.Time {
	return r.Timestamp
}

// ReportRequested asks the core for a portfolio valuation snapshot.
type ReportRequested struct {
	RequestID uuid.UUID `json:"request_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *ReportRequested) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *ReportRequested) EventType() EventType {
	return EventTypeReportRequested
}

func (r *ReportRequested) Partition() string {
	return PartitionKeeper
}

func (r *ReportRequested) SourceSequence() int64 {
	return r.Sequence
}

func (r *ReportRequested) OccurredAt() time.Time {
	return r.Timestamp
}
