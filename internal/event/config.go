package event

import (
	"time"

	"github.com/google/uuid"
)

// ConfigUpdated replaces the engine policy at runtime. All fields are
// absolute values, not deltas.
type ConfigUpdated struct {
	UpdateID             uuid.UUID `json:"update_id"`
	MinOutput            int64     `json:"min_output"`
	MinAcceptablePrice   int64     `json:"min_acceptable_price"`
	PositionClosureLimit int       `json:"position_closure_limit"`
	PartialClosureBuffer int64     `json:"partial_closure_buffer"`
	ExtraData            []byte    `json:"extra_data,omitempty"`
	Sequence             int64     `json:"sequence"`
	Timestamp            time.Time `json:"timestamp"`
}

func (c *ConfigUpdated) IdempotencyKey() string {
	return c.UpdateID.String()
}

func (c *ConfigUpdated) EventType() EventType {
	return EventTypeConfigUpdated
}

func (c *ConfigUpdated) Partition() string {
	return PartitionConfig
}

func (c *ConfigUpdated) SourceSequence() int64 {
	return c.Sequence
}

func (c *ConfigUpdated) OccurredAt() time.Time {
	return c.Timestamp
}
