package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"BondLadder/internal/event"
)

// CommandSubmitter injects typed commands into the core's event channel
// without crossing the wire. The keeper and the HTTP admin surface use it;
// high-throughput host traffic goes through NATS instead.
//
// The submitter owns source-sequence assignment for the keeper and config
// partitions. Assignment and channel hand-off happen under one lock, so the
// sequence a command carries always matches its delivery order, and a
// counter only advances once its command is actually in the channel.
type CommandSubmitter struct {
	eventChan chan<- event.Event

	mu         sync.Mutex
	keeperNext int64
	configNext int64
}

func NewCommandSubmitter(eventChan chan<- event.Event) *CommandSubmitter {
	return &CommandSubmitter{eventChan: eventChan}
}

// SeedSequences sets the next keeper and config source sequences. Call once
// after recovery, with the core's expected sequences, before any submission.
func (s *CommandSubmitter) SeedSequences(keeperNext, configNext int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keeperNext = keeperNext
	s.configNext = configNext
}

// SubmitDeposit injects a FundsDeposited command on behalf of the host. The
// host supplies the funds-partition sequence; the submitter never assigns it.
func (s *CommandSubmitter) SubmitDeposit(ctx context.Context, depositID uuid.UUID, amount, sequence int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if sequence < 0 {
		return fmt.Errorf("sequence must not be negative")
	}

	evt := &event.FundsDeposited{
		DepositID: depositID,
		Amount:    amount,
		Sequence:  sequence,
		Timestamp: time.Now(),
	}
	return s.send(ctx, evt)
}

// SubmitWithdrawal injects a WithdrawalRequested command on behalf of the
// host, with the host-supplied funds-partition sequence.
func (s *CommandSubmitter) SubmitWithdrawal(ctx context.Context, withdrawalID uuid.UUID, amount, sequence int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if sequence < 0 {
		return fmt.Errorf("sequence must not be negative")
	}

	evt := &event.WithdrawalRequested{
		WithdrawalID: withdrawalID,
		Amount:       amount,
		Sequence:     sequence,
		Timestamp:    time.Now(),
	}
	return s.send(ctx, evt)
}

// SubmitTend injects a maintenance command on the keeper partition.
func (s *CommandSubmitter) SubmitTend(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt := &event.TendRequested{
		RequestID: uuid.New(),
		Sequence:  s.keeperNext,
		Timestamp: time.Now(),
	}
	if err := s.send(ctx, evt); err != nil {
		return err
	}
	s.keeperNext++
	return nil
}

// SubmitReport injects a valuation command on the keeper partition.
func (s *CommandSubmitter) SubmitReport(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt := &event.ReportRequested{
		RequestID: uuid.New(),
		Sequence:  s.keeperNext,
		Timestamp: time.Now(),
	}
	if err := s.send(ctx, evt); err != nil {
		return err
	}
	s.keeperNext++
	return nil
}

// ConfigUpdate carries the policy fields for SubmitConfigUpdate. All fields
// are absolute values, not deltas.
type ConfigUpdate struct {
	MinOutput            int64
	MinAcceptablePrice   int64
	PositionClosureLimit int
	PartialClosureBuffer int64
	ExtraData            []byte
}

// SubmitConfigUpdate injects a policy replacement on the config partition.
// Callers must validate the policy first: a command the core rejects does
// not advance its cursor, while this counter cannot tell and would drift.
func (s *CommandSubmitter) SubmitConfigUpdate(ctx context.Context, upd ConfigUpdate) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt := &event.ConfigUpdated{
		UpdateID:             uuid.New(),
		MinOutput:            upd.MinOutput,
		MinAcceptablePrice:   upd.MinAcceptablePrice,
		PositionClosureLimit: upd.PositionClosureLimit,
		PartialClosureBuffer: upd.PartialClosureBuffer,
		ExtraData:            upd.ExtraData,
		Sequence:             s.configNext,
		Timestamp:            time.Now(),
	}
	if err := s.send(ctx, evt); err != nil {
		return uuid.Nil, err
	}
	s.configNext++
	return evt.UpdateID, nil
}

// send blocks until the channel accepts the command or ctx is done. Sequenced
// callers hold mu across the call so commands enter in assignment order.
func (s *CommandSubmitter) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
