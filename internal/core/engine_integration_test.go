package core_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BondLadder/internal/core"
	"BondLadder/internal/event"
	"BondLadder/internal/rebalance"
	"BondLadder/internal/venue"
)

const (
	testTerm       int64 = 31_536_000
	testCheckpoint int64 = 86_400
	testStart      int64 = 1_700_000_000
	testMinTx      int64 = 1_000_000
)

// --- Test helpers ---

func newTestVenue(t *testing.T) *venue.SimVenue {
	t.Helper()
	v, err := venue.NewSimVenue(venue.SimConfig{
		Term:               testTerm,
		CheckpointInterval: testCheckpoint,
		AnnualRate:         decimal.RequireFromString("0.05"),
		Spread:             decimal.RequireFromString("0.002"),
		PreviewHaircut:     decimal.RequireFromString("0.0005"),
		MinTxAmount:        testMinTx,
		Capacity:           1_000_000_000_000_000,
		StartTime:          testStart,
	})
	if err != nil {
		t.Fatalf("NewSimVenue failed: %v", err)
	}
	return v
}

// newTestCore creates a StrategyCore with buffered channels and no DB checker.
func newTestCore(t *testing.T) (*core.StrategyCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewStrategyCore(0, newTestVenue(t), rebalance.DefaultPolicy(), persistChan, projChan, nil, 0, nil)
	return c, persistChan, projChan
}

func mustDeposit(amount, seq, at int64) *event.FundsDeposited {
	return &event.FundsDeposited{
		DepositID: uuid.New(),
		Amount:    amount,
		Sequence:  seq,
		Timestamp: time.Unix(at, 0),
	}
}

func mustWithdraw(amount, seq, at int64) *event.WithdrawalRequested {
	return &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		Amount:       amount,
		Sequence:     seq,
		Timestamp:    time.Unix(at, 0),
	}
}

func mustTend(seq, at int64) *event.TendRequested {
	return &event.TendRequested{
		RequestID: uuid.New(),
		Sequence:  seq,
		Timestamp: time.Unix(at, 0),
	}
}

func mustReport(seq, at int64) *event.ReportRequested {
	return &event.ReportRequested{
		RequestID: uuid.New(),
		Sequence:  seq,
		Timestamp: time.Unix(at, 0),
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Deposit Flow
// ============================================================================

func TestDeposit_DeploysIntoLadder(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	out := outputs[0]
	if out.Outcome == nil || out.Outcome.Opened == nil {
		t.Fatal("expected the deposit to open a position")
	}
	if out.Outcome.Opened.Spent != 1_000_000_000 {
		t.Errorf("expected full deposit deployed, spent %d", out.Outcome.Opened.Spent)
	}
	if !out.Outcome.Rebalanced {
		t.Error("expected Rebalanced outcome")
	}
	if out.Idle != 0 {
		t.Errorf("expected zero idle after deploy, got %d", out.Idle)
	}
	if len(out.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(out.Positions))
	}
	if out.Positions[0].Quantity <= 1_000_000_000 {
		t.Errorf("bonds trade below face before maturity, want quantity > spend, got %d", out.Positions[0].Quantity)
	}
	if got := c.GetSequence(); got != 1 {
		t.Errorf("expected sequence 1 after one command, got %d", got)
	}
}

func TestDeposit_BelowVenueMinimumStaysIdle(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	err := c.ProcessEvent(mustDeposit(500_000, 0, testStart))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	out := outputs[0]
	if out.Outcome.Opened != nil {
		t.Error("expected no position below the venue minimum")
	}
	if out.Idle != 500_000 {
		t.Errorf("expected deposit to stay idle, got %d", out.Idle)
	}
	if len(out.Positions) != 0 {
		t.Errorf("expected empty ladder, got %d positions", len(out.Positions))
	}
}

func TestMultipleDeposits_SequencesAdvance(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	for i := int64(0); i < 5; i++ {
		err := c.ProcessEvent(mustDeposit(100_000_000, i, testStart+i*60))
		if err != nil {
			t.Fatalf("ProcessEvent %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}

	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
	}

	// All five land in the same maturity checkpoint, so the ladder merges
	// them into a single rung.
	last := outputs[4]
	if len(last.Positions) != 1 {
		t.Errorf("expected merged single rung, got %d positions", len(last.Positions))
	}
}

// ============================================================================
// Test: Withdrawal Flow
// ============================================================================

func TestWithdrawal_PaysFromIdle(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	// Below the venue minimum, so the deposit stays idle.
	if err := c.ProcessEvent(mustDeposit(500_000, 0, testStart)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustWithdraw(300_000, 1, testStart+60))
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	wd := outputs[0].Outcome.Withdrawal
	if wd == nil {
		t.Fatal("expected a withdrawal outcome")
	}
	if wd.Paid != 300_000 {
		t.Errorf("expected paid 300_000, got %d", wd.Paid)
	}
	if wd.Freed != 0 {
		t.Errorf("idle covered the request, expected freed 0, got %d", wd.Freed)
	}
	if len(outputs[0].Outcome.Closed) != 0 {
		t.Errorf("expected no closes, got %d", len(outputs[0].Outcome.Closed))
	}
	if outputs[0].Idle != 200_000 {
		t.Errorf("expected idle 200_000 after payout, got %d", outputs[0].Idle)
	}
}

func TestWithdrawal_SlicesDeployedLadder(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	if err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustWithdraw(100_000_000, 1, testStart+60))
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	out := outputs[0]
	wd := out.Outcome.Withdrawal
	if wd == nil {
		t.Fatal("expected a withdrawal outcome")
	}
	if wd.Paid != 100_000_000 {
		t.Errorf("expected full payout 100_000_000, got %d", wd.Paid)
	}
	if wd.Freed < 100_000_000 {
		t.Errorf("expected at least the target freed, got %d", wd.Freed)
	}
	if len(out.Outcome.Closed) != 1 {
		t.Fatalf("expected exactly one close, got %d", len(out.Outcome.Closed))
	}
	if !out.Outcome.Closed[0].Partial {
		t.Error("expected a partial close, head value far exceeds the target")
	}
	if len(out.Positions) != 1 {
		t.Errorf("expected the rung to survive the slice, got %d positions", len(out.Positions))
	}
}

func TestWithdrawal_ShortfallPaysWhatItCan(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	// Empty portfolio: nothing idle, nothing deployed.
	err := c.ProcessEvent(mustWithdraw(1_000_000, 0, testStart))
	if err != nil {
		t.Fatalf("shortfall must not reject the command: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	wd := outputs[0].Outcome.Withdrawal
	if wd.Requested != 1_000_000 {
		t.Errorf("expected requested 1_000_000, got %d", wd.Requested)
	}
	if wd.Freed != 0 || wd.Paid != 0 {
		t.Errorf("expected zero freed and paid, got freed=%d paid=%d", wd.Freed, wd.Paid)
	}
}

// ============================================================================
// Test: Keeper Flow (Tend / Report)
// ============================================================================

func TestTend_RollsMaturedRung(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	if err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	firstMaturity := drainOutputs(persistCh)[0].Positions[0].Maturity

	// Keeper fires after maturity: the rung redeems at face and the
	// proceeds roll into a fresh rung.
	err := c.ProcessEvent(mustTend(0, testStart+testTerm+testCheckpoint))
	if err != nil {
		t.Fatalf("tend failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	out := outputs[0]
	if len(out.Outcome.Closed) != 1 || out.Outcome.Closed[0].Partial {
		t.Fatalf("expected one full close, got %+v", out.Outcome.Closed)
	}
	if out.Outcome.Closed[0].RealizedGain <= 0 {
		t.Errorf("redeeming at face must realize a gain, got %d", out.Outcome.Closed[0].RealizedGain)
	}
	if out.Outcome.Opened == nil {
		t.Fatal("expected the proceeds to roll into a new rung")
	}
	if out.Outcome.Opened.Maturity <= firstMaturity {
		t.Errorf("rolled maturity %d not beyond %d", out.Outcome.Opened.Maturity, firstMaturity)
	}
	if out.RealizedGain <= 0 {
		t.Errorf("expected positive cumulative gain, got %d", out.RealizedGain)
	}
}

func TestTend_NothingToDo(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	err := c.ProcessEvent(mustTend(0, testStart))
	if err != nil {
		t.Fatalf("tend failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("idle tend still belongs in the log, got %d outputs", len(outputs))
	}
	if outputs[0].Outcome.Rebalanced {
		t.Error("expected no rebalance on an empty portfolio")
	}
}

func TestTend_VenueRefusalLogsNoOp(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	// A price floor above any execution price makes every open refuse.
	floor := &event.ConfigUpdated{
		UpdateID:             uuid.New(),
		MinAcceptablePrice:   2_000_000,
		PartialClosureBuffer: 1_000,
		Sequence:             0,
		Timestamp:            time.Unix(testStart, 0),
	}
	if err := c.ProcessEvent(floor); err != nil {
		t.Fatalf("config update failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// The refused pass still occupies its slot in the log: the command is
	// accepted, consumes its sequence, and records an empty outcome.
	if err := c.ProcessEvent(mustTend(0, testStart+60)); err != nil {
		t.Fatalf("venue refusal must not reject the tend: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	out := outputs[0]
	if out.Outcome.Rebalanced || out.Outcome.Opened != nil || len(out.Outcome.Closed) != 0 {
		t.Errorf("expected an empty outcome, got %+v", out.Outcome)
	}
	if out.Idle != 1_000_000_000 {
		t.Errorf("expected idle untouched, got %d", out.Idle)
	}
	if got := c.GetSequence(); got != 3 {
		t.Errorf("expected sequence 3, got %d", got)
	}

	// The keeper cursor advanced past the refused pass.
	if err := c.ProcessEvent(mustTend(1, testStart+120)); err != nil {
		t.Fatalf("next keeper command failed: %v", err)
	}
}

func TestWithdrawal_VenueRefusalPaysFromIdle(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	if err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart)); err != nil {
		t.Fatalf("deploy deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(500_000, 1, testStart+30)); err != nil {
		t.Fatalf("idle deposit failed: %v", err)
	}
	// An output floor no close can meet: freeing from the ladder will refuse.
	floor := &event.ConfigUpdated{
		UpdateID:             uuid.New(),
		MinOutput:            1_000_000_000_000,
		PartialClosureBuffer: 1_000,
		Sequence:             0,
		Timestamp:            time.Unix(testStart+40, 0),
	}
	if err := c.ProcessEvent(floor); err != nil {
		t.Fatalf("config update failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustWithdraw(100_000_000, 2, testStart+60))
	if err != nil {
		t.Fatalf("venue refusal must not reject the withdrawal: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	out := outputs[0]
	wd := out.Outcome.Withdrawal
	if wd == nil {
		t.Fatal("expected a withdrawal outcome")
	}
	if wd.Freed != 0 {
		t.Errorf("expected nothing freed, got %d", wd.Freed)
	}
	if wd.Paid != 500_000 {
		t.Errorf("expected the idle balance paid out, got %d", wd.Paid)
	}
	if len(out.Outcome.Closed) != 0 {
		t.Errorf("expected no closes, got %d", len(out.Outcome.Closed))
	}
	if len(out.Positions) != 1 {
		t.Fatalf("expected the rung untouched, got %d positions", len(out.Positions))
	}
	if out.Idle != 0 {
		t.Errorf("expected idle drained by the payout, got %d", out.Idle)
	}
}

func TestReport_ReadsWithoutMutating(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	if err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	positionsBefore := drainOutputs(persistCh)[0].Positions

	err := c.ProcessEvent(mustReport(0, testStart+60))
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	rep := outputs[0].Outcome.Report
	if rep == nil {
		t.Fatal("expected a report outcome")
	}
	if rep.Positions != 1 {
		t.Errorf("expected 1 position in report, got %d", rep.Positions)
	}
	if rep.TotalValue != rep.Idle+rep.Deployed {
		t.Errorf("total %d != idle %d + deployed %d", rep.TotalValue, rep.Idle, rep.Deployed)
	}
	if rep.Deployed <= 0 {
		t.Errorf("expected positive deployed value, got %d", rep.Deployed)
	}

	after := outputs[0].Positions
	if len(after) != len(positionsBefore) || after[0] != positionsBefore[0] {
		t.Error("report must not change the ladder")
	}
}

// ============================================================================
// Test: Config Flow
// ============================================================================

func TestConfigUpdate_PriceFloorBlocksDeployment(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	// Price floor above any possible execution price: opens will be refused.
	cfg := &event.ConfigUpdated{
		UpdateID:             uuid.New(),
		MinAcceptablePrice:   2_000_000,
		PartialClosureBuffer: 1_000,
		Sequence:             0,
		Timestamp:            time.Unix(testStart, 0),
	}
	if err := c.ProcessEvent(cfg); err != nil {
		t.Fatalf("config update failed: %v", err)
	}
	drainOutputs(persistCh)

	// The deposit still commits; deployment is deferred, not refused.
	err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart+60))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	out := outputs[0]
	if out.Outcome.Opened != nil {
		t.Error("expected deployment blocked by the price floor")
	}
	if out.Idle != 1_000_000_000 {
		t.Errorf("expected the deposit to stay idle, got %d", out.Idle)
	}
}

func TestConfigUpdate_InvalidRejectedWithoutTrace(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	hashBefore := c.GetStateHash()

	bad := &event.ConfigUpdated{
		UpdateID:             uuid.New(),
		MinOutput:            -1,
		PartialClosureBuffer: 1_000,
		Sequence:             0,
		Timestamp:            time.Unix(testStart, 0),
	}
	if err := c.ProcessEvent(bad); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("rejected command must not reach the log, got %d outputs", len(outputs))
	}
	if c.GetSequence() != 0 {
		t.Errorf("rejected command must not consume a sequence, got %d", c.GetSequence())
	}
	if c.GetStateHash() != hashBefore {
		t.Error("rejected command must not advance the hash chain")
	}

	// The source sequence cursor rewound, so a corrected retry reuses it.
	good := &event.ConfigUpdated{
		UpdateID:             uuid.New(),
		PartialClosureBuffer: 1_000,
		Sequence:             0,
		Timestamp:            time.Unix(testStart, 0),
	}
	if err := c.ProcessEvent(good); err != nil {
		t.Fatalf("corrected retry with the same source sequence failed: %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateDepositIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	deposit := mustDeposit(500_000, 0, testStart)

	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 1 {
		t.Fatalf("expected 1 output on first process, got %d", len(outputs))
	}

	// Redelivery of the same command is silently ignored.
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("duplicate deposit should not error: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", len(outputs))
	}
	if c.GetSequence() != 1 {
		t.Errorf("duplicate must not consume a sequence, got %d", c.GetSequence())
	}
}

// ============================================================================
// Test: Sequence Validation
// ============================================================================

func TestSequenceValidation_GapDetectedThenRecovered(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	if err := c.ProcessEvent(mustDeposit(500_000, 0, testStart)); err != nil {
		t.Fatalf("seq 0 failed: %v", err)
	}
	drainOutputs(persistCh)

	// Skip seq 1, send seq 2: gap detected.
	if err := c.ProcessEvent(mustDeposit(500_000, 2, testStart+120)); err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}

	// A gap rejection must not advance the cursor: 1 then 2 succeed.
	if err := c.ProcessEvent(mustDeposit(500_000, 1, testStart+60)); err != nil {
		t.Fatalf("seq 1 failed after gap rejection: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(500_000, 2, testStart+120)); err != nil {
		t.Fatalf("seq 2 failed after filling the gap: %v", err)
	}
}

func TestSequenceValidation_OutOfOrderNewCommandRejected(t *testing.T) {
	c, _, _ := newTestCore(t)

	if err := c.ProcessEvent(mustDeposit(500_000, 0, testStart)); err != nil {
		t.Fatalf("seq 0 failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(500_000, 1, testStart+60)); err != nil {
		t.Fatalf("seq 1 failed: %v", err)
	}

	// A NEW command (fresh idempotency key) with a consumed sequence is
	// out-of-order, not a duplicate.
	if err := c.ProcessEvent(mustDeposit(500_000, 0, testStart+120)); err == nil {
		t.Fatal("expected out-of-order rejection, got nil")
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	events := []event.Event{
		mustDeposit(1_000_000_000, 0, testStart),
		mustTend(0, testStart+testTerm+testCheckpoint),
		mustWithdraw(200_000_000, 1, testStart+testTerm+testCheckpoint+60),
	}

	run := func() [][32]byte {
		c, persistCh, _ := newTestCore(t)
		for i, evt := range events {
			if err := c.ProcessEvent(evt); err != nil {
				t.Fatalf("ProcessEvent %d failed: %v", i, err)
			}
		}
		outputs := drainOutputs(persistCh)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := run()
	hashes2 := run()

	if len(hashes1) != len(hashes2) {
		t.Fatalf("different number of outputs: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

func TestReplay_ReconstructsStateFromEnvelopes(t *testing.T) {
	c1, persistCh, _ := newTestCore(t)

	commands := []event.Event{
		mustDeposit(1_000_000_000, 0, testStart),
		mustTend(0, testStart+testTerm+testCheckpoint),
		mustWithdraw(200_000_000, 1, testStart+testTerm+testCheckpoint+60),
		mustReport(1, testStart+testTerm+testCheckpoint+120),
	}
	for i, cmd := range commands {
		if err := c1.ProcessEvent(cmd); err != nil {
			t.Fatalf("live ProcessEvent %d failed: %v", i, err)
		}
	}
	envelopes := drainOutputs(persistCh)
	if len(envelopes) != 4 {
		t.Fatalf("expected 4 envelopes, got %d", len(envelopes))
	}

	// A fresh core fed only the persisted payloads must arrive at the
	// same chain tip.
	c2, _, _ := newTestCore(t)
	for i, out := range envelopes {
		cmd, err := event.DecodeCommand(out.Envelope.EventType, out.Envelope.Payload)
		if err != nil {
			t.Fatalf("decode envelope %d: %v", i, err)
		}
		if err := c2.ProcessEvent(cmd); err != nil {
			t.Fatalf("replay ProcessEvent %d failed: %v", i, err)
		}
		if got, want := c2.GetStateHash(), out.Envelope.StateHash; got != want {
			t.Fatalf("replay hash diverged at %d: %x vs %x", i, got, want)
		}
	}

	if c1.GetSequence() != c2.GetSequence() {
		t.Errorf("sequence mismatch after replay: %d vs %d", c1.GetSequence(), c2.GetSequence())
	}
	if c1.GetStateHash() != c2.GetStateHash() {
		t.Error("chain tip mismatch after replay")
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshotRestore_ContinuesChain(t *testing.T) {
	c1, persist1, _ := newTestCore(t)

	if err := c1.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c1.ProcessEvent(mustTend(0, testStart+testTerm+testCheckpoint)); err != nil {
		t.Fatalf("tend failed: %v", err)
	}
	drainOutputs(persist1)

	snap := c1.CreateSnapshotState()
	if snap.Sequence != 1 {
		t.Errorf("expected snapshot at sequence 1, got %d", snap.Sequence)
	}

	c2, persist2, _ := newTestCore(t)
	c2.RestoreFromSnapshot(snap)
	if c2.GetSequence() != c1.GetSequence() {
		t.Fatalf("restored sequence %d != live %d", c2.GetSequence(), c1.GetSequence())
	}
	if c2.GetStateHash() != c1.GetStateHash() {
		t.Fatal("restored chain tip differs")
	}

	// The same next command must produce identical envelopes on both:
	// the restored venue clock and holdings price the close identically.
	next := mustWithdraw(300_000_000, 1, testStart+testTerm+testCheckpoint+60)
	if err := c1.ProcessEvent(next); err != nil {
		t.Fatalf("live next command failed: %v", err)
	}
	if err := c2.ProcessEvent(next); err != nil {
		t.Fatalf("restored next command failed: %v", err)
	}

	env1 := drainOutputs(persist1)[0].Envelope
	env2 := drainOutputs(persist2)[0].Envelope
	if env1.StateHash != env2.StateHash {
		t.Errorf("diverged after restore: %x vs %x", env1.StateHash, env2.StateHash)
	}
	if env1.Sequence != env2.Sequence {
		t.Errorf("sequence diverged after restore: %d vs %d", env1.Sequence, env2.Sequence)
	}
}

// ============================================================================
// Test: Envelope Integrity
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	deposit := mustDeposit(500_000, 0, testStart)
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	env := drainOutputs(persistCh)[0].Envelope

	if env.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", env.Sequence)
	}
	if env.IdempotencyKey != deposit.IdempotencyKey() {
		t.Errorf("idempotency key mismatch: %s vs %s", env.IdempotencyKey, deposit.IdempotencyKey())
	}
	if env.EventType != event.EventTypeFundsDeposited {
		t.Errorf("event type mismatch: %v", env.EventType)
	}
	if env.Partition != event.PartitionFunds {
		t.Errorf("expected funds partition, got %q", env.Partition)
	}
	if !env.Timestamp.Equal(deposit.Timestamp) {
		t.Errorf("timestamp mismatch: %v vs %v", env.Timestamp, deposit.Timestamp)
	}

	var zero [32]byte
	if env.StateHash == zero {
		t.Error("state hash should not be zero")
	}
	if env.PrevHash == env.StateHash {
		t.Error("prev hash must be the tip before this command")
	}

	decoded, err := event.DecodeCommand(env.EventType, env.Payload)
	if err != nil {
		t.Fatalf("payload must round-trip: %v", err)
	}
	if got := decoded.(*event.FundsDeposited).Amount; got != 500_000 {
		t.Errorf("decoded amount mismatch: %d", got)
	}
}

// ============================================================================
// Test: Derived Events & Projection Channel
// ============================================================================

func TestDerivedEvents_EmittedToProjections(t *testing.T) {
	c, _, projCh := newTestCore(t)

	if err := c.ProcessEvent(mustDeposit(1_000_000_000, 0, testStart)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	outputs := drainOutputs(projCh)
	if len(outputs) != 3 {
		t.Fatalf("expected primary + PositionOpened + Rebalanced, got %d", len(outputs))
	}

	if outputs[0].Envelope.EventType != event.EventTypeFundsDeposited {
		t.Errorf("first projection output should be the command, got %v", outputs[0].Envelope.EventType)
	}
	if outputs[1].Envelope.EventType != event.EventTypePositionOpened {
		t.Errorf("expected PositionOpened, got %v", outputs[1].Envelope.EventType)
	}
	if outputs[2].Envelope.EventType != event.EventTypeRebalanced {
		t.Errorf("expected Rebalanced, got %v", outputs[2].Envelope.EventType)
	}

	for _, derived := range outputs[1:] {
		if derived.Envelope.Sequence != 0 {
			t.Errorf("derived events reference the parent sequence, got %d", derived.Envelope.Sequence)
		}
		if derived.Envelope.Payload != nil {
			t.Error("derived events carry no payload")
		}
		if derived.Outcome == nil || derived.Outcome.Opened == nil {
			t.Error("derived events share the parent outcome")
		}
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // Tiny buffer — will fill up
	c := core.NewStrategyCore(0, newTestVenue(t), rebalance.DefaultPolicy(), persistCh, projCh, nil, 0, nil)

	for i := int64(0); i < 5; i++ {
		err := c.ProcessEvent(mustDeposit(100_000_000, i, testStart+i*60))
		if err != nil {
			t.Fatalf("ProcessEvent %d failed: %v", i, err)
		}
	}

	// All 5 should succeed (projection drops are silent).
	persistOutputs := drainOutputs(persistCh)
	if len(persistOutputs) != 5 {
		t.Errorf("expected 5 persist outputs, got %d", len(persistOutputs))
	}
}
