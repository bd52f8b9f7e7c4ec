package core

import (
	"fmt"
	"time"

	"BondLadder/internal/event"
	"BondLadder/internal/observability"
	"BondLadder/internal/portfolio"
	"BondLadder/internal/rebalance"
	"BondLadder/internal/venue"
)

// StrategyCore is the single-threaded command processor
type StrategyCore struct {
	sequence          int64
	hasher            *StateHasher
	state             *portfolio.State
	venue             venue.StatefulVenue
	engine            *rebalance.Engine
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is what one applied command produces: the chained envelope,
// the derived outcome, and the portfolio view after the command. Replay
// regenerates all of it from the envelope payloads alone.
type CoreOutput struct {
	Envelope     *event.EventEnvelope
	Outcome      *event.Outcome
	Positions    []portfolio.Position
	Idle         int64
	RealizedGain int64

	// Ledger aggregates after the command. AvgMaturity is the ledger's
	// path-dependent running value; recomputing it from Positions gives a
	// different number, so projections must take it from here.
	TotalBonds  int64
	AvgMaturity int64
}

func NewStrategyCore(
	startSequence int64,
	v venue.StatefulVenue,
	policy rebalance.Policy,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	dedupCapacity int,
	metrics *observability.Metrics,
) *StrategyCore {
	state := portfolio.NewState()
	engine := rebalance.NewEngine(state, v, policy)

	if dedupCapacity <= 0 {
		dedupCapacity = 1_000_000
	}
	idempotencyChecker := NewIdempotencyChecker(dedupCapacity, dbChecker)
	sequenceValidator := NewSequenceValidator()

	return &StrategyCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		state:             state,
		venue:             v,
		engine:            engine,
		idempotency:       idempotencyChecker,
		sequenceValidator: sequenceValidator,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *StrategyCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()

	if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence").Inc()
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Encode the command payload. The envelope must carry enough
	// to re-derive everything on replay, so encode before any mutation.
	payload, err := event.EncodeCommand(evt)
	if err != nil {
		c.sequenceValidator.SetExpectedSequence(partition, sourceSequence)
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "encode").Inc()
		}
		return err
	}

	// Step 4: Capture the rollback point. A rejected command must leave
	// zero trace in either the portfolio or the venue, otherwise replaying
	// the log (which only holds accepted commands) diverges.
	stateSnap := c.state.Snapshot()
	venueSnap := c.venue.SnapshotState()

	// The core never reads the wall clock. The venue clock advances to the
	// command's own timestamp, so replay reproduces identical pricing.
	c.venue.SetTime(evt.OccurredAt().Unix())

	// Step 5: Command dispatch
	outcome, err := c.dispatchEvent(evt)
	if err != nil {
		// Roll everything back, the sequence cursor included: a rejected
		// command was never here, so a corrected retry may reuse its
		// source sequence.
		c.state.RestoreSnapshot(stateSnap)
		c.venue.RestoreState(venueSnap)
		c.sequenceValidator.SetExpectedSequence(partition, sourceSequence)
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 6: Post-checks
	if err := c.state.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Compute state digest
	hashStart := time.Now()
	stateDigest := c.state.CanonicalBytes()

	// Step 8: Compute state hash. Capture the chain tip first — ComputeHash
	// advances it.
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 9: Create envelope
	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      evt.OccurredAt(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:     envelope,
		Outcome:      outcome,
		Positions:    c.state.Ledger().Positions(),
		Idle:         c.state.Idle(),
		RealizedGain: c.state.RealizedGain(),
		TotalBonds:   c.state.Ledger().TotalBonds(),
		AvgMaturity:  c.state.Ledger().AvgMaturity(),
	}

	commandSeq := c.sequence
	c.sequence++

	// Step 10: Emit output.
	// Persistence: blocking send — the core stalls until the persistence
	// worker drains. This guarantees no accepted command is lost.
	c.persistChan <- output

	// Projections: non-blocking send — drop on full. Projection workers
	// can rebuild from the event log if they fall behind.
	select {
	case c.projectionChan <- output:
	default:
		// Dropped — projection will catch up via rebuild
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("portfolio").Inc()
		}
	}

	// Step 11: Emit derived events (PositionOpened, PositionClosed, ...)
	c.emitDerivedEvents(evt, commandSeq, outcome)

	// Step 12: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.recordOutcomeMetrics(evt, outcome)
	}

	return nil
}

func (c *StrategyCore) dispatchEvent(evt event.Event) (*event.Outcome, error) {
	switch e := evt.(type) {
	case *event.FundsDeposited:
		return c.handleFundsDeposited(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e)
	case *event.TendRequested:
		return c.handleTendRequested(e)
	case *event.ReportRequested:
		return c.handleReportRequested(e)
	case *event.ConfigUpdated:
		return c.handleConfigUpdated(e)
	default:
		return nil, fmt.Errorf("unknown command type: %T", evt)
	}
}

// handleFundsDeposited credits the idle balance, then tries to roll the new
// funds into the ladder. The credit always commits: the money has already
// arrived, so a venue refusal only defers deployment to the next keeper pass.
func (c *StrategyCore) handleFundsDeposited(evt *event.FundsDeposited) (*event.Outcome, error) {
	if err := c.state.CreditIdle(evt.Amount); err != nil {
		return nil, err
	}

	outcome := &event.Outcome{}

	venueSnap := c.venue.SnapshotState()
	res, err := c.engine.Tend()
	if err != nil {
		// Tend restored the portfolio; undo its venue side too, then
		// swallow the failure. The deposit itself stands.
		c.venue.RestoreState(venueSnap)
		if c.metrics != nil {
			c.metrics.RebalanceDeferred.Inc()
		}
		return outcome, nil
	}

	outcome.Rebalanced = res.Rebalanced
	outcome.Closed = closedData(res.Closed)
	outcome.Opened = openedData(res.Opened)
	return outcome, nil
}

// handleWithdrawalRequested frees enough to cover the request, closing
// matured rungs first and slicing the head rung if needed, then pays out
// what the idle balance covers. Freeing less than requested is a shortfall,
// not an error. A venue refusal forfeits the freeing pass instead of
// rejecting the command: the payout then covers only what idle already
// holds, and the shortfall is visible in the result.
func (c *StrategyCore) handleWithdrawalRequested(evt *event.WithdrawalRequested) (*event.Outcome, error) {
	if evt.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive: %d", evt.Amount)
	}

	var freed rebalance.FreeResult
	if idle := c.state.Idle(); idle < evt.Amount {
		target := evt.Amount - idle
		// The venue refuses closes below its minimum, so the smallest
		// freeable amount is one minimum-sized slice. Surplus stays idle.
		if minTx := c.venue.MinimumTransactionAmount(); target < minTx {
			target = minTx
		}
		venueSnap := c.venue.SnapshotState()
		res, err := c.engine.FreeFunds(target)
		if err != nil {
			// FreeFunds restored the portfolio; undo its venue side too.
			// The failure is deterministic, so the degraded payout replays
			// identically.
			c.venue.RestoreState(venueSnap)
			if c.metrics != nil {
				c.metrics.RebalanceDeferred.Inc()
			}
			res = rebalance.FreeResult{}
		}
		freed = res
	}

	paid := evt.Amount
	if idle := c.state.Idle(); idle < paid {
		paid = idle
	}
	if paid > 0 {
		if err := c.state.DebitIdle(paid); err != nil {
			return nil, err
		}
	}

	return &event.Outcome{
		Closed: closedData(freed.Closed),
		Withdrawal: &event.WithdrawalOutcome{
			WithdrawalID: evt.WithdrawalID,
			Requested:    evt.Amount,
			Freed:        freed.Freed,
			Paid:         paid,
		},
	}, nil
}

// handleTendRequested runs one maintenance cycle. A venue refusal defers the
// whole pass to the next keeper tick rather than rejecting the command; the
// failure is deterministic, so the logged no-op replays identically.
func (c *StrategyCore) handleTendRequested(evt *event.TendRequested) (*event.Outcome, error) {
	venueSnap := c.venue.SnapshotState()
	res, err := c.engine.Tend()
	if err != nil {
		c.venue.RestoreState(venueSnap)
		if c.metrics != nil {
			c.metrics.RebalanceDeferred.Inc()
		}
		return &event.Outcome{}, nil
	}

	return &event.Outcome{
		Rebalanced: res.Rebalanced,
		Closed:     closedData(res.Closed),
		Opened:     openedData(res.Opened),
	}, nil
}

func (c *StrategyCore) handleReportRequested(evt *event.ReportRequested) (*event.Outcome, error) {
	rep, err := c.engine.HarvestAndReport()
	if err != nil {
		return nil, fmt.Errorf("harvest report: %w", err)
	}

	if c.metrics != nil {
		c.metrics.ObservePortfolio(rep.Idle, rep.TotalValue, rep.RealizedGain, rep.TotalBonds, rep.Positions)
	}

	return &event.Outcome{
		Report: &event.ReportOutcome{
			TotalValue:   rep.TotalValue,
			Idle:         rep.Idle,
			Deployed:     rep.Deployed,
			RealizedGain: rep.RealizedGain,
			Positions:    rep.Positions,
			TotalBonds:   rep.TotalBonds,
			AvgMaturity:  rep.AvgMaturity,
		},
	}, nil
}

func (c *StrategyCore) handleConfigUpdated(evt *event.ConfigUpdated) (*event.Outcome, error) {
	policy := rebalance.Policy{
		MinOutput:            evt.MinOutput,
		MinAcceptablePrice:   evt.MinAcceptablePrice,
		PositionClosureLimit: evt.PositionClosureLimit,
		PartialClosureBuffer: evt.PartialClosureBuffer,
		ExtraData:            evt.ExtraData,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	c.engine.SetPolicy(policy)
	return &event.Outcome{}, nil
}

// emitDerivedEvents publishes informational envelopes for the ladder changes
// a command caused. They reference the parent command's sequence, carry no
// payload and no hash: replaying the parent regenerates them, so they live
// outside the hash chain and go to the projection channel only.
func (c *StrategyCore) emitDerivedEvents(evt event.Event, parentSeq int64, outcome *event.Outcome) {
	if outcome == nil {
		return
	}

	emit := func(eventType event.EventType, key string) {
		output := CoreOutput{
			Envelope: &event.EventEnvelope{
				Sequence:       parentSeq,
				IdempotencyKey: key,
				EventType:      eventType,
				Partition:      evt.Partition(),
				Timestamp:      evt.OccurredAt(),
			},
			Outcome: outcome,
		}

		// Non-blocking send to projection channel only (informational event)
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("portfolio").Inc()
			}
		}
	}

	for _, closed := range outcome.Closed {
		emit(event.EventTypePositionClosed,
			fmt.Sprintf("position_closed:%d:%d", closed.Maturity, parentSeq))
	}
	if outcome.Opened != nil {
		emit(event.EventTypePositionOpened,
			fmt.Sprintf("position_opened:%d:%d", outcome.Opened.Maturity, parentSeq))
	}
	if outcome.Rebalanced {
		emit(event.EventTypeRebalanced, fmt.Sprintf("rebalanced:%d", parentSeq))
	}
	if outcome.Withdrawal != nil {
		emit(event.EventTypeWithdrawalCompleted,
			fmt.Sprintf("withdrawal_completed:%s", outcome.Withdrawal.WithdrawalID))
	}
	if outcome.Report != nil {
		emit(event.EventTypeReportHarvested, fmt.Sprintf("report_harvested:%d", parentSeq))
	}
}

// recordOutcomeMetrics updates the rebalancing counters for one applied command.
func (c *StrategyCore) recordOutcomeMetrics(evt event.Event, outcome *event.Outcome) {
	if outcome == nil {
		return
	}

	var trigger string
	switch evt.(type) {
	case *event.FundsDeposited:
		trigger = "deposit"
	case *event.WithdrawalRequested:
		trigger = "withdrawal"
	case *event.TendRequested:
		trigger = "keeper"
	default:
		trigger = "other"
	}

	if len(outcome.Closed) > 0 || outcome.Opened != nil {
		c.metrics.RebalanceRuns.WithLabelValues(trigger).Inc()
	}

	for _, closed := range outcome.Closed {
		mode := "full"
		if closed.Partial {
			mode = "partial"
		}
		c.metrics.PositionsClosed.WithLabelValues(mode).Inc()
		c.metrics.RebalanceFreed.Add(float64(closed.Output))
	}

	if outcome.Opened != nil {
		c.metrics.PositionsOpened.Inc()
		c.metrics.RebalanceDeployed.Add(float64(outcome.Opened.Spent))
	}

	if outcome.Withdrawal != nil && outcome.Withdrawal.Paid < outcome.Withdrawal.Requested {
		c.metrics.WithdrawalShortfall.Inc()
	}
}

func closedData(closed []rebalance.ClosedPosition) []event.PositionClosedData {
	if len(closed) == 0 {
		return nil
	}
	out := make([]event.PositionClosedData, len(closed))
	for i, cp := range closed {
		out[i] = event.PositionClosedData{
			Maturity:     cp.Maturity,
			Quantity:     cp.Quantity,
			Output:       cp.Output,
			RealizedGain: cp.RealizedGain,
			Partial:      cp.Partial,
		}
	}
	return out
}

func openedData(opened *rebalance.OpenedPosition) *event.PositionOpenedData {
	if opened == nil {
		return nil
	}
	return &event.PositionOpenedData{
		Maturity: opened.Maturity,
		Quantity: opened.Quantity,
		Spent:    opened.Spent,
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Portfolio       portfolio.StateSnapshot
	Venue           venue.SimState
	Policy          rebalance.Policy
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart, load the latest snapshot then replay events past it.
func (c *StrategyCore) RestoreFromSnapshot(snap *SnapshotState) {
	// Restore sequence
	c.sequence = snap.Sequence + 1 // Next sequence to assign

	// Restore state hash chain
	c.hasher.SetPrevHash(snap.StateHash)

	// Restore portfolio, venue, and policy
	c.state.RestoreSnapshot(snap.Portfolio)
	c.venue.RestoreState(snap.Venue)
	c.engine.SetPolicy(snap.Policy)

	// Restore sequence validator state
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache to avoid
// cold-path DB lookups for recently processed commands. Only keys recorded
// at or before the snapshot sequence may be warmed before replay: a key
// from a command that still needs replaying would make that command look
// like a duplicate and skip its state transition.
func (c *StrategyCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// AttachDBChecker wires the Postgres dedup tier after recovery. Replay has
// to run without it: every replayed command already sits in the event log,
// so the cold-path lookup would flag the log's own rows as duplicates.
func (c *StrategyCore) AttachDBChecker(checker DBIdempotencyChecker) {
	c.idempotency.dbChecker = checker
}

// GetSequence returns the current global sequence number.
func (c *StrategyCore) GetSequence() int64 {
	return c.sequence
}

// GetExpectedSequence returns the next source sequence the core will accept
// on a partition. The command submitter seeds its counters from this after
// recovery.
func (c *StrategyCore) GetExpectedSequence(partition string) int64 {
	return c.sequenceValidator.GetExpectedSequence(partition)
}

// GetStateHash returns the current state hash (chain tip).
func (c *StrategyCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *StrategyCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Portfolio:       c.state.Snapshot(),
		Venue:           c.venue.SnapshotState(),
		Policy:          c.engine.Policy(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
