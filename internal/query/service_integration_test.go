package query

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"BondLadder/internal/persistence"
	"BondLadder/internal/projection"
	"BondLadder/internal/testutil"
)

func setupIntegration(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	testutil.TruncateAll(t, db)
	return db
}

func seedEventChain(t *testing.T, db *sql.DB, events []persistence.EventRow, actions []persistence.ActionRow) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	w := persistence.NewEventLogWriter(db)
	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := w.WriteActionBatch(ctx, tx, actions); err != nil {
		t.Fatalf("write actions: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func runProjection(t *testing.T, db *sql.DB, outputs ...projection.ProjectionOutput) {
	t.Helper()
	ch := make(chan projection.ProjectionOutput, len(outputs))
	worker := projection.NewWorker(db, ch, nil)

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()
	for _, out := range outputs {
		ch <- out
	}
	close(ch)
	if err := <-done; err != nil {
		t.Fatalf("projection worker: %v", err)
	}
}

func TestQueryServiceAgainstPostgres(t *testing.T) {
	db := setupIntegration(t)
	ctx := context.Background()

	const maturity = int64(1_700_000_000)
	now := time.Now().UTC().Truncate(time.Microsecond)

	hash0 := []byte{0xAA, 0x01}
	hash1 := []byte{0xBB, 0x02}
	hash2 := []byte{0xCC, 0x03}

	// 100 asset deposited, 100.0 bonds bought at 0.9995, 0.05 asset left idle.
	seedEventChain(t, db,
		[]persistence.EventRow{
			{
				Sequence: 0, EventType: "deposit", IdempotencyKey: "funds-0", Partition: "funds",
				Payload: []byte(`{"amount":100000000}`), StateHash: hash0, PrevHash: []byte{0x00},
				Timestamp: now, SourceSequence: 0,
			},
			{
				Sequence: 1, EventType: "tend", IdempotencyKey: "keeper-0", Partition: "keeper",
				Payload: []byte(`{}`), StateHash: hash1, PrevHash: hash0,
				Timestamp: now.Add(time.Second), SourceSequence: 0,
			},
			{
				Sequence: 2, EventType: "report", IdempotencyKey: "keeper-1", Partition: "keeper",
				Payload:   []byte(`{}`),
				Outcome:   []byte(`{"report":{"total_value":100005000,"idle":50000,"deployed":99955000,"realized_gain":0,"positions":1,"total_bonds":100000000,"avg_maturity":1700000000}}`),
				StateHash: hash2, PrevHash: hash1,
				Timestamp: now.Add(2 * time.Second), SourceSequence: 1,
			},
		},
		[]persistence.ActionRow{
			{
				ActionID: "11111111-1111-1111-1111-111111111111", Sequence: 1, Action: "open",
				Maturity: maturity, Quantity: 100_000_000, Amount: 99_950_000, Timestamp: now.Add(time.Second),
			},
		},
	)

	rung := projection.PositionRow{Maturity: maturity, Quantity: 100_000_000, AvgEntryPrice: 999_500}
	runProjection(t, db,
		projection.ProjectionOutput{
			Sequence: 1, EventType: "tend", Timestamp: now.Add(time.Second).UnixMicro(),
			Positions: []projection.PositionRow{rung},
			Idle:      50_000, TotalBonds: 100_000_000, AvgMaturity: maturity,
		},
		projection.ProjectionOutput{
			Sequence: 2, EventType: "report", Timestamp: now.Add(2 * time.Second).UnixMicro(),
			Positions: []projection.PositionRow{rung},
			Idle:      50_000, TotalBonds: 100_000_000, AvgMaturity: maturity,
			Report: &projection.ReportEntry{
				TotalValue: 100_005_000, Idle: 50_000, Deployed: 99_955_000,
				Positions: 1, TotalBonds: 100_000_000, AvgMaturity: maturity,
			},
		},
	)

	svc := NewQueryService(db, nil)

	portfolio, err := svc.GetPortfolio(ctx)
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if portfolio.Idle != 50_000 || portfolio.TotalBonds != 100_000_000 || portfolio.PositionCount != 1 {
		t.Errorf("portfolio = %+v, want idle=50000 bonds=100000000 positions=1", portfolio)
	}
	if portfolio.AsOfSequence != 2 {
		t.Errorf("portfolio as_of_sequence = %d, want 2", portfolio.AsOfSequence)
	}

	positions, err := svc.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Maturity != maturity || positions[0].Quantity != 100_000_000 {
		t.Errorf("positions = %+v, want one rung of 100.0 bonds at %d", positions, maturity)
	}

	reports, err := svc.GetReports(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetReports: %v", err)
	}
	if len(reports) != 1 || reports[0].TotalValue != 100_005_000 || reports[0].Sequence != 2 {
		t.Errorf("reports = %+v, want one report at sequence 2", reports)
	}

	actions, err := svc.GetActions(ctx, 10, nil, nil)
	if err != nil {
		t.Fatalf("GetActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != "open" || actions[0].Quantity != 100_000_000 {
		t.Errorf("actions = %+v, want one open of 100.0 bonds", actions)
	}

	events, err := svc.GetEvents(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Sequence != 2 || events[2].Sequence != 0 {
		t.Errorf("events not newest-first: %d..%d", events[0].Sequence, events[len(events)-1].Sequence)
	}

	report, err := svc.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("integrity report unhealthy: %+v", report)
	}
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	db := setupIntegration(t)
	ctx := context.Background()

	now := time.Now().UTC()
	hash0 := []byte{0x01}
	hash1 := []byte{0x02}
	seedEventChain(t, db, []persistence.EventRow{
		{Sequence: 0, EventType: "deposit", IdempotencyKey: "f-0", Partition: "funds",
			Payload: []byte(`{}`), StateHash: hash0, PrevHash: []byte{0x00}, Timestamp: now},
		{Sequence: 1, EventType: "tend", IdempotencyKey: "k-0", Partition: "keeper",
			Payload: []byte(`{}`), StateHash: hash1, PrevHash: []byte{0xEE}, Timestamp: now},
	}, nil)

	runProjection(t, db, projection.ProjectionOutput{
		Sequence:  1,
		EventType: "tend", Timestamp: now.UnixMicro(),
		Positions:  []projection.PositionRow{{Maturity: 100, Quantity: 40_000_000, AvgEntryPrice: 999_000}},
		TotalBonds: 40_000_000,
	})
	if _, err := db.ExecContext(ctx,
		`UPDATE projections.portfolio_summary SET total_bonds = 65000000 WHERE id = 1`); err != nil {
		t.Fatalf("corrupt summary: %v", err)
	}

	report, err := NewQueryService(db, nil).VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.IsHealthy {
		t.Fatal("expected unhealthy report")
	}
	if len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 1 {
		t.Errorf("hash chain breaks = %v, want [1]", report.HashChainBreaks)
	}
	if report.BondMismatch == nil {
		t.Fatal("expected bond mismatch")
	}
	if report.BondMismatch.SummaryBonds != 65_000_000 || report.BondMismatch.LadderBonds != 40_000_000 {
		t.Errorf("bond mismatch = %+v, want summary=65000000 ladder=40000000", report.BondMismatch)
	}
}

func TestRebuildProjectionsFromEventLog(t *testing.T) {
	db := setupIntegration(t)
	ctx := context.Background()

	const m1, m2 = int64(2000), int64(3000)
	now := time.Now().UTC()

	seedEventChain(t, db,
		[]persistence.EventRow{
			{Sequence: 6, EventType: "report", IdempotencyKey: "k-0", Partition: "keeper",
				Payload: []byte(`{}`),
				Outcome: []byte(`{"report":{"total_value":121400000,"idle":1500000,"deployed":119900000,"realized_gain":100000,"positions":1,"total_bonds":120000000,"avg_maturity":2000}}`),
				StateHash: []byte{0x01}, PrevHash: []byte{0x00}, Timestamp: now},
		},
		[]persistence.ActionRow{
			{ActionID: "21111111-1111-1111-1111-111111111111", Sequence: 1, Action: "open",
				Maturity: m1, Quantity: 100_000_000, Amount: 99_000_000, Timestamp: now},
			{ActionID: "21111111-1111-1111-1111-111111111112", Sequence: 2, Action: "open",
				Maturity: m1, Quantity: 50_000_000, Amount: 50_000_000, Timestamp: now},
			{ActionID: "21111111-1111-1111-1111-111111111113", Sequence: 3, Action: "close_partial",
				Maturity: m1, Quantity: 30_000_000, Amount: 29_900_000, Timestamp: now},
			{ActionID: "21111111-1111-1111-1111-111111111114", Sequence: 4, Action: "open",
				Maturity: m2, Quantity: 40_000_000, Amount: 40_000_000, Timestamp: now},
			{ActionID: "21111111-1111-1111-1111-111111111115", Sequence: 5, Action: "close_full",
				Maturity: m2, Quantity: 40_000_000, Amount: 40_100_000, RealizedGain: 100_000, Timestamp: now},
		},
	)

	if err := projection.RebuildProjections(ctx, db); err != nil {
		t.Fatalf("RebuildProjections: %v", err)
	}

	svc := NewQueryService(db, nil)

	positions, err := svc.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	// The fully closed rung at m2 must not reappear; m1 holds 100+50-30 bonds.
	if len(positions) != 1 {
		t.Fatalf("got %d rungs after rebuild, want 1: %+v", len(positions), positions)
	}
	if positions[0].Maturity != m1 || positions[0].Quantity != 120_000_000 {
		t.Errorf("rung = %+v, want maturity=%d quantity=120000000", positions[0], m1)
	}
	// Entry price rebuilds as the value-weighted blend of the two opens:
	// 149.0 asset over 150.0 bonds = 0.993333 per bond.
	if want := int64(993_333); positions[0].AvgEntryPrice != want {
		t.Errorf("avg entry price = %d, want %d", positions[0].AvgEntryPrice, want)
	}

	reports, err := svc.GetReports(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetReports: %v", err)
	}
	if len(reports) != 1 || reports[0].Sequence != 6 || reports[0].TotalBonds != 120_000_000 {
		t.Errorf("reports = %+v, want the stored report outcome at sequence 6", reports)
	}
}
