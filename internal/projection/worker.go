package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"BondLadder/internal/observability"
)

// ProjectionOutput mirrors the data projections need from one processed
// command. The orchestrator (cmd/bondladder) bridges core.CoreOutput to this.
type ProjectionOutput struct {
	Sequence     int64
	EventType    string
	Timestamp    int64 // microseconds since epoch
	Positions    []PositionRow
	Idle         int64
	RealizedGain int64
	TotalBonds   int64
	AvgMaturity  int64
	Report       *ReportEntry
}

// PositionRow is one ladder rung for projection consumption.
type PositionRow struct {
	Maturity      int64
	Quantity      int64
	AvgEntryPrice int64
}

// ReportEntry is a harvested valuation for the report history projection.
type ReportEntry struct {
	TotalValue   int64
	Idle         int64
	Deployed     int64
	RealizedGain int64
	Positions    int
	TotalBonds   int64
	AvgMaturity  int64
}

// Worker updates the projection tables from processed commands. The
// projection channel is non-blocking with drop, so each update writes the
// COMPLETE ladder and summary: a dropped update is fully healed by the next
// one, and a long gap can be closed with RebuildProjections.
type Worker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection loop. Update failures are logged and skipped;
// projections are eventually consistent and rebuildable from the event log.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				continue
			}
			pw.lastSeq = output.Sequence

			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("portfolio").Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.replaceLadder(ctx, tx, output); err != nil {
		return fmt.Errorf("ladder projection: %w", err)
	}

	if err := pw.upsertSummary(ctx, tx, output); err != nil {
		return fmt.Errorf("summary projection: %w", err)
	}

	if output.Report != nil {
		if err := pw.insertReport(ctx, tx, output); err != nil {
			return fmt.Errorf("report projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermarks (projection, last_sequence, updated_at)
		VALUES ('portfolio', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// replaceLadder rewrites projections.portfolio_positions to match the ladder
// exactly as the core saw it after this command.
func (pw *Worker) replaceLadder(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.portfolio_positions`); err != nil {
		return err
	}

	if len(output.Positions) == 0 {
		return nil
	}

	query := `INSERT INTO projections.portfolio_positions
		(maturity, quantity, avg_entry_price, last_sequence)
		VALUES `

	values := make([]string, 0, len(output.Positions))
	args := make([]interface{}, 0, len(output.Positions)*4)
	for i, p := range output.Positions {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, p.Maturity, p.Quantity, p.AvgEntryPrice, output.Sequence)
	}

	query += strings.Join(values, ", ")
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (pw *Worker) upsertSummary(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.portfolio_summary
			(id, idle, total_bonds, avg_maturity, position_count, realized_gain, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			idle = $1, total_bonds = $2, avg_maturity = $3,
			position_count = $4, realized_gain = $5, last_sequence = $6, updated_at = NOW()
	`, output.Idle, output.TotalBonds, output.AvgMaturity,
		len(output.Positions), output.RealizedGain, output.Sequence)
	return err
}

func (pw *Worker) insertReport(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	r := output.Report
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.strategy_reports
			(sequence, total_value, idle, deployed, realized_gain, position_count, total_bonds, avg_maturity, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, r.TotalValue, r.Idle, r.Deployed, r.RealizedGain,
		r.Positions, r.TotalBonds, r.AvgMaturity, time.UnixMicro(output.Timestamp))
	return err
}

// RebuildProjections repopulates the projection tables from the event log.
// Quantities rebuild exactly from position actions; merged-rung entry prices
// rebuild as the value-weighted blend of opens, which can differ by a unit
// from the core's running blend. The summary row and the live ladder refresh
// fully on the next processed command either way.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.portfolio_positions`,
		`TRUNCATE projections.strategy_reports`,
		`DELETE FROM projections.watermarks WHERE projection = 'portfolio'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Live rungs: opens minus closes per maturity. Entry prices carry the
	// 1e6 price scale, so the spent/quantity blend is rescaled before the
	// divide.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.portfolio_positions (maturity, quantity, avg_entry_price, last_sequence)
		SELECT
			maturity,
			SUM(CASE WHEN action = 'open' THEN quantity ELSE -quantity END) AS quantity,
			COALESCE((
				SUM(CASE WHEN action = 'open' THEN amount ELSE 0 END)::numeric * 1000000 /
				NULLIF(SUM(CASE WHEN action = 'open' THEN quantity ELSE 0 END), 0)
			)::bigint, 0) AS avg_entry_price,
			MAX(sequence) AS last_sequence
		FROM event_log.position_actions
		GROUP BY maturity
		HAVING SUM(CASE WHEN action = 'open' THEN quantity ELSE -quantity END) > 0
	`)
	if err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}

	// Report history from stored command outcomes
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.strategy_reports
			(sequence, total_value, idle, deployed, realized_gain, position_count, total_bonds, avg_maturity, reported_at)
		SELECT
			sequence,
			(outcome->'report'->>'total_value')::bigint,
			(outcome->'report'->>'idle')::bigint,
			(outcome->'report'->>'deployed')::bigint,
			(outcome->'report'->>'realized_gain')::bigint,
			(outcome->'report'->>'positions')::int,
			(outcome->'report'->>'total_bonds')::bigint,
			(outcome->'report'->>'avg_maturity')::bigint,
			timestamp
		FROM event_log.events
		WHERE outcome ? 'report'
		ON CONFLICT (sequence) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild reports: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
