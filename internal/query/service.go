package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"BondLadder/internal/observability"
)

// QueryService provides read-only access to the projection tables and the
// event log. Responses served from projections carry as_of_sequence, the
// last command the projection worker has applied, so callers can reason
// about freshness. Event log reads are served from the source of truth and
// need no watermark.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetPortfolio returns the portfolio summary: idle balance, bond totals and
// the running realized gain. A missing summary row means no command has been
// projected yet and reads as an empty portfolio.
func (qs *QueryService) GetPortfolio(ctx context.Context) (*PortfolioResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, "portfolio")
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PortfolioResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT idle, total_bonds, avg_maturity, position_count, realized_gain
		FROM projections.portfolio_summary
		WHERE id = 1
	`).Scan(&resp.Idle, &resp.TotalBonds, &resp.AvgMaturity, &resp.PositionCount, &resp.RealizedGain)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPositions returns all open ladder rungs, nearest maturity first.
func (qs *QueryService) GetPositions(ctx context.Context) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, "positions")
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT maturity, quantity, avg_entry_price
		FROM projections.portfolio_positions
		ORDER BY maturity
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(&p.Maturity, &p.Quantity, &p.AvgEntryPrice); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetReports returns harvest reports, newest first, with cursor-based
// pagination on sequence.
func (qs *QueryService) GetReports(
	ctx context.Context,
	limit int,
	afterSequence *int64,
) ([]ReportResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, "reports")
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, total_value, idle, deployed, realized_gain,
		       position_count, total_bonds, avg_maturity, reported_at
		FROM projections.strategy_reports
	`
	args := []interface{}{}
	argIdx := 1

	if afterSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []ReportResponse
	for rows.Next() {
		var r ReportResponse
		var reportedAt time.Time
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.Sequence, &r.TotalValue, &r.Idle, &r.Deployed, &r.RealizedGain,
			&r.PositionCount, &r.TotalBonds, &r.AvgMaturity, &reportedAt,
		); err != nil {
			return nil, err
		}
		r.ReportedAt = reportedAt.UnixMicro()
		reports = append(reports, r)
	}

	return reports, rows.Err()
}

// GetActions returns ladder mutations from the action log, newest first,
// optionally filtered to one maturity.
func (qs *QueryService) GetActions(
	ctx context.Context,
	limit int,
	maturity *int64,
	afterSequence *int64,
) ([]ActionResponse, error) {
	query := `
		SELECT action_id, sequence, action, maturity, quantity, amount, realized_gain, timestamp
		FROM event_log.position_actions
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if maturity != nil {
		query += fmt.Sprintf(" AND maturity = $%d", argIdx)
		args = append(args, *maturity)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, action_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []ActionResponse
	for rows.Next() {
		var a ActionResponse
		var ts time.Time
		if err := rows.Scan(
			&a.ActionID, &a.Sequence, &a.Action, &a.Maturity,
			&a.Quantity, &a.Amount, &a.RealizedGain, &ts,
		); err != nil {
			return nil, err
		}
		a.Timestamp = ts.UnixMicro()
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// GetEvents returns command log rows, newest first, with cursor-based
// pagination on sequence.
func (qs *QueryService) GetEvents(
	ctx context.Context,
	limit int,
	afterSequence *int64,
) ([]EventResponse, error) {
	query := `
		SELECT sequence, event_type, idempotency_key, partition,
		       source_sequence, timestamp, payload, outcome
		FROM event_log.events
	`
	args := []interface{}{}
	argIdx := 1

	if afterSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		var ts time.Time
		var payload, outcome []byte
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition,
			&e.SourceSequence, &ts, &payload, &outcome,
		); err != nil {
			return nil, err
		}
		e.Timestamp = ts.UnixMicro()
		e.Payload = json.RawMessage(payload)
		if outcome != nil {
			e.Outcome = json.RawMessage(outcome)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// the projected summary bond total matches the sum of rung quantities.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Each event's prev_hash must equal its predecessor's state_hash.
	// Sequence 0 chains from the genesis seed and has no predecessor row.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The summary's total_bonds and the ladder rungs are written in the
	// same transaction, so any disagreement means a projection bug.
	var summaryBonds, ladderBonds int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT s.total_bonds, COALESCE(SUM(p.quantity), 0)
		FROM projections.portfolio_summary s
		LEFT JOIN projections.portfolio_positions p ON TRUE
		WHERE s.id = 1
		GROUP BY s.total_bonds
	`).Scan(&summaryBonds, &ladderBonds)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil && summaryBonds != ladderBonds {
		report.BondMismatch = &BondMismatch{
			SummaryBonds: summaryBonds,
			LadderBonds:  ladderBonds,
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.BondMismatch == nil
	return report, nil
}

// --- helpers ---

// getWatermark reads the shared projection watermark. All projections advance
// in a single transaction, so one row covers them; endpoint only labels the
// freshness metric.
func (qs *QueryService) getWatermark(ctx context.Context, endpoint string) (int64, error) {
	var seq int64
	var updatedAt time.Time
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence, updated_at FROM projections.watermarks WHERE projection = 'portfolio'
	`).Scan(&seq, &updatedAt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if qs.metrics != nil {
		qs.metrics.QueryFreshnessLag.WithLabelValues(endpoint).Observe(time.Since(updatedAt).Seconds())
	}
	return seq, nil
}
