package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"BondLadder/internal/observability"
)

// CoreOutput mirrors core.CoreOutput to avoid an import cycle.
// The orchestrator (cmd/bondladder) bridges between core.CoreOutput and this.
type CoreOutput struct {
	EventRow   EventRow
	ActionRows []ActionRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// The persist channel uses BLOCKING sends from the core, so if this worker
// falls behind, the core stalls — guaranteeing no accepted command is lost.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence loop. It batches incoming outputs and flushes
// either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	actionBatch := make([]ActionRow, 0, pw.batchSize*2) // ~2 actions per command avg

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(eventBatch) > 0 {
				if err := pw.flush(context.Background(), eventBatch, actionBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed — flush and exit
				if len(eventBatch) > 0 {
					if err := pw.flush(context.Background(), eventBatch, actionBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			eventBatch = append(eventBatch, output.EventRow)
			actionBatch = append(actionBatch, output.ActionRows...)

			if len(eventBatch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, eventBatch, actionBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				eventBatch = eventBatch[:0]
				actionBatch = actionBatch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				if err := pw.flushWithRetry(ctx, eventBatch, actionBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				eventBatch = eventBatch[:0]
				actionBatch = actionBatch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker NEVER
// drops a batch — it retries until the write succeeds or the context is
// cancelled, in which case it makes one final attempt with a background
// context so shutdown does not lose the tail of the log.
func (pw *Worker) flushWithRetry(ctx context.Context, events []EventRow, actions []ActionRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(events))
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), events, actions)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, actions)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
	}
}

func (pw *Worker) flush(ctx context.Context, events []EventRow, actions []ActionRow) error {
	start := time.Now()

	// Events and actions commit atomically in one transaction
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := pw.writer.WriteActionBatch(ctx, tx, actions); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_actions").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistPositionsWritten.Add(float64(len(actions)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

// MarshalPayload JSON-encodes a value for a JSONB column, falling back to an
// empty object so a marshal failure never stalls the persist pipeline.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WARN: failed to marshal payload: %v", err)
		return []byte("{}")
	}
	return data
}
