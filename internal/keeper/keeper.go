package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"BondLadder/internal/ingestion"
)

// Keeper drives the strategy on a schedule: periodic tends roll matured
// positions and deploy idle funds, periodic reports mark the portfolio.
// Both go through the command submitter, so they take keeper-partition
// sequence numbers like any other command.
type Keeper struct {
	cron      *cron.Cron
	submitter *ingestion.CommandSubmitter
	log       zerolog.Logger
	timeout   time.Duration
}

// Config holds the cron expressions (with a seconds field) and the
// per-submit timeout.
type Config struct {
	TendSchedule   string
	ReportSchedule string
	SubmitTimeout  time.Duration
}

func New(submitter *ingestion.CommandSubmitter, cfg Config, log zerolog.Logger) (*Keeper, error) {
	k := &Keeper{
		cron:      cron.New(cron.WithSeconds()),
		submitter: submitter,
		log:       log.With().Str("component", "keeper").Logger(),
		timeout:   cfg.SubmitTimeout,
	}
	if k.timeout <= 0 {
		k.timeout = 5 * time.Second
	}

	if _, err := k.cron.AddFunc(cfg.TendSchedule, k.runTend); err != nil {
		return nil, fmt.Errorf("tend schedule %q: %w", cfg.TendSchedule, err)
	}
	if _, err := k.cron.AddFunc(cfg.ReportSchedule, k.runReport); err != nil {
		return nil, fmt.Errorf("report schedule %q: %w", cfg.ReportSchedule, err)
	}

	return k, nil
}

// Start begins running the schedules.
func (k *Keeper) Start() {
	k.cron.Start()
	k.log.Info().Msg("keeper started")
}

// Stop halts the schedules and waits for any in-flight job to finish.
func (k *Keeper) Stop() {
	ctx := k.cron.Stop()
	<-ctx.Done()
	k.log.Info().Msg("keeper stopped")
}

func (k *Keeper) runTend() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	if err := k.submitter.SubmitTend(ctx); err != nil {
		k.log.Error().Err(err).Msg("tend submit failed")
		return
	}
	k.log.Debug().Msg("tend submitted")
}

func (k *Keeper) runReport() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	if err := k.submitter.SubmitReport(ctx); err != nil {
		k.log.Error().Err(err).Msg("report submit failed")
		return
	}
	k.log.Debug().Msg("report submitted")
}
