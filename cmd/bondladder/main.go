// Command bondladder runs the ladder strategy service. On startup it
// restores in-memory state from the latest snapshot, replays the event log
// past it, and then serves host commands from NATS JetStream alongside the
// HTTP API, the keeper schedules, and the outbound event stream.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"BondLadder/internal/config"
	"BondLadder/internal/core"
	"BondLadder/internal/event"
	"BondLadder/internal/ingestion"
	"BondLadder/internal/keeper"
	"BondLadder/internal/observability"
	"BondLadder/internal/persistence"
	"BondLadder/internal/portfolio"
	"BondLadder/internal/projection"
	"BondLadder/internal/query"
	"BondLadder/internal/rebalance"
	"BondLadder/internal/server"
	"BondLadder/internal/venue"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	migrationsDir := flag.String("migrations-dir", "migrations", "path to SQL migration files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	log := observability.NewLoggerWithLevel("main", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.ConnString())
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	if cfg.Postgres.RunMigrations {
		if err := persistence.NewMigrator(db, *migrationsDir).Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Snapshot recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load snapshot failed, falling back to full replay")
	}
	var startSequence int64
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Msg("snapshot loaded")
	}

	// --- Channels ---
	pipe := cfg.Pipeline
	persistCoreChan := make(chan core.CoreOutput, pipe.PersistBuffer)
	projectionCoreChan := make(chan core.CoreOutput, pipe.ProjectionBuffer)
	persistWorkerChan := make(chan persistence.CoreOutput, pipe.PersistBuffer)
	projectionWorkerChan := make(chan projection.ProjectionOutput, pipe.ProjectionBuffer)
	publishChan := make(chan ingestion.PublishableEvent, pipe.PublishBuffer)
	commandChan := make(chan event.Event, pipe.CommandBuffer)
	rawEventChan := make(chan ingestion.RawEvent, pipe.CommandBuffer)

	// --- Venue + core ---
	simCfg, err := cfg.Venue.SimConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("venue config")
	}
	simVenue, err := venue.NewSimVenue(simCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("venue init")
	}

	// The Postgres dedup tier is attached only after replay: replayed
	// commands already sit in the event log and would dedup against
	// themselves.
	strategyCore := core.NewStrategyCore(
		startSequence,
		simVenue,
		cfg.Policy.Policy(),
		persistCoreChan,
		projectionCoreChan,
		nil,
		pipe.DedupCacheSize,
		metrics,
	)

	// A snapshot records the policy in force when it was taken, including
	// any later ConfigUpdated commands, so restore overrides the configured
	// policy.
	if snap != nil {
		strategyCore.RestoreFromSnapshot(coreSnapshotFromData(snap))
		log.Info().Int64("sequence", snap.Sequence).Msg("state restored from snapshot")
	}
	if snap != nil && len(snap.IdempotencyKeys) > 0 {
		strategyCore.WarmLRU(snap.IdempotencyKeys)
		log.Info().Int("keys", len(snap.IdempotencyKeys)).Msg("idempotency cache warmed")
	}

	// --- Event replay ---
	// The pipeline workers are not running yet, so replay drains the core's
	// output channels inline and discards them: every replayed command is
	// already persisted, and projections catch up on the first live command.
	replayStart := time.Now()
	replayCount, err := replayEvents(ctx, snapMgr, strategyCore, startSequence, pipe.ReplayBatchSize, persistCoreChan, projectionCoreChan, log)
	if err != nil {
		log.Fatal().Err(err).Msg("event replay")
	}
	metrics.ReplayEventsTotal.Add(float64(replayCount))
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
	if replayCount > 0 {
		log.Info().
			Int64("events", replayCount).
			Int64("sequence", strategyCore.GetSequence()).
			Dur("took", time.Since(replayStart)).
			Msg("event log replayed")
	}

	// --- State hash verification ---
	if snap != nil && replayCount == 0 {
		var want [32]byte
		copy(want[:], snap.StateHash)
		got := strategyCore.GetStateHash()
		if got != want {
			log.Fatal().
				Hex("want", want[:]).
				Hex("got", got[:]).
				Msg("state hash mismatch after snapshot restore")
		}
		log.Info().Msg("state hash verified after restore")
	}

	strategyCore.AttachDBChecker(persistence.NewPostgresIdempotencyChecker(db))

	// --- Command submitter ---
	// Keeper and config commands are assigned source sequences in-process;
	// the counters resume from where the recovered state expects them.
	submitter := ingestion.NewCommandSubmitter(commandChan)
	submitter.SeedSequences(
		strategyCore.GetExpectedSequence(event.PartitionKeeper),
		strategyCore.GetExpectedSequence(event.PartitionConfig),
	)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Str("url", cfg.NATS.URL).Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure command stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure event stream")
	}

	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- HTTP surfaces ---
	queryService := query.NewQueryService(db, metrics)
	hub := server.NewHub(observability.NewLoggerWithLevel("ws", level))
	srv := server.New(cfg.Server.Addr, &server.Deps{
		DB:            db,
		QueryService:  queryService,
		Submitter:     submitter,
		SnapshotMgr:   snapMgr,
		HealthChecker: health,
		Metrics:       metrics,
		Hub:           hub,
	}, observability.NewLoggerWithLevel("server", level))

	// --- Goroutines ---
	errChan := make(chan error, 10)

	// Pipeline workers run on a background context and terminate through
	// channel closes, so shutdown drains whatever is still buffered instead
	// of racing a context cancel.
	workerCtx := context.Background()

	persistDone := make(chan error, 1)
	persistWorker := persistence.NewWorker(db, persistWorkerChan, pipe.PersistBatchSize, pipe.PersistFlush.Duration, metrics)
	go func() {
		err := persistWorker.Run(workerCtx)
		persistDone <- err
		if err != nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projectionDone := make(chan error, 1)
	projWorker := projection.NewWorker(db, projectionWorkerChan, metrics)
	go func() {
		err := projWorker.Run(workerCtx)
		projectionDone <- err
		if err != nil {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	publishDone := make(chan error, 1)
	go func() {
		err := outboundPublisher.Run(workerCtx)
		publishDone <- err
		if err != nil {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	go hub.Run(ctx)

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, hub, metrics)
	}()

	snapshotChan := make(chan *core.SnapshotState, 1)
	saverDone := make(chan struct{})
	go runSnapshotSaver(snapshotChan, snapMgr, metrics, log, saverDone)

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		runCoreLoop(ctx, rawEventChan, commandChan, snapshotChan, strategyCore,
			pipe.SnapshotEvery, pipe.SnapshotInterval.Duration, metrics,
			observability.NewLoggerWithLevel("core", level))
	}()

	go func() {
		errChan <- srv.Start(ctx)
	}()

	var ladderKeeper *keeper.Keeper
	if cfg.Keeper.Enabled {
		ladderKeeper, err = keeper.New(submitter, keeper.Config{
			TendSchedule:   cfg.Keeper.TendSchedule,
			ReportSchedule: cfg.Keeper.ReportSchedule,
			SubmitTimeout:  cfg.Keeper.SubmitTimeout.Duration,
		}, observability.NewLoggerWithLevel("keeper", level))
		if err != nil {
			log.Fatal().Err(err).Msg("keeper init")
		}
		ladderKeeper.Start()
	}

	go runChannelMetrics(ctx, metrics,
		persistCoreChan, projectionCoreChan,
		persistWorkerChan, projectionWorkerChan,
		publishChan, commandChan, rawEventChan)

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	health.SetReady(true)
	log.Info().
		Int64("sequence", strategyCore.GetSequence()).
		Str("addr", cfg.Server.Addr).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Bool("keeper", cfg.Keeper.Enabled).
		Msg("bondladder ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	health.SetReady(false)
	cancel()

	// Stop producers first: NATS deliveries, then the keeper, then wait for
	// the core loop to finish its in-flight command.
	natsSubscriber.Stop()
	if ladderKeeper != nil {
		ladderKeeper.Stop()
	}

	drained := false
	select {
	case <-coreDone:
		drained = true
	case <-time.After(10 * time.Second):
		log.Warn().Msg("core loop did not stop in time, skipping pipeline drain")
	}

	if drained {
		// The core loop was the only sender on its output channels. Closing
		// them cascades through the bridge to the workers, which flush
		// everything still buffered before exiting.
		close(persistCoreChan)
		close(projectionCoreChan)
		select {
		case <-bridgeDone:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("bridge drain timed out")
		}
		awaitWorker(log, "persistence", persistDone)
		awaitWorker(log, "projection", projectionDone)
		awaitWorker(log, "publisher", publishDone)
		select {
		case <-saverDone:
		case <-time.After(5 * time.Second):
		}
	}

	// Final snapshot, only from quiesced state: if the core loop is still
	// running the capture would race with live mutation, and the event log
	// already covers recovery.
	if drained && strategyCore.GetSequence() > 0 {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := saveSnapshot(shutdownCtx, strategyCore.CreateSnapshotState(), snapMgr, metrics); err != nil {
			log.Error().Err(err).Msg("final snapshot failed")
		} else {
			log.Info().Int64("sequence", strategyCore.GetSequence()-1).Msg("final snapshot saved")
		}
	}

	log.Info().Msg("shutdown complete")
}

// awaitWorker waits for one pipeline worker to finish draining.
func awaitWorker(log zerolog.Logger, name string, done <-chan error) {
	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Str("worker", name).Msg("worker exited with error")
		}
	case <-time.After(10 * time.Second):
		log.Warn().Str("worker", name).Msg("worker drain timed out")
	}
}

// typedCommand pairs a parsed host command with its NATS receive time.
type typedCommand struct {
	evt        event.Event
	receivedAt time.Time
}

// runCoreLoop is the single goroutine that mutates strategy state. Host
// commands from NATS and submitter commands from the keeper and the HTTP
// surface interleave here; each partition orders its own stream, so the
// interleaving is safe. Snapshot capture also happens on this goroutine,
// which keeps the core free of locks.
func runCoreLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	commandChan <-chan event.Event,
	snapshotOut chan<- *core.SnapshotState,
	strategyCore *core.StrategyCore,
	snapshotEvery int64,
	snapshotInterval time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	defer close(snapshotOut)

	subjectToType := make(map[string]string)
	for _, sub := range ingestion.DefaultSubjects() {
		subjectToType[sub.Subject] = sub.EventType
	}

	// Host commands are acked once they are on the typed channel, before
	// core processing: a slow core must not expire ack waits, and
	// backpressure still reaches NATS through the blocking send.
	typedChan := make(chan typedCommand, cap(rawChan))
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					return
				}
				eventType, known := subjectToType[raw.Subject]
				if !known {
					log.Warn().Str("subject", raw.Subject).Msg("unknown command subject")
					raw.AckFunc()
					continue
				}
				evt, err := ingestion.ParseRawEvent(raw, eventType)
				if err != nil {
					log.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping unparseable command")
					raw.AckFunc()
					continue
				}
				select {
				case typedChan <- typedCommand{evt: evt, receivedAt: raw.Timestamp}:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	if snapshotEvery <= 0 {
		snapshotEvery = 10_000
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 10 * time.Second
	}
	lastSnapshotSeq := strategyCore.GetSequence()
	snapTicker := time.NewTicker(snapshotInterval)
	defer snapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case tc := <-typedChan:
			if err := strategyCore.ProcessEvent(tc.evt); err != nil {
				log.Warn().
					Str("type", tc.evt.EventType().String()).
					Str("key", tc.evt.IdempotencyKey()).
					Err(err).
					Msg("command rejected")
				continue
			}
			metrics.IngestToApply.WithLabelValues(tc.evt.EventType().String()).Observe(time.Since(tc.receivedAt).Seconds())

		case evt := <-commandChan:
			if err := strategyCore.ProcessEvent(evt); err != nil {
				log.Warn().
					Str("type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Err(err).
					Msg("command rejected")
			}

		case <-snapTicker.C:
			currentSeq := strategyCore.GetSequence()
			if currentSeq-lastSnapshotSeq < snapshotEvery {
				continue
			}
			// Capture here, save on the saver goroutine. Skip this round
			// when the saver is still writing the previous snapshot.
			select {
			case snapshotOut <- strategyCore.CreateSnapshotState():
				lastSnapshotSeq = currentSeq
			default:
			}
		}
	}
}

// bridgeCoreOutputs fans core.CoreOutput out to the persistence worker, the
// projection worker, the outbound publisher, and the websocket hub. The
// conversion lives here to keep core free of persistence and projection
// imports. Runs until both input channels are closed, then closes its
// output channels so the workers drain and exit.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	hub *server.Hub,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			// Blocking send: persistence is the authoritative path, its
			// backpressure must reach the core.
			persistOut <- persistOutputFrom(output)

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			evt := publishableFrom(output)
			hub.Broadcast(evt)
			select {
			case publishOut <- evt:
			default:
				metrics.PublishDrops.Inc()
			}
			if output.Envelope.EventType.IsCommand() {
				select {
				case projectionOut <- projectionOutputFrom(output):
				default:
					metrics.ProjectionDrops.WithLabelValues("portfolio").Inc()
				}
			}
		}
	}
}

// persistOutputFrom converts a processed command into event log rows. Each
// executed open or close becomes one position action row attributed to the
// command's sequence.
func persistOutputFrom(output core.CoreOutput) persistence.CoreOutput {
	env := output.Envelope

	var outcome []byte
	if output.Outcome != nil {
		outcome = persistence.MarshalPayload(output.Outcome)
	}

	pOut := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			Payload:        env.Payload,
			Outcome:        outcome,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}

	if output.Outcome == nil {
		return pOut
	}
	for _, closed := range output.Outcome.Closed {
		action := "close_full"
		if closed.Partial {
			action = "close_partial"
		}
		pOut.ActionRows = append(pOut.ActionRows, persistence.ActionRow{
			ActionID:     uuid.New().String(),
			Sequence:     env.Sequence,
			Action:       action,
			Maturity:     closed.Maturity,
			Quantity:     closed.Quantity,
			Amount:       closed.Output,
			RealizedGain: closed.RealizedGain,
			Timestamp:    env.Timestamp,
		})
	}
	if opened := output.Outcome.Opened; opened != nil {
		pOut.ActionRows = append(pOut.ActionRows, persistence.ActionRow{
			ActionID:  uuid.New().String(),
			Sequence:  env.Sequence,
			Action:    "open",
			Maturity:  opened.Maturity,
			Quantity:  opened.Quantity,
			Amount:    opened.Spent,
			Timestamp: env.Timestamp,
		})
	}
	return pOut
}

// projectionOutputFrom converts a processed command into the replace-all
// projection update.
func projectionOutputFrom(output core.CoreOutput) projection.ProjectionOutput {
	env := output.Envelope
	pOut := projection.ProjectionOutput{
		Sequence:     env.Sequence,
		EventType:    env.EventType.String(),
		Timestamp:    env.Timestamp.UnixMicro(),
		Positions:    make([]projection.PositionRow, 0, len(output.Positions)),
		Idle:         output.Idle,
		RealizedGain: output.RealizedGain,
		TotalBonds:   output.TotalBonds,
		AvgMaturity:  output.AvgMaturity,
	}
	for _, pos := range output.Positions {
		pOut.Positions = append(pOut.Positions, projection.PositionRow{
			Maturity:      pos.Maturity,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
		})
	}
	if output.Outcome != nil && output.Outcome.Report != nil {
		r := output.Outcome.Report
		pOut.Report = &projection.ReportEntry{
			TotalValue:   r.TotalValue,
			Idle:         r.Idle,
			Deployed:     r.Deployed,
			RealizedGain: r.RealizedGain,
			Positions:    r.Positions,
			TotalBonds:   r.TotalBonds,
			AvgMaturity:  r.AvgMaturity,
		}
	}
	return pOut
}

// publishableFrom builds the outbound wire form shared by the JetStream
// publisher and the websocket hub. Derived events carry no state hash;
// only commands advance the hash chain.
func publishableFrom(output core.CoreOutput) ingestion.PublishableEvent {
	env := output.Envelope
	evt := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Timestamp:      env.Timestamp,
	}
	if output.Outcome != nil {
		evt.Outcome = output.Outcome
	}
	if env.EventType.IsCommand() {
		evt.StateHash = env.StateHash[:]
	}
	return evt
}

// replayEvents feeds the event log back through the core in sequence
// order, batch by batch. The core's output channels are drained and
// discarded after every command: no worker is consuming them yet, and a
// full persist buffer would block the core mid-replay.
func replayEvents(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	strategyCore *core.StrategyCore,
	fromSequence int64,
	batchSize int,
	persistOut <-chan core.CoreOutput,
	projectionOut <-chan core.CoreOutput,
	log zerolog.Logger,
) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	drain := func() {
		for {
			select {
			case <-persistOut:
			case <-projectionOut:
			default:
				return
			}
		}
	}

	var total int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from sequence %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			evt, err := event.DecodeCommand(event.ParseEventType(row.EventType), row.Payload)
			if err != nil {
				log.Warn().
					Int64("sequence", row.Sequence).
					Str("type", row.EventType).
					Err(err).
					Msg("skipping undecodable event")
				continue
			}
			if err := strategyCore.ProcessEvent(evt); err != nil {
				log.Debug().Int64("sequence", row.Sequence).Err(err).Msg("replay skip")
			}
			drain()
			total++
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// runSnapshotSaver writes snapshots captured by the core loop to Postgres.
// Saving happens off the core goroutine so a slow write never stalls
// command processing.
func runSnapshotSaver(
	snapshots <-chan *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	log zerolog.Logger,
	done chan<- struct{},
) {
	defer close(done)
	for coreSnap := range snapshots {
		saveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := saveSnapshot(saveCtx, coreSnap, snapMgr, metrics)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("periodic snapshot failed")
			continue
		}
		log.Info().Int64("sequence", coreSnap.Sequence).Msg("snapshot saved")
	}
}

// saveSnapshot converts a captured core state into its persisted form and
// writes it. The snapshot is marked verified immediately because it was
// taken from live state, not reconstructed.
func saveSnapshot(
	ctx context.Context,
	coreSnap *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	if err := snapMgr.SaveSnapshot(ctx, snapshotDataFromCore(coreSnap)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, coreSnap.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(coreSnap.Sequence))
	}
	return nil
}

// coreSnapshotFromData converts the persisted snapshot form back into the
// core's in-memory form.
func coreSnapshotFromData(snap *persistence.SnapshotData) *core.SnapshotState {
	coreSnap := &core.SnapshotState{
		Sequence: snap.Sequence,
		Portfolio: portfolio.StateSnapshot{
			Ledger: portfolio.LedgerSnapshot{
				Positions:   make([]portfolio.Position, 0, len(snap.Positions)),
				TotalBonds:  snap.TotalBonds,
				AvgMaturity: snap.AvgMaturity,
			},
			Idle:         snap.Idle,
			RealizedGain: snap.RealizedGain,
		},
		Venue: venue.SimState{
			Clock:       snap.Venue.Clock,
			Outstanding: snap.Venue.Outstanding,
			Issued:      snap.Venue.Issued,
		},
		Policy: rebalance.Policy{
			MinOutput:            snap.Policy.MinOutput,
			MinAcceptablePrice:   snap.Policy.MinAcceptablePrice,
			PositionClosureLimit: snap.Policy.PositionClosureLimit,
			PartialClosureBuffer: snap.Policy.PartialClosureBuffer,
		},
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(coreSnap.StateHash[:], snap.StateHash)
	for _, pos := range snap.Positions {
		coreSnap.Portfolio.Ledger.Positions = append(coreSnap.Portfolio.Ledger.Positions, portfolio.Position{
			Maturity:      pos.Maturity,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
		})
	}
	return coreSnap
}

// snapshotDataFromCore is the inverse of coreSnapshotFromData.
func snapshotDataFromCore(coreSnap *core.SnapshotState) *persistence.SnapshotData {
	snap := &persistence.SnapshotData{
		Sequence:     coreSnap.Sequence,
		StateHash:    coreSnap.StateHash[:],
		Positions:    make([]persistence.PositionSnapshot, 0, len(coreSnap.Portfolio.Ledger.Positions)),
		TotalBonds:   coreSnap.Portfolio.Ledger.TotalBonds,
		AvgMaturity:  coreSnap.Portfolio.Ledger.AvgMaturity,
		Idle:         coreSnap.Portfolio.Idle,
		RealizedGain: coreSnap.Portfolio.RealizedGain,
		Venue: persistence.VenueSnap{
			Clock:       coreSnap.Venue.Clock,
			Outstanding: coreSnap.Venue.Outstanding,
			Issued:      coreSnap.Venue.Issued,
		},
		Policy: persistence.PolicySnap{
			MinOutput:            coreSnap.Policy.MinOutput,
			MinAcceptablePrice:   coreSnap.Policy.MinAcceptablePrice,
			PositionClosureLimit: coreSnap.Policy.PositionClosureLimit,
			PartialClosureBuffer: coreSnap.Policy.PartialClosureBuffer,
		},
		SequenceState:   coreSnap.SequenceState,
		IdempotencyKeys: coreSnap.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}
	for _, pos := range coreSnap.Portfolio.Ledger.Positions {
		snap.Positions = append(snap.Positions, persistence.PositionSnapshot{
			Maturity:      pos.Maturity,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
		})
	}
	return snap
}

// runChannelMetrics samples pipeline channel depths every five seconds.
func runChannelMetrics(
	ctx context.Context,
	metrics *observability.Metrics,
	persistCore, projectionCore chan core.CoreOutput,
	persistWorker chan persistence.CoreOutput,
	projectionWorker chan projection.ProjectionOutput,
	publish chan ingestion.PublishableEvent,
	command chan event.Event,
	raw chan ingestion.RawEvent,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist_core", len(persistCore), cap(persistCore))
			metrics.SetChannelMetrics("projection_core", len(projectionCore), cap(projectionCore))
			metrics.SetChannelMetrics("persist", len(persistWorker), cap(persistWorker))
			metrics.SetChannelMetrics("projection", len(projectionWorker), cap(projectionWorker))
			metrics.SetChannelMetrics("publish", len(publish), cap(publish))
			metrics.SetChannelMetrics("command", len(command), cap(command))
			metrics.SetChannelMetrics("raw", len(raw), cap(raw))
		}
	}
}
