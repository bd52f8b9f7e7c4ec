package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LADDER_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment only. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LADDER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject credentials at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LADDER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LADDER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LADDER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LADDER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LADDER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LADDER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LADDER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.MaxOpenConns, "LADDER_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "LADDER_POSTGRES_MAX_IDLE_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LADDER_POSTGRES_RUN_MIGRATIONS")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "LADDER_NATS_URL")

	// ── Server ──
	setStr(&cfg.Server.Addr, "LADDER_SERVER_ADDR")
	setStr(&cfg.Server.MetricsAddr, "LADDER_SERVER_METRICS_ADDR")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "LADDER_KEEPER_ENABLED")
	setStr(&cfg.Keeper.TendSchedule, "LADDER_KEEPER_TEND_SCHEDULE")
	setStr(&cfg.Keeper.ReportSchedule, "LADDER_KEEPER_REPORT_SCHEDULE")
	setDuration(&cfg.Keeper.SubmitTimeout, "LADDER_KEEPER_SUBMIT_TIMEOUT")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.CommandBuffer, "LADDER_PIPELINE_COMMAND_BUFFER")
	setInt(&cfg.Pipeline.PersistBuffer, "LADDER_PIPELINE_PERSIST_BUFFER")
	setInt(&cfg.Pipeline.ProjectionBuffer, "LADDER_PIPELINE_PROJECTION_BUFFER")
	setInt(&cfg.Pipeline.PublishBuffer, "LADDER_PIPELINE_PUBLISH_BUFFER")
	setInt(&cfg.Pipeline.PersistBatchSize, "LADDER_PIPELINE_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Pipeline.PersistFlush, "LADDER_PIPELINE_PERSIST_FLUSH")
	setInt64(&cfg.Pipeline.SnapshotEvery, "LADDER_PIPELINE_SNAPSHOT_EVERY")
	setDuration(&cfg.Pipeline.SnapshotInterval, "LADDER_PIPELINE_SNAPSHOT_INTERVAL")
	setInt(&cfg.Pipeline.DedupCacheSize, "LADDER_PIPELINE_DEDUP_CACHE_SIZE")
	setInt(&cfg.Pipeline.ReplayBatchSize, "LADDER_PIPELINE_REPLAY_BATCH_SIZE")

	// ── Venue ──
	setInt64(&cfg.Venue.Term, "LADDER_VENUE_TERM")
	setInt64(&cfg.Venue.CheckpointInterval, "LADDER_VENUE_CHECKPOINT_INTERVAL")
	setStr(&cfg.Venue.AnnualRate, "LADDER_VENUE_ANNUAL_RATE")
	setStr(&cfg.Venue.Spread, "LADDER_VENUE_SPREAD")
	setStr(&cfg.Venue.PreviewHaircut, "LADDER_VENUE_PREVIEW_HAIRCUT")
	setInt64(&cfg.Venue.MinTxAmount, "LADDER_VENUE_MIN_TX_AMOUNT")
	setInt64(&cfg.Venue.Capacity, "LADDER_VENUE_CAPACITY")
	setInt64(&cfg.Venue.StartTime, "LADDER_VENUE_START_TIME")

	// ── Policy ──
	setInt64(&cfg.Policy.MinOutput, "LADDER_POLICY_MIN_OUTPUT")
	setInt64(&cfg.Policy.MinAcceptablePrice, "LADDER_POLICY_MIN_ACCEPTABLE_PRICE")
	setInt(&cfg.Policy.PositionClosureLimit, "LADDER_POLICY_POSITION_CLOSURE_LIMIT")
	setInt64(&cfg.Policy.PartialClosureBuffer, "LADDER_POLICY_PARTIAL_CLOSURE_BUFFER")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "LADDER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
