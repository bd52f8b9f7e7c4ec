// Package config defines the top-level configuration for the bond ladder
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"BondLadder/internal/rebalance"
	"BondLadder/internal/venue"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LADDER_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	NATS     NATSConfig     `toml:"nats"`
	Server   ServerConfig   `toml:"server"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Venue    VenueConfig    `toml:"venue"`
	Policy   PolicyConfig   `toml:"policy"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds event log and projection store parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	MaxOpenConns  int    `toml:"max_open_conns"`
	MaxIdleConns  int    `toml:"max_idle_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ConnString returns the lib/pq connection string, preferring an explicit
// DSN over the individual fields.
func (p PostgresConfig) ConnString() string {
	if strings.TrimSpace(p.DSN) != "" {
		return p.DSN
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, p.SSLMode)
}

// NATSConfig holds the JetStream connection parameters for host commands.
type NATSConfig struct {
	URL string `toml:"url"`
}

// ServerConfig holds the HTTP API and metrics listener addresses.
type ServerConfig struct {
	Addr        string `toml:"addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

// KeeperConfig holds the tend and report schedules. Cron expressions carry
// a seconds field.
type KeeperConfig struct {
	Enabled        bool     `toml:"enabled"`
	TendSchedule   string   `toml:"tend_schedule"`
	ReportSchedule string   `toml:"report_schedule"`
	SubmitTimeout  duration `toml:"submit_timeout"`
}

// PipelineConfig holds channel capacities, batch sizes and snapshot cadence.
type PipelineConfig struct {
	CommandBuffer    int      `toml:"command_buffer"`
	PersistBuffer    int      `toml:"persist_buffer"`
	ProjectionBuffer int      `toml:"projection_buffer"`
	PublishBuffer    int      `toml:"publish_buffer"`
	PersistBatchSize int      `toml:"persist_batch_size"`
	PersistFlush     duration `toml:"persist_flush"`
	SnapshotEvery    int64    `toml:"snapshot_every"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	DedupCacheSize   int      `toml:"dedup_cache_size"`
	ReplayBatchSize  int      `toml:"replay_batch_size"`
}

// VenueConfig parameterizes the simulated bond issuer. Rates are decimal
// strings so the TOML stays exact, e.g. annual_rate = "0.05".
type VenueConfig struct {
	Term               int64  `toml:"term"`
	CheckpointInterval int64  `toml:"checkpoint_interval"`
	AnnualRate         string `toml:"annual_rate"`
	Spread             string `toml:"spread"`
	PreviewHaircut     string `toml:"preview_haircut"`
	MinTxAmount        int64  `toml:"min_tx_amount"`
	Capacity           int64  `toml:"capacity"`
	StartTime          int64  `toml:"start_time"`
}

// SimConfig converts to the venue's own config, parsing the rate strings.
func (v VenueConfig) SimConfig() (venue.SimConfig, error) {
	rate, err := decimal.NewFromString(v.AnnualRate)
	if err != nil {
		return venue.SimConfig{}, fmt.Errorf("venue: annual_rate %q: %w", v.AnnualRate, err)
	}
	spread, err := decimal.NewFromString(v.Spread)
	if err != nil {
		return venue.SimConfig{}, fmt.Errorf("venue: spread %q: %w", v.Spread, err)
	}
	haircut, err := decimal.NewFromString(v.PreviewHaircut)
	if err != nil {
		return venue.SimConfig{}, fmt.Errorf("venue: preview_haircut %q: %w", v.PreviewHaircut, err)
	}
	return venue.SimConfig{
		Term:               v.Term,
		CheckpointInterval: v.CheckpointInterval,
		AnnualRate:         rate,
		Spread:             spread,
		PreviewHaircut:     haircut,
		MinTxAmount:        v.MinTxAmount,
		Capacity:           v.Capacity,
		StartTime:          v.StartTime,
	}, nil
}

// PolicyConfig is the rebalancing policy applied at a fresh start. Once a
// snapshot exists its policy wins; later changes go through the config
// command so they enter the event log.
type PolicyConfig struct {
	MinOutput            int64 `toml:"min_output"`
	MinAcceptablePrice   int64 `toml:"min_acceptable_price"`
	PositionClosureLimit int   `toml:"position_closure_limit"`
	PartialClosureBuffer int64 `toml:"partial_closure_buffer"`
}

// Policy converts to the rebalance package's policy type.
func (p PolicyConfig) Policy() rebalance.Policy {
	return rebalance.Policy{
		MinOutput:            p.MinOutput,
		MinAcceptablePrice:   p.MinAcceptablePrice,
		PositionClosureLimit: p.PositionClosureLimit,
		PartialClosureBuffer: p.PartialClosureBuffer,
	}
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bondladder",
			User:          "postgres",
			SSLMode:       "disable",
			MaxOpenConns:  10,
			MaxIdleConns:  5,
			RunMigrations: true,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Keeper: KeeperConfig{
			Enabled:        true,
			TendSchedule:   "0 */5 * * * *",
			ReportSchedule: "0 0 * * * *",
			SubmitTimeout:  duration{5 * time.Second},
		},
		Pipeline: PipelineConfig{
			CommandBuffer:    1024,
			PersistBuffer:    4096,
			ProjectionBuffer: 4096,
			PublishBuffer:    4096,
			PersistBatchSize: 100,
			PersistFlush:     duration{100 * time.Millisecond},
			SnapshotEvery:    10_000,
			SnapshotInterval: duration{10 * time.Second},
			DedupCacheSize:   100_000,
			ReplayBatchSize:  1000,
		},
		Venue: VenueConfig{
			Term:               90 * 24 * 3600,
			CheckpointInterval: 24 * 3600,
			AnnualRate:         "0.05",
			Spread:             "0.002",
			PreviewHaircut:     "0.0005",
			MinTxAmount:        1_000_000,
			Capacity:           1_000_000_000_000,
		},
		Policy: PolicyConfig{
			PartialClosureBuffer: 1_000,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency. It returns an
// error describing every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port %d out of range", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.MaxOpenConns <= 0 {
		errs = append(errs, "postgres: max_open_conns must be positive")
	}

	if c.NATS.URL == "" {
		errs = append(errs, "nats: url must not be empty")
	}

	if c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty")
	}
	if c.Server.MetricsAddr == "" {
		errs = append(errs, "server: metrics_addr must not be empty")
	}

	if c.Keeper.Enabled {
		if c.Keeper.TendSchedule == "" {
			errs = append(errs, "keeper: tend_schedule must not be empty when the keeper is enabled")
		}
		if c.Keeper.ReportSchedule == "" {
			errs = append(errs, "keeper: report_schedule must not be empty when the keeper is enabled")
		}
	}

	if c.Pipeline.CommandBuffer <= 0 || c.Pipeline.PersistBuffer <= 0 ||
		c.Pipeline.ProjectionBuffer <= 0 || c.Pipeline.PublishBuffer <= 0 {
		errs = append(errs, "pipeline: channel buffers must be positive")
	}
	if c.Pipeline.PersistBatchSize <= 0 {
		errs = append(errs, "pipeline: persist_batch_size must be positive")
	}
	if c.Pipeline.PersistFlush.Duration <= 0 {
		errs = append(errs, "pipeline: persist_flush must be positive")
	}
	if c.Pipeline.SnapshotEvery <= 0 {
		errs = append(errs, "pipeline: snapshot_every must be positive")
	}
	if c.Pipeline.SnapshotInterval.Duration <= 0 {
		errs = append(errs, "pipeline: snapshot_interval must be positive")
	}
	if c.Pipeline.DedupCacheSize <= 0 {
		errs = append(errs, "pipeline: dedup_cache_size must be positive")
	}
	if c.Pipeline.ReplayBatchSize <= 0 {
		errs = append(errs, "pipeline: replay_batch_size must be positive")
	}

	// The venue and policy carry their own invariants; surface both here so
	// a bad config fails at startup, not at first command.
	if simCfg, err := c.Venue.SimConfig(); err != nil {
		errs = append(errs, err.Error())
	} else if _, err := venue.NewSimVenue(simCfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Policy.Policy().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
