// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package config loads ingestd configuration with Koanf v2.
//
// Sources are layered, highest priority last: struct defaults, an optional
// YAML file (CONFIG_PATH or config.yaml), then environment variables.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	NATS       NATSConfig       `koanf:"nats"`
	Transport  TransportConfig  `koanf:"transport"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Watermark  WatermarkConfig  `koanf:"watermark"`
	Lease      LeaseConfig      `koanf:"lease"`
	Database   DatabaseConfig   `koanf:"database"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
	Source     SourceConfig     `koanf:"source"`
	Stages     StagesConfig     `koanf:"stages"`
	Security   SecurityConfig   `koanf:"security"`
	Audit      AuditConfig      `koanf:"audit"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`

	// RateLimitRequests per RateLimitWindow per client IP. Zero disables.
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// NATSConfig configures the broker connection and, optionally, an embedded server.
type NATSConfig struct {
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	ServerName     string `koanf:"server_name"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// TransportConfig configures the Log Transport.
type TransportConfig struct {
	// Driver is "jetstream" or "memory".
	Driver string `koanf:"driver"`

	StreamName      string        `koanf:"stream_name"`
	SubjectPrefix   string        `koanf:"subject_prefix"`
	MaxAge          time.Duration `koanf:"max_age"`
	MaxBytes        int64         `koanf:"max_bytes"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
	Replicas        int           `koanf:"replicas"`

	// AckWait is how long JetStream waits before redelivering an unacked entry.
	AckWait time.Duration `koanf:"ack_wait"`

	// BlockTimeout bounds each "new" read.
	BlockTimeout time.Duration `koanf:"block_timeout"`
	BatchSize    int           `koanf:"batch_size"`

	// ReclaimIdle is the idle time after which another consumer may claim an entry.
	ReclaimIdle time.Duration `koanf:"reclaim_idle"`
}

// SchedulerConfig configures the ingestion scheduler.
type SchedulerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	TickInterval time.Duration `koanf:"tick_interval"`

	// HistoricalHorizon is H: how far back a historical window reaches.
	HistoricalHorizon time.Duration `koanf:"historical_horizon"`

	// IncrementalLookback is I: the minimum lookback of an incremental window.
	IncrementalLookback time.Duration `koanf:"incremental_lookback"`

	// LPAMaxAge forces historical mode when last_processed_at is older than this.
	LPAMaxAge time.Duration `koanf:"lpa_max_age"`

	// Parallelism bounds how many sources tick concurrently.
	Parallelism int `koanf:"parallelism"`

	// FailureBackoff and FailureBackoffMax defer a source after consecutive failures.
	FailureBackoff    time.Duration `koanf:"failure_backoff"`
	FailureBackoffMax time.Duration `koanf:"failure_backoff_max"`

	Topic string `koanf:"topic"`
}

// WatermarkConfig configures the crash-recovery watermark store.
type WatermarkConfig struct {
	Path       string        `koanf:"path"`
	TTL        time.Duration `koanf:"ttl"`
	InMemory   bool          `koanf:"in_memory"`
	SyncWrites bool          `koanf:"sync_writes"`

	// CheckpointEvery advances the watermark after this many emitted units. Zero disables.
	CheckpointEvery int `koanf:"checkpoint_every"`
}

// LeaseConfig configures per-source tick leases.
type LeaseConfig struct {
	Bucket string        `koanf:"bucket"`
	TTL    time.Duration `koanf:"ttl"`
}

// DatabaseConfig configures DuckDB.
type DatabaseConfig struct {
	Path        string `koanf:"path"`
	MaxMemory   string `koanf:"max_memory"`
	Threads     int    `koanf:"threads"`
	MaxOpenConn int    `koanf:"max_open_conns"`
}

// DeadLetterConfig configures the retry and dead-letter policy.
type DeadLetterConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	JitterFraction    float64       `koanf:"jitter_fraction"`

	// Retention is how long resolved records are kept before the janitor purges them.
	Retention       time.Duration `koanf:"retention"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// SourceConfig configures the HTTP source connector.
type SourceConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Token     string        `koanf:"token"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	RateBurst int           `koanf:"rate_burst"`
	PageSize  int           `koanf:"page_size"`

	BreakerMaxRequests uint32        `koanf:"breaker_max_requests"`
	BreakerInterval    time.Duration `koanf:"breaker_interval"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
	BreakerFailures    uint32        `koanf:"breaker_failures"`
}

// StagesConfig configures the downstream consumer stages.
type StagesConfig struct {
	ConsumersPerStage int `koanf:"consumers_per_stage"`

	TaggingURL   string `koanf:"tagging_url"`
	TaggingModel string `koanf:"tagging_model"`
	// TaggingKeywords maps keywords to labels for the in-process tagger.
	TaggingKeywords map[string]string `koanf:"tagging_keywords"`
	EnrichmentURL   string            `koanf:"enrichment_url"`
	EnrichmentModel string            `koanf:"enrichment_model"`

	AnnotatorTimeout time.Duration `koanf:"annotator_timeout"`
	LagInterval      time.Duration `koanf:"lag_interval"`
}

// SecurityConfig configures operator authentication.
type SecurityConfig struct {
	// AuthMode is "jwt" or "none".
	AuthMode    string        `koanf:"auth_mode"`
	JWTSecret   string        `koanf:"jwt_secret"`
	TokenTTL    time.Duration `koanf:"token_ttl"`
	PolicyPath  string        `koanf:"policy_path"`
	DefaultRole string        `koanf:"default_role"`
}

// AuditConfig configures the operator action audit trail.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Retention       time.Duration `koanf:"retention"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	BufferSize      int           `koanf:"buffer_size"`
	LogToStdout     bool          `koanf:"log_to_stdout"`
}

// SupervisorConfig configures the suture tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}
