// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/ingestd/config.yaml",
	"/etc/ingestd/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix marks environment variables that map onto config paths:
// INGESTD_SCHEDULER_TICK_INTERVAL -> scheduler.tick_interval.
const EnvPrefix = "INGESTD_"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			ServerName:     "ingestd",
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,
			MaxStore:       10 << 30,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			Driver:          "jetstream",
			StreamName:      "INGEST",
			SubjectPrefix:   "ingest",
			MaxAge:          7 * 24 * time.Hour,
			MaxBytes:        -1,
			DuplicateWindow: 2 * time.Hour,
			Replicas:        1,
			AckWait:         2 * time.Minute,
			BlockTimeout:    5 * time.Second,
			BatchSize:       32,
			ReclaimIdle:     5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			TickInterval:        time.Minute,
			HistoricalHorizon:   7 * 24 * time.Hour,
			IncrementalLookback: 10 * time.Minute,
			LPAMaxAge:           48 * time.Hour,
			Parallelism:         4,
			FailureBackoff:      30 * time.Second,
			FailureBackoffMax:   30 * time.Minute,
			Topic:               "content.discovered",
		},
		Watermark: WatermarkConfig{
			Path:            "/data/watermarks",
			TTL:             24 * time.Hour,
			SyncWrites:      true,
			CheckpointEvery: 50,
		},
		Lease: LeaseConfig{
			Bucket: "ingest_leases",
			TTL:    5 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:        "/data/ingestd.duckdb",
			MaxMemory:   "1GB",
			Threads:     4,
			MaxOpenConn: 8,
		},
		DeadLetter: DeadLetterConfig{
			MaxAttempts:       5,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        10 * time.Minute,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
			Retention:         30 * 24 * time.Hour,
			JanitorInterval:   time.Hour,
		},
		Source: SourceConfig{
			Timeout:            30 * time.Second,
			RateLimit:          1,
			RateBurst:          5,
			PageSize:           200,
			BreakerMaxRequests: 1,
			BreakerInterval:    time.Minute,
			BreakerTimeout:     30 * time.Second,
			BreakerFailures:    5,
		},
		Stages: StagesConfig{
			ConsumersPerStage: 2,
			AnnotatorTimeout:  60 * time.Second,
			LagInterval:       15 * time.Second,
		},
		Security: SecurityConfig{
			AuthMode:    "jwt",
			TokenTTL:    12 * time.Hour,
			DefaultRole: "viewer",
		},
		Audit: AuditConfig{
			Enabled:         true,
			Retention:       90 * 24 * time.Hour,
			CleanupInterval: 24 * time.Hour,
			BufferSize:      1000,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, file and environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envAliases are short operator-facing names kept alongside the INGESTD_ form.
var envAliases = map[string]string{
	"lpa_max_age":          "scheduler.lpa_max_age",
	"historical_horizon":   "scheduler.historical_horizon",
	"incremental_lookback": "scheduler.incremental_lookback",
	"http_port":            "server.port",
	"log_level":            "logging.level",
	"log_format":           "logging.format",
	"nats_url":             "nats.url",
	"duckdb_path":          "database.path",
	"jwt_secret":           "security.jwt_secret",
	"source_base_url":      "source.base_url",
	"source_token":         "source.token",
}

// envSections lists the top-level keys an INGESTD_ variable may address.
var envSections = []string{
	"server", "logging", "nats", "transport", "scheduler", "watermark",
	"lease", "database", "deadletter", "source", "stages", "security", "audit", "supervisor",
}

// envTransformFunc maps an environment variable name to a koanf path.
// Unknown names return "" and are ignored.
func envTransformFunc(key string) string {
	lower := strings.ToLower(key)
	if mapped, ok := envAliases[lower]; ok {
		return mapped
	}

	rest, ok := strings.CutPrefix(lower, strings.ToLower(EnvPrefix))
	if !ok {
		return ""
	}
	for _, section := range envSections {
		if field, found := strings.CutPrefix(rest, section+"_"); found && field != "" {
			return section + "." + field
		}
	}
	return ""
}
