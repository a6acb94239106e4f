// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateServer,
		c.validateLogging,
		c.validateTransport,
		c.validateScheduler,
		c.validateWatermark,
		c.validateDeadLetter,
		c.validateSource,
		c.validateSecurity,
		c.validateAudit,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateTransport() error {
	switch c.Transport.Driver {
	case "jetstream":
		if c.NATS.URL == "" && !c.NATS.EmbeddedServer {
			return fmt.Errorf("nats.url is required when transport.driver=jetstream without an embedded server")
		}
		if c.Transport.StreamName == "" {
			return fmt.Errorf("transport.stream_name is required")
		}
	case "memory":
	default:
		return fmt.Errorf("transport.driver must be jetstream or memory, got %q", c.Transport.Driver)
	}
	if c.Transport.BlockTimeout <= 0 {
		return fmt.Errorf("transport.block_timeout must be positive")
	}
	if c.Transport.BatchSize < 1 {
		return fmt.Errorf("transport.batch_size must be at least 1")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if s.HistoricalHorizon <= 0 {
		return fmt.Errorf("scheduler.historical_horizon must be positive")
	}
	if s.IncrementalLookback < 0 {
		return fmt.Errorf("scheduler.incremental_lookback must not be negative")
	}
	if s.LPAMaxAge <= s.IncrementalLookback {
		return fmt.Errorf("scheduler.lpa_max_age (%s) must exceed scheduler.incremental_lookback (%s)",
			s.LPAMaxAge, s.IncrementalLookback)
	}
	if s.Parallelism < 1 {
		return fmt.Errorf("scheduler.parallelism must be at least 1")
	}
	if s.Topic == "" {
		return fmt.Errorf("scheduler.topic is required")
	}
	return nil
}

func (c *Config) validateWatermark() error {
	if c.Watermark.TTL <= 0 {
		return fmt.Errorf("watermark.ttl must be positive")
	}
	if !c.Watermark.InMemory && c.Watermark.Path == "" {
		return fmt.Errorf("watermark.path is required unless watermark.in_memory=true")
	}
	if c.Watermark.CheckpointEvery < 0 {
		return fmt.Errorf("watermark.checkpoint_every must not be negative")
	}
	return nil
}

func (c *Config) validateDeadLetter() error {
	d := c.DeadLetter
	if d.MaxAttempts < 1 {
		return fmt.Errorf("deadletter.max_attempts must be at least 1")
	}
	if d.InitialBackoff <= 0 || d.MaxBackoff < d.InitialBackoff {
		return fmt.Errorf("deadletter backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if d.BackoffMultiplier < 1 {
		return fmt.Errorf("deadletter.backoff_multiplier must be at least 1")
	}
	if d.JitterFraction < 0 || d.JitterFraction > 1 {
		return fmt.Errorf("deadletter.jitter_fraction must be within [0, 1]")
	}
	return nil
}

func (c *Config) validateSource() error {
	if c.Source.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(c.Source.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source.base_url must be an http(s) URL, got %q", c.Source.BaseURL)
	}
	if c.Source.RateLimit <= 0 {
		return fmt.Errorf("source.rate_limit must be positive")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	switch c.Security.AuthMode {
	case "none":
		return nil
	case "jwt":
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security.jwt_secret must be at least 32 characters when auth_mode=jwt")
		}
		return nil
	default:
		return fmt.Errorf("security.auth_mode must be jwt or none, got %q", c.Security.AuthMode)
	}
}

func (c *Config) validateAudit() error {
	if c.Audit.Retention < 0 {
		return fmt.Errorf("audit.retention must not be negative")
	}
	return nil
}
