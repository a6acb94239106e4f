// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/ingestd/internal/config"
	"github.com/tomtom215/ingestd/internal/lease"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/signals"
	"github.com/tomtom215/ingestd/internal/transport"
)

// Transport holds the log transport and everything that shares its broker.
type Transport struct {
	Log    transport.Log
	Locker lease.Locker

	// SignalPub and SignalSub carry operational signals.
	SignalPub message.Publisher
	SignalSub message.Subscriber

	server  *transport.EmbeddedServer
	conn    *natsgo.Conn
	streams *transport.StreamInitializer
	memory  *transport.MemoryLog
}

// InitTransport builds the transport selected by transport.driver.
func InitTransport(ctx context.Context, cfg *config.Config) (*Transport, error) {
	if cfg.Transport.Driver == "memory" {
		return initMemoryTransport(cfg), nil
	}
	return initJetStreamTransport(ctx, cfg)
}

func initMemoryTransport(cfg *config.Config) *Transport {
	logging.Warn().Msg("Using in-memory transport: entries do not survive a restart and leases are process-local")
	mem := transport.NewMemoryLog(transport.WithDedupWindow(cfg.Transport.DuplicateWindow))
	ps := signals.NewInProcessPubSub(signals.Logger())
	return &Transport{
		Log:       mem,
		Locker:    lease.NewLocalLocker(cfg.Lease.TTL),
		SignalPub: ps,
		SignalSub: ps,
		memory:    mem,
	}
}

func initJetStreamTransport(ctx context.Context, cfg *config.Config) (_ *Transport, err error) {
	t := &Transport{}
	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		t.server, err = transport.NewEmbeddedServer(transport.ServerConfig{
			Name:     cfg.NATS.ServerName,
			Host:     cfg.NATS.Host,
			Port:     cfg.NATS.Port,
			StoreDir: cfg.NATS.StoreDir,
			MaxMem:   cfg.NATS.MaxMemory,
			MaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return nil, err
		}
		natsURL = t.server.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	} else {
		logging.Info().Str("url", natsURL).Msg("Using external NATS server")
	}

	t.conn, err = transport.Connect(transport.ConnectConfig{
		URL:            natsURL,
		Name:           instanceName(),
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(t.conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := streamConfigFrom(cfg.Transport)
	t.streams, err = transport.NewStreamInitializer(js, streamCfg)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err = t.streams.EnsureStream(initCtx); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamCfg.Name, err)
	}

	t.Log = transport.NewJetStreamLog(t.conn, js, transport.JetStreamConfig{
		Stream:  streamCfg,
		AckWait: cfg.Transport.AckWait,
	})

	kv, err := lease.EnsureBucket(initCtx, js, cfg.Lease.Bucket, cfg.Lease.TTL)
	if err != nil {
		return nil, err
	}
	t.Locker = lease.NewKVLocker(kv, instanceName())

	t.SignalPub, t.SignalSub, err = signals.NewNATSPubSub(signals.NATSConfig{
		URL:            natsURL,
		QueueGroup:     "ingestd-signals",
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
	}, signals.Logger())
	if err != nil {
		return nil, err
	}

	logging.Info().
		Str("stream", streamCfg.Name).
		Str("lease_bucket", cfg.Lease.Bucket).
		Msg("JetStream transport initialized")
	return t, nil
}

func streamConfigFrom(tc config.TransportConfig) transport.StreamConfig {
	sc := transport.DefaultStreamConfig()
	if tc.StreamName != "" {
		sc.Name = tc.StreamName
	}
	if tc.SubjectPrefix != "" {
		sc.SubjectPrefix = tc.SubjectPrefix
	}
	if tc.MaxAge > 0 {
		sc.MaxAge = tc.MaxAge
	}
	if tc.MaxBytes != 0 {
		sc.MaxBytes = tc.MaxBytes
	}
	if tc.DuplicateWindow > 0 {
		sc.DuplicateWindow = tc.DuplicateWindow
	}
	if tc.Replicas > 0 {
		sc.Replicas = tc.Replicas
	}
	return sc
}

// Healthy reports whether the log accepts work.
func (t *Transport) Healthy(ctx context.Context) error {
	if t.streams != nil && !t.streams.IsHealthy(ctx) {
		return fmt.Errorf("stream unavailable")
	}
	return t.Log.Healthy(ctx)
}

// Close releases the signal pub/sub, the connection and the embedded server.
func (t *Transport) Close() {
	if t.SignalSub != nil {
		if err := t.SignalSub.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing signal subscriber")
		}
	}
	// The in-memory pub/sub is one value behind both fields.
	if t.SignalPub != nil && t.memory == nil {
		if err := t.SignalPub.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing signal publisher")
		}
	}
	if t.memory != nil {
		_ = t.memory.Close()
	}
	if t.conn != nil {
		if err := t.conn.Drain(); err != nil {
			t.conn.Close()
		}
	}
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.server.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("Error shutting down embedded NATS server")
		}
	}
}

// instanceName identifies this process as a lease holder and NATS client.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ingestd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
