// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/ingestd/internal/api"
	"github.com/tomtom215/ingestd/internal/audit"
	"github.com/tomtom215/ingestd/internal/auth"
	"github.com/tomtom215/ingestd/internal/authz"
	"github.com/tomtom215/ingestd/internal/config"
	"github.com/tomtom215/ingestd/internal/consumer"
	"github.com/tomtom215/ingestd/internal/database"
	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/scheduler"
	"github.com/tomtom215/ingestd/internal/signals"
	"github.com/tomtom215/ingestd/internal/source"
	"github.com/tomtom215/ingestd/internal/stages"
	"github.com/tomtom215/ingestd/internal/supervisor"
	"github.com/tomtom215/ingestd/internal/supervisor/services"
	"github.com/tomtom215/ingestd/internal/watermark"
	ws "github.com/tomtom215/ingestd/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	logging.Info().
		Str("transport", cfg.Transport.Driver).
		Str("db_path", cfg.Database.Path).
		Str("auth_mode", cfg.Security.AuthMode).
		Msg("Starting ingestd with supervisor tree")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("ingestd exited with error")
	}
	logging.Info().Msg("Shutdown complete")
}

//nolint:gocyclo // Sequential setup steps
func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	dlStore := deadletter.NewDuckDBStore(db.Conn())
	if err := dlStore.CreateTable(ctx); err != nil {
		return fmt.Errorf("create dead-letter table: %w", err)
	}

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		auditStore := audit.NewDuckDBStore(db.Conn())
		if err := auditStore.CreateTable(ctx); err != nil {
			return fmt.Errorf("create audit table: %w", err)
		}
		auditLog = audit.NewLogger(auditStore, audit.ConfigFrom(cfg.Audit))
	}

	tr, err := InitTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}
	defer tr.Close()

	wm, err := watermark.Open(watermark.Config{
		Path:       cfg.Watermark.Path,
		TTL:        cfg.Watermark.TTL,
		InMemory:   cfg.Watermark.InMemory,
		SyncWrites: cfg.Watermark.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open watermark store: %w", err)
	}
	defer func() {
		if err := wm.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing watermark store")
		}
	}()

	// Signals: publish on the bus, journal to DuckDB, fan out to websocket clients.
	bus := signals.NewBus(tr.SignalPub, signals.DefaultTopic)
	hub := ws.NewHub()
	signalRouter, err := signals.NewRouter(signals.DefaultRouterConfig(), tr.SignalSub, db, hub, signals.Logger())
	if err != nil {
		return fmt.Errorf("create signal router: %w", err)
	}

	dlq := deadletter.NewManager(dlStore, deadletter.PolicyFromConfig(cfg.DeadLetter), tr.Log, bus)

	connector, err := newConnector(cfg.Source)
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.ConfigFrom(cfg.Scheduler, cfg.Watermark, cfg.Lease), db, wm, connector, tr.Log, tr.Locker, bus)

	tagger, enricher, err := stages.Annotators(cfg.Stages)
	if err != nil {
		return fmt.Errorf("configure annotators: %w", err)
	}
	runtimes, groups, err := stages.Runtimes(cfg.Transport, cfg.Stages.ConsumersPerStage, tr.Log,
		stages.Processors(db, tr.Log, tagger, enricher), dlq)
	if err != nil {
		return fmt.Errorf("build stage runtimes: %w", err)
	}
	lag := consumer.NewLagReporter(tr.Log, cfg.Stages.LagInterval, groups...)

	authMW, enforcer, err := initSecurity(cfg)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Server:      cfg.Server,
		DeadLetters: dlq,
		Scheduler:   sched,
		Sources:     db,
		Lag:         lag,
		Signals:     db,
		Hub:         hub,
		HealthChecks: []api.HealthCheck{
			{Name: "database", Check: db.Ping},
			{Name: "transport", Check: tr.Healthy},
			{Name: "watermarks", Check: wm.Healthy},
		},
		Auth:  authMW,
		Authz: enforcer,
	}
	if auditLog != nil {
		deps.Audit = auditLog
	}
	server := api.NewServer(cfg.Server, api.NewRouter(deps))

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfigFrom(cfg.Supervisor))
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	tree.AddDataService(deadletter.NewJanitor(dlq, cfg.DeadLetter.Retention, cfg.DeadLetter.JanitorInterval))
	tree.AddDataService(watermark.NewGCService(wm, 10*time.Minute))
	if auditLog != nil {
		tree.AddDataService(auditLog)
	}

	tree.AddMessagingService(hub)
	tree.AddMessagingService(signalRouter)

	if cfg.Scheduler.Enabled && cfg.Source.BaseURL != "" {
		tree.AddPipelineService(sched)
	} else {
		logging.Warn().
			Bool("enabled", cfg.Scheduler.Enabled).
			Bool("source_configured", cfg.Source.BaseURL != "").
			Msg("Scheduler loop not started; manual ticks remain available")
	}
	for _, rt := range runtimes {
		tree.AddPipelineService(rt)
	}
	tree.AddPipelineService(lag)

	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", server.Addr).
		Int("consumers", len(runtimes)).
		Msg("Starting supervisor tree")

	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	logging.Info().Msg("Received shutdown signal, stopping supervisor tree")

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("supervisor tree: %w", err)
		}
	case <-time.After(cfg.Supervisor.ShutdownTimeout + 5*time.Second):
		report, _ := tree.UnstoppedServiceReport()
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	return nil
}

// newConnector builds the HTTP source connector. Without a gateway every
// fetch fails as unavailable, so manual ticks report a clear error.
func newConnector(sc config.SourceConfig) (source.Connector, error) {
	if sc.BaseURL == "" {
		return source.Func(func(context.Context, models.Source, time.Time, time.Time) ([]models.ContentUnit, error) {
			return nil, fmt.Errorf("%w: source.base_url is not configured", source.ErrSourceUnavailable)
		}), nil
	}
	c, err := source.NewHTTPConnector(source.HTTPConfig{
		BaseURL:            sc.BaseURL,
		Token:              sc.Token,
		Timeout:            sc.Timeout,
		RateLimit:          sc.RateLimit,
		RateBurst:          sc.RateBurst,
		PageSize:           sc.PageSize,
		BreakerMaxRequests: sc.BreakerMaxRequests,
		BreakerInterval:    sc.BreakerInterval,
		BreakerTimeout:     sc.BreakerTimeout,
		BreakerFailures:    sc.BreakerFailures,
	})
	if err != nil {
		return nil, fmt.Errorf("create source connector: %w", err)
	}
	return c, nil
}

func initSecurity(cfg *config.Config) (*auth.Middleware, *authz.Enforcer, error) {
	var jwtManager *auth.JWTManager
	if cfg.Security.AuthMode == auth.ModeJWT {
		var err error
		if jwtManager, err = auth.NewJWTManager(&cfg.Security); err != nil {
			return nil, nil, fmt.Errorf("create JWT manager: %w", err)
		}
	} else {
		logging.Warn().Msg("Authentication disabled (auth_mode=none); every request gets the default role")
	}

	enforcer, err := authz.NewEnforcer(cfg.Security.PolicyPath, cfg.Security.DefaultRole)
	if err != nil {
		return nil, nil, fmt.Errorf("create authorization enforcer: %w", err)
	}
	return auth.NewMiddleware(jwtManager, cfg.Security.AuthMode, cfg.Security.DefaultRole), enforcer, nil
}
