// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

/*
Package main is the entry point for the ingestd server.

ingestd polls registered channel sources on a schedule, appends every
discovered content unit to a durable log, and drives it through the
persist, tagging, enrichment and indexing stages exactly once per
idempotency key. Failed entries are retried with backoff and parked as
dead letters when the policy is exhausted.

# Application Architecture

Every long-running component is a Suture v4 service:

	RootSupervisor ("ingestd")
	├── DataSupervisor ("data-layer")
	│   ├── Dead-letter janitor
	│   ├── Watermark value-log GC
	│   └── Audit logger (when audit.enabled)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── WebSocket hub
	│   └── Signal router (journal + broadcast)
	├── PipelineSupervisor ("pipeline-layer")
	│   ├── Scheduler
	│   ├── Consumer runtimes (one group per stage)
	│   └── Lag reporter
	└── APISupervisor ("api-layer")
	    └── HTTP server

Component initialization order:

 1. Configuration: Koanf v2 (defaults, config.yaml, environment)
 2. Logging: zerolog
 3. Database: DuckDB (sources, content, annotations, dead letters, signals)
 4. Transport: embedded or external NATS JetStream, or the in-memory log
 5. Leases: JetStream KV bucket, or in-process when the transport is in memory
 6. Watermarks: BadgerDB with per-key TTL
 7. Signals: watermill over core NATS, or gochannel
 8. Dead letters, scheduler, stages
 9. Authentication (JWT) and authorization (Casbin)
 10. HTTP server: chi router

# Signal Handling

SIGINT and SIGTERM cancel the root context. Suture stops every layer,
the HTTP server drains in-flight requests, and stores are closed in
reverse order of creation.

# Example Usage

	export SOURCE_BASE_URL=http://gateway:9000
	export JWT_SECRET=$(openssl rand -base64 32)
	./ingestd

Single process without NATS, for development:

	export INGESTD_TRANSPORT_DRIVER=memory
	export INGESTD_WATERMARK_IN_MEMORY=true
	export INGESTD_SECURITY_AUTH_MODE=none
	./ingestd
*/
package main
