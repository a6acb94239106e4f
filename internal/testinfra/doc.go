// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package testinfra starts real dependencies in containers for integration
// tests, using testcontainers-go.
//
// The embedded NATS server covers unit tests; the container covers the
// deployment shape where ingestd talks to an external JetStream cluster
// over the network:
//
//	func TestAgainstNATS(t *testing.T) {
//	    nc := testinfra.StartNATS(t)
//	    log := transport.NewJetStreamLog(nc.Conn, nc.JetStream, cfg)
//	    ...
//	}
//
// Everything here is behind the integration build tag:
//
//	go test -tags integration ./internal/testinfra/...
package testinfra
