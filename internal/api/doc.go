// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

/*
Package api implements the operational HTTP API of ingestd.

Operators use it to inspect and replay dead-lettered work, register sources
and trigger ticks, watch consumer lag and follow operational signals, either
from the journal or live over a websocket. Mutating calls are recorded in
the audit trail. Every JSON response uses the
APIResponse envelope:

	{"success": true, "data": {...}, "meta": {"request_id": "...", "timestamp": "..."}}

Routing uses chi. Authentication (JWT) and authorization (casbin RBAC) wrap
everything under /api/v1 except the health checks.
*/
package api
