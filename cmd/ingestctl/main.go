// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Command ingestctl is the operator CLI for a running ingestd.
//
// Usage:
//
//	ingestctl [-addr host:port] [-token jwt] <command> [flags] [args]
//
// The address and token default to INGESTD_ADDR and INGESTD_TOKEN.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
)

const usage = `ingestctl - operate an ingestd server

usage:
  ingestctl [-addr host:port] [-token jwt] [-timeout 30s] <command> [flags] [args]

commands:
  deadletter list [-status dead] [-entity-type stage] [-limit 100]
  deadletter get <id>
  deadletter replay <id>
  deadletter resolve <id>
  deadletter counts
  deadletter purge -older-than 720h
  sources list
  sources add [-title t] [-username u] [-inactive] <id>
  sources tick <id>
  lag
  signals [-kind k] [-limit 50]
  audit [-action a] [-outcome o] [-actor sub] [-target-type t] [-target-id id] [-since rfc3339] [-limit 50]
  health

The address and token default to INGESTD_ADDR and INGESTD_TOKEN.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingestctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	addr := fs.String("addr", envOr("INGESTD_ADDR", "127.0.0.1:8080"), "server address")
	token := fs.String("token", os.Getenv("INGESTD_TOKEN"), "bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	client, err := NewClient(*addr, *token, *timeout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	c := &cli{client: client, out: stdout, errw: stderr}

	rest := fs.Args()
	switch rest[0] {
	case "deadletter", "dl":
		err = c.deadletter(ctx, rest[1:])
	case "sources":
		err = c.sources(ctx, rest[1:])
	case "lag":
		err = c.show(ctx, http.MethodGet, "stages/lag", nil, nil)
	case "signals":
		err = c.signals(ctx, rest[1:])
	case "audit":
		err = c.audit(ctx, rest[1:])
	case "health":
		err = c.show(ctx, http.MethodGet, "health/ready", nil, nil)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", rest[0])
		fs.Usage()
		return 2
	}

	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		fmt.Fprintln(stderr, ue.msg)
		fmt.Fprint(stderr, usage)
		return 2
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

type cli struct {
	client *Client
	out    io.Writer
	errw   io.Writer
}

// show calls the API and prints the response data as indented JSON. Data
// that comes with an error is printed before the error is returned.
func (c *cli) show(ctx context.Context, method, path string, query url.Values, body any) error {
	data, err := c.client.Do(ctx, method, path, query, body)
	if len(data) > 0 && string(data) != "null" {
		if perr := c.print(data); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (c *cli) print(data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := c.out.Write(buf.Bytes())
	return err
}

func (c *cli) deadletter(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError{"deadletter requires a subcommand"}
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "list", "ls":
		fs := c.flags("deadletter list")
		status := fs.String("status", "", "filter by status: pending, dead, resolved")
		entityType := fs.String("entity-type", "", "filter by stage")
		limit := fs.Int("limit", 100, "maximum records")
		if err := fs.Parse(args); err != nil {
			return usageError{err.Error()}
		}
		q := url.Values{}
		setIf(q, "status", *status)
		setIf(q, "entity_type", *entityType)
		q.Set("limit", strconv.Itoa(*limit))
		return c.show(ctx, http.MethodGet, "deadletter", q, nil)
	case "counts":
		return c.show(ctx, http.MethodGet, "deadletter/counts", nil, nil)
	case "get", "replay", "resolve":
		if len(args) != 1 {
			return usageError{fmt.Sprintf("deadletter %s requires exactly one record id", sub)}
		}
		id := url.PathEscape(args[0])
		if sub == "get" {
			return c.show(ctx, http.MethodGet, "deadletter/"+id, nil, nil)
		}
		return c.show(ctx, http.MethodPost, "deadletter/"+id+"/"+sub, nil, nil)
	case "purge":
		fs := c.flags("deadletter purge")
		olderThan := fs.Duration("older-than", 0, "purge resolved records older than this")
		if err := fs.Parse(args); err != nil {
			return usageError{err.Error()}
		}
		if *olderThan <= 0 {
			return usageError{"deadletter purge requires -older-than"}
		}
		return c.show(ctx, http.MethodDelete, "deadletter/resolved", url.Values{"older_than": {olderThan.String()}}, nil)
	default:
		return usageError{fmt.Sprintf("unknown deadletter subcommand: %s", sub)}
	}
}

// registerSource is the body of POST /api/v1/sources.
type registerSource struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
	IsActive bool   `json:"is_active"`
}

func (c *cli) sources(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError{"sources requires a subcommand"}
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "list", "ls":
		return c.show(ctx, http.MethodGet, "sources", nil, nil)
	case "add":
		fs := c.flags("sources add")
		title := fs.String("title", "", "display title")
		username := fs.String("username", "", "channel username")
		inactive := fs.Bool("inactive", false, "register without scheduling")
		if err := fs.Parse(args); err != nil {
			return usageError{err.Error()}
		}
		if fs.NArg() != 1 {
			return usageError{"sources add requires exactly one source id"}
		}
		return c.show(ctx, http.MethodPost, "sources", nil, registerSource{
			ID: fs.Arg(0), Title: *title, Username: *username, IsActive: !*inactive,
		})
	case "tick":
		if len(args) != 1 {
			return usageError{"sources tick requires exactly one source id"}
		}
		return c.tick(ctx, args[0])
	default:
		return usageError{fmt.Sprintf("unknown sources subcommand: %s", sub)}
	}
}

// tick prints the tick result and fails when the tick itself failed.
func (c *cli) tick(ctx context.Context, id string) error {
	data, err := c.client.Do(ctx, http.MethodPost, "sources/"+url.PathEscape(id)+"/tick", nil, nil)
	if err != nil {
		return err
	}
	if err := c.print(data); err != nil {
		return err
	}
	var res struct {
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("decode tick result: %w", err)
	}
	if res.Error != "" {
		return fmt.Errorf("tick %s: %s", res.Outcome, res.Error)
	}
	return nil
}

func (c *cli) signals(ctx context.Context, args []string) error {
	fs := c.flags("signals")
	kind := fs.String("kind", "", "filter by kind")
	limit := fs.Int("limit", 50, "maximum signals")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	setIf(q, "kind", *kind)
	return c.show(ctx, http.MethodGet, "signals", q, nil)
}

func (c *cli) audit(ctx context.Context, args []string) error {
	fs := c.flags("audit")
	action := fs.String("action", "", "filter by action, e.g. deadletter.replay")
	outcome := fs.String("outcome", "", "success or failure")
	actor := fs.String("actor", "", "filter by token subject")
	targetType := fs.String("target-type", "", "deadletter or source")
	targetID := fs.String("target-id", "", "filter by target id")
	since := fs.String("since", "", "only events at or after this RFC 3339 time")
	limit := fs.Int("limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	setIf(q, "action", *action)
	setIf(q, "outcome", *outcome)
	setIf(q, "actor", *actor)
	setIf(q, "target_type", *targetType)
	setIf(q, "target_id", *targetID)
	setIf(q, "since", *since)
	return c.show(ctx, http.MethodGet, "audit", q, nil)
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errw)
	return fs
}

func setIf(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
