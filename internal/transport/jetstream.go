// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/ingestd/internal/breaker"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
)

// JetStreamConfig configures JetStreamLog.
type JetStreamConfig struct {
	Stream StreamConfig

	// AckWait is how long a delivered entry may stay unacked before
	// JetStream hands it to another member of the group.
	AckWait time.Duration

	// MaxAckPending bounds unacked entries per group. Zero uses the server default.
	MaxAckPending int
}

// JetStreamLog implements Log on a single JetStream stream. A topic maps to
// the subject <prefix>.<topic> and a group to a durable pull consumer
// filtered on that subject. Offsets are stream sequence numbers.
//
// JetStream itself remembers which entries are unacked; JetStreamLog keeps
// the message handles for entries delivered to this process so that
// ReadGroup with CursorPending and Ack can act on them.
type JetStreamLog struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg JetStreamConfig
	cb  *breaker.Breaker

	mu        sync.Mutex
	consumers map[groupKey]jetstream.Consumer
	inflight  map[groupKey]map[Offset]*heldMsg
}

type groupKey struct {
	topic string
	group string
}

type heldMsg struct {
	consumer   string
	msg        jetstream.Msg
	env        models.Envelope
	deliveries int
	raw        []byte
	decodeErr  error
}

// NewJetStreamLog wraps an established connection. The stream must already
// exist; see StreamInitializer.
func NewJetStreamLog(nc *nats.Conn, js jetstream.JetStream, cfg JetStreamConfig) *JetStreamLog {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	return &JetStreamLog{
		nc:  nc,
		js:  js,
		cfg: cfg,
		cb: breaker.New(breaker.Config{
			Name:                "transport-publish",
			MaxRequests:         1,
			Timeout:             10 * time.Second,
			ConsecutiveFailures: 5,
		}),
		consumers: make(map[groupKey]jetstream.Consumer),
		inflight:  make(map[groupKey]map[Offset]*heldMsg),
	}
}

// Subject returns the subject of topic.
func (l *JetStreamLog) Subject(topic string) string {
	return l.cfg.Stream.SubjectPrefix + "." + topic
}

// ConsumerName returns the durable name of group on topic.
func ConsumerName(topic, group string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(topic) + "__" + r.Replace(group)
}

// Append implements Log.
func (l *JetStreamLog) Append(ctx context.Context, topic string, env models.Envelope, opts ...AppendOption) (Offset, error) {
	o := resolveAppendOptions(&env, opts)

	body, err := json.Marshal(env.Fields())
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	msg := nats.NewMsg(l.Subject(topic))
	msg.Data = body
	msg.Header.Set("Ingest-Event-Type", env.EventType)

	res, err := l.cb.Execute(func() (any, error) {
		return l.js.PublishMsg(ctx, msg, jetstream.WithMsgID(o.dedupID))
	})
	metrics.RecordAppend(topic, err)
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", topic, err)
	}
	ack, ok := res.(*jetstream.PubAck)
	if !ok || ack == nil {
		return 0, fmt.Errorf("publish to %s: missing ack", topic)
	}
	if ack.Duplicate {
		logging.Debug().Str("topic", topic).Str("dedup_id", o.dedupID).Uint64("offset", ack.Sequence).
			Msg("Duplicate append suppressed")
	}
	return Offset(ack.Sequence), nil
}

// EnsureGroup implements Log. The durable consumer starts at the first
// entry of the topic.
func (l *JetStreamLog) EnsureGroup(ctx context.Context, topic, group string) error {
	cons, err := l.js.CreateOrUpdateConsumer(ctx, l.cfg.Stream.Name, jetstream.ConsumerConfig{
		Durable:       ConsumerName(topic, group),
		Description:   "ingestd group " + group + " on " + topic,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       l.cfg.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: l.cfg.MaxAckPending,
		FilterSubject: l.Subject(topic),
	})
	if err != nil {
		return fmt.Errorf("ensure group %s on %s: %w", group, topic, err)
	}

	l.mu.Lock()
	l.consumers[groupKey{topic, group}] = cons
	l.mu.Unlock()
	return nil
}

func (l *JetStreamLog) consumer(ctx context.Context, topic, group string) (jetstream.Consumer, error) {
	key := groupKey{topic, group}
	l.mu.Lock()
	cons, ok := l.consumers[key]
	l.mu.Unlock()
	if ok {
		return cons, nil
	}

	cons, err := l.js.Consumer(ctx, l.cfg.Stream.Name, ConsumerName(topic, group))
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.consumers[key] = cons
	l.mu.Unlock()
	return cons, nil
}

// ReadGroup implements Log.
func (l *JetStreamLog) ReadGroup(ctx context.Context, req ReadRequest) ([]Entry, error) {
	if req.Cursor != CursorPending && req.Cursor != CursorNew {
		return nil, ErrInvalidCursor
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	cons, err := l.consumer(ctx, req.Topic, req.Group)
	if err != nil {
		return nil, err
	}
	if req.Cursor == CursorPending {
		return l.readPending(req), nil
	}
	return l.readNew(ctx, cons, req)
}

func (l *JetStreamLog) readPending(req ReadRequest) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.inflight[groupKey{req.Topic, req.Group}]
	out := make([]Entry, 0)
	for off, h := range held {
		if h.consumer != req.Consumer {
			continue
		}
		if err := h.msg.InProgress(); err != nil {
			logging.Debug().Err(err).Uint64("offset", uint64(off)).Msg("Failed to extend ack deadline")
		}
		h.deliveries++
		out = append(out, h.entry(req.Topic, off))
	}
	sortEntries(out)
	if len(out) > req.Count {
		out = out[:req.Count]
	}
	return out
}

func (l *JetStreamLog) readNew(ctx context.Context, cons jetstream.Consumer, req ReadRequest) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var batch jetstream.MessageBatch
	var err error
	if req.Block > 0 {
		wait := req.Block
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
			wait = time.Until(dl)
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		batch, err = cons.Fetch(req.Count, jetstream.FetchMaxWait(wait))
	} else {
		batch, err = cons.FetchNoWait(req.Count)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", req.Topic, req.Group, err)
	}

	key := groupKey{req.Topic, req.Group}
	var out []Entry
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			logging.Warn().Err(err).Str("topic", req.Topic).Msg("Message without metadata, terminating")
			_ = msg.Term()
			continue
		}
		off := Offset(meta.Sequence.Stream)
		h := &heldMsg{consumer: req.Consumer, msg: msg, deliveries: int(meta.NumDelivered)}
		if h.env, err = decodeEnvelope(msg.Data()); err != nil {
			logging.Warn().Err(err).Str("topic", req.Topic).Uint64("offset", uint64(off)).
				Msg("Undecodable entry, handing out for dead-lettering")
			h.raw = append([]byte(nil), msg.Data()...)
			h.decodeErr = err
		}
		l.mu.Lock()
		if l.inflight[key] == nil {
			l.inflight[key] = make(map[Offset]*heldMsg)
		}
		l.inflight[key][off] = h
		l.mu.Unlock()

		out = append(out, h.entry(req.Topic, off))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch %s/%s: %w", req.Topic, req.Group, err)
	}
	return out, nil
}

// Ack implements Log. Acking an entry this process does not hold is a no-op.
func (l *JetStreamLog) Ack(ctx context.Context, topic, group string, offset Offset) error {
	key := groupKey{topic, group}
	l.mu.Lock()
	h, ok := l.inflight[key][offset]
	if ok {
		delete(l.inflight[key], offset)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack %s/%s@%d: %w", topic, group, offset, err)
	}
	return nil
}

// Claim implements Log. JetStream redelivers entries whose AckWait expired
// to the next fetching member, so nothing is transferred explicitly; held
// handles that went stale are dropped.
func (l *JetStreamLog) Claim(_ context.Context, topic, group, _ string, minIdle time.Duration, _ int) ([]Entry, error) {
	if minIdle < l.cfg.AckWait {
		return nil, nil
	}
	key := groupKey{topic, group}
	l.mu.Lock()
	defer l.mu.Unlock()
	for off, h := range l.inflight[key] {
		meta, err := h.msg.Metadata()
		if err == nil && time.Since(meta.Timestamp) > minIdle+l.cfg.AckWait {
			delete(l.inflight[key], off)
		}
	}
	return nil, nil
}

// Lag implements Log.
func (l *JetStreamLog) Lag(ctx context.Context, topic, group string) (GroupLag, error) {
	cons, err := l.consumer(ctx, topic, group)
	if err != nil {
		return GroupLag{}, err
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return GroupLag{}, fmt.Errorf("consumer info %s/%s: %w", topic, group, err)
	}
	return GroupLag{
		Topic:   topic,
		Group:   group,
		Pending: uint64(info.NumAckPending),
		Backlog: info.NumPending,
	}, nil
}

// Healthy implements Log.
func (l *JetStreamLog) Healthy(ctx context.Context) error {
	if l.nc == nil || !l.nc.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	if _, err := l.js.Stream(ctx, l.cfg.Stream.Name); err != nil {
		return fmt.Errorf("stream %s: %w", l.cfg.Stream.Name, err)
	}
	return nil
}

func (h *heldMsg) entry(topic string, off Offset) Entry {
	return Entry{Topic: topic, Offset: off, Envelope: h.env, Deliveries: h.deliveries, Raw: h.raw, DecodeErr: h.decodeErr}
}

func decodeEnvelope(data []byte) (models.Envelope, error) {
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.Envelope{}, fmt.Errorf("decode envelope fields: %w", err)
	}
	return models.EnvelopeFromFields(fields)
}
