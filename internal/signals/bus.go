// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package signals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
)

// DefaultTopic is the watermill topic signals travel on.
const DefaultTopic = "ingestd.signals"

// Metadata keys set on every signal message.
const (
	MetaKind     = "kind"
	MetaSeverity = "severity"
)

// Bus publishes signals on a watermill topic. It implements Emitter.
type Bus struct {
	pub   message.Publisher
	topic string

	mu     sync.RWMutex
	closed bool
}

// NewBus returns a bus over pub. An empty topic uses DefaultTopic.
func NewBus(pub message.Publisher, topic string) *Bus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{pub: pub, topic: topic}
}

// Topic returns the topic signals are published on.
func (b *Bus) Topic() string {
	return b.topic
}

// Emit implements Emitter. Publish failures are logged, never returned.
func (b *Bus) Emit(ctx context.Context, sig models.Signal) {
	if err := b.Publish(ctx, sig); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("kind", sig.Kind).Msg("Failed to publish signal")
	}
}

// Publish encodes sig and publishes it.
func (b *Bus) Publish(ctx context.Context, sig models.Signal) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("signal bus is closed")
	}

	msg, err := Encode(sig)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish signal %s: %w", sig.ID, err)
	}
	metrics.RecordSignal(sig.Kind)
	return nil
}

// Close closes the underlying publisher.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pub.Close()
}

// Encode turns a signal into a watermill message keyed by the signal ID.
func Encode(sig models.Signal) (*message.Message, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	msg := message.NewMessage(sig.ID, data)
	msg.Metadata.Set(MetaKind, sig.Kind)
	msg.Metadata.Set(MetaSeverity, sig.Severity)
	msg.Metadata.Set(natsgo.MsgIdHdr, sig.ID)
	return msg, nil
}

// Decode reverses Encode.
func Decode(msg *message.Message) (models.Signal, error) {
	var sig models.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		return sig, fmt.Errorf("decode signal %s: %w", msg.UUID, err)
	}
	return sig, nil
}

// Logger adapts the process logger for watermill.
func Logger() watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logging.NewComponentSlogLogger("signals"))
}

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL            string
	QueueGroup     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
}

func (c NATSConfig) natsOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("ingestd-signals"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(c.MaxReconnects),
		natsgo.ReconnectWait(c.ReconnectWait),
		natsgo.Timeout(c.ConnectTimeout),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Signal bus disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Signal bus reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// NewNATSPubSub returns a publisher and subscriber over core NATS. Signals
// are advisory, so they skip JetStream; the journal is the durable record.
// Subscribers share QueueGroup so each signal is journaled once per cluster.
func NewNATSPubSub(cfg NATSConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	if logger == nil {
		logger = Logger()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	opts := cfg.natsOptions(logger)

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: opts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create signal publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      opts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, nil, fmt.Errorf("create signal subscriber: %w", err)
	}
	return pub, sub, nil
}

// NewInProcessPubSub returns a gochannel pub/sub for single-process runs and tests.
func NewInProcessPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = Logger()
	}
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
}
