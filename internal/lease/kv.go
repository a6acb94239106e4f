// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package lease

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KVLocker implements Locker on a JetStream key-value bucket. The bucket TTL
// expires leases whose holder stopped refreshing them.
type KVLocker struct {
	kv     jetstream.KeyValue
	holder string
}

// EnsureBucket creates or updates the lease bucket.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "ingestd scheduler leases",
		TTL:         ttl,
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure lease bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// NewKVLocker returns a locker that records holder as the lease owner.
func NewKVLocker(kv jetstream.KeyValue, holder string) *KVLocker {
	return &KVLocker{kv: kv, holder: holder}
}

// kvKey maps arbitrary lease names onto the bucket's key alphabet.
func kvKey(name string) string {
	return "lease." + base64.RawURLEncoding.EncodeToString([]byte(name))
}

// Acquire implements Locker. An existing key means the lease is held, even
// by this same holder; only release or TTL expiry frees it.
func (k *KVLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	key := kvKey(name)
	rev, err := k.kv.Create(ctx, key, []byte(k.holder))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return &kvLease{kv: k.kv, key: key, holder: k.holder, rev: rev}, nil
}

type kvLease struct {
	kv     jetstream.KeyValue
	key    string
	holder string
	rev    uint64
}

func (l *kvLease) Refresh(ctx context.Context) error {
	rev, err := l.kv.Update(ctx, l.key, []byte(l.holder), l.rev)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrLost
		}
		return fmt.Errorf("refresh lease: %w", err)
	}
	l.rev = rev
	return nil
}

func (l *kvLease) Release(ctx context.Context) error {
	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.rev))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrLost
		}
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
