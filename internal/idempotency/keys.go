// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package idempotency derives deterministic keys from entity content.
//
// Keys are hex SHA-256 digests over length-prefixed fields, so they are stable
// across restarts and hosts and no two field tuples can collide by
// concatenation. The same key is used as the JetStream Nats-Msg-Id and as the
// primary key of every upsert.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/ingestd/internal/models"
)

// Domain prefixes keep keys of different entity kinds disjoint.
const (
	domainContent    = "content"
	domainAnnotation = "annotation"
	domainIndex      = "index"
	domainParams     = "params"
	domainBody       = "body"
)

// Hash returns the hex SHA-256 of the length-prefixed fields.
func Hash(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash digests the mutable fields of a unit. Edits change it.
func ContentHash(u *models.ContentUnit) string {
	media := append([]string(nil), u.Media...)
	sort.Strings(media)
	return Hash(domainBody, u.Text, strings.Join(media, "\x1f"))
}

// ContentKey derives the key of a content unit. Units never edited are
// identified by (source_id, seq) alone; edited units also include their
// content hash so an edit is a distinct record rather than a duplicate.
func ContentKey(u *models.ContentUnit) string {
	seq := strconv.FormatInt(u.Seq, 10)
	if !u.Edited() {
		return Hash(domainContent, u.SourceID, seq)
	}
	return Hash(domainContent, u.SourceID, seq, ContentHash(u))
}

// ParamsHash digests model parameters independent of map order.
func ParamsHash(model string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, 2+2*len(keys))
	fields = append(fields, domainParams, model)
	for _, k := range keys {
		fields = append(fields, k, params[k])
	}
	return Hash(fields...)
}

// AnnotationKey derives the key of a stage result for one content key.
// Re-analysis with different parameters yields a different key.
func AnnotationKey(contentKey, stage, paramsHash string) string {
	return Hash(domainAnnotation, contentKey, stage, paramsHash)
}

// IndexKey derives the key of the indexing stage's document for a content key.
func IndexKey(contentKey string) string {
	return Hash(domainIndex, contentKey)
}

// ForwardKey derives the key of the envelope a stage emits downstream for a
// given input key, so re-processing the input re-emits the same key.
func ForwardKey(stage, inputKey string) string {
	return Hash("forward", stage, inputKey)
}

// MalformedKey identifies an undecodable log entry by its bytes, so every
// redelivery of the same entry maps to one dead-letter record.
func MalformedKey(raw []byte) string {
	return Hash("malformed", string(raw))
}

// ReplayDedupID is the transport-level dedup ID used when an operator
// replays a dead-lettered envelope. The envelope keeps its idempotency key;
// only the transport must not drop it as a duplicate of the original append.
func ReplayDedupID(recordID string, at time.Time) string {
	return Hash("replay", recordID, at.UTC().Format(time.RFC3339Nano))
}
