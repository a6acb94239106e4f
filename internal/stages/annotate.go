// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package stages

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
)

// Annotation is what an annotator derives from one content unit.
type Annotation struct {
	Labels     []string          `json:"labels,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Annotator analyzes content. Model and Params identify the analysis so a
// change of either yields new annotation records instead of overwriting.
type Annotator interface {
	Model() string
	Params() map[string]string
	Annotate(ctx context.Context, unit models.ContentUnit) (Annotation, error)
}

// Annotate runs an Annotator as a stage (tagging or enrichment).
type Annotate struct {
	stage     string
	annotator Annotator
	store     Store
	log       Appender
	output    string
	now       func() time.Time
}

// NewAnnotate returns an annotation processor. An empty output makes it the last stage.
func NewAnnotate(stage string, annotator Annotator, store Store, log Appender, output string) *Annotate {
	return &Annotate{stage: stage, annotator: annotator, store: store, log: log, output: output, now: time.Now}
}

// Handle implements consumer.Processor.
func (a *Annotate) Handle(ctx context.Context, e transport.Entry) error {
	payload, err := decodeContent(e.Envelope)
	if err != nil {
		return err
	}

	result, err := a.annotator.Annotate(ctx, payload.Unit)
	if err != nil {
		return fmt.Errorf("%s with %s: %w", a.stage, a.annotator.Model(), err)
	}

	paramsHash := idempotency.ParamsHash(a.annotator.Model(), a.annotator.Params())
	rec := &models.AnnotationRecord{
		Key:        idempotency.AnnotationKey(payload.ContentKey, a.stage, paramsHash),
		ContentKey: payload.ContentKey,
		Stage:      a.stage,
		Model:      a.annotator.Model(),
		ParamsHash: paramsHash,
		Labels:     result.Labels,
		Attributes: result.Attributes,
	}
	if err := a.store.UpsertAnnotation(ctx, rec); err != nil {
		return storeError("upsert annotation", err)
	}
	logging.Ctx(ctx).Debug().Str("model", rec.Model).Int("labels", len(rec.Labels)).Msg("Content annotated")

	if a.output == "" {
		return nil
	}
	return forward(ctx, a.log, a.stage, a.output, e.Envelope.IdempotencyKey, models.AnnotationPayload{
		ContentKey:    payload.ContentKey,
		AnnotationKey: rec.Key,
		Stage:         a.stage,
		Model:         rec.Model,
		ParamsHash:    paramsHash,
		Labels:        rec.Labels,
		Attributes:    rec.Attributes,
		Unit:          payload.Unit,
	}, a.now())
}

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]{2,64})`)

// KeywordTagger labels content from its hashtags and a fixed keyword list.
// It is the in-process tagger used when no tagging service is configured.
// Keywords must not change after the first Annotate call.
type KeywordTagger struct {
	Keywords map[string]string

	once    sync.Once
	matcher *keywordMatcher
}

// NewKeywordTagger returns a tagger mapping each keyword to its label.
func NewKeywordTagger(keywords map[string]string) *KeywordTagger {
	return &KeywordTagger{Keywords: keywords}
}

// Model implements Annotator.
func (k *KeywordTagger) Model() string { return "keyword-tagger/v1" }

// Params implements Annotator.
func (k *KeywordTagger) Params() map[string]string {
	params := make(map[string]string, len(k.Keywords))
	for word, label := range k.Keywords {
		params["kw:"+word] = label
	}
	return params
}

// Annotate implements Annotator.
func (k *KeywordTagger) Annotate(_ context.Context, unit models.ContentUnit) (Annotation, error) {
	k.once.Do(func() { k.matcher = newKeywordMatcher(k.Keywords) })

	seen := map[string]struct{}{}
	for _, m := range hashtagPattern.FindAllStringSubmatch(unit.Text, -1) {
		seen[strings.ToLower(m[1])] = struct{}{}
	}
	k.matcher.match(unit.Text, func(label string) { seen[label] = struct{}{} })

	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return Annotation{Labels: labels}, nil
}

// StatsEnricher attaches cheap structural attributes to content.
// It is the in-process enricher used when no enrichment service is configured.
type StatsEnricher struct{}

// Model implements Annotator.
func (StatsEnricher) Model() string { return "stats-enricher/v1" }

// Params implements Annotator.
func (StatsEnricher) Params() map[string]string { return nil }

// Annotate implements Annotator.
func (StatsEnricher) Annotate(_ context.Context, unit models.ContentUnit) (Annotation, error) {
	attrs := map[string]string{
		"chars":  strconv.Itoa(len([]rune(unit.Text))),
		"words":  strconv.Itoa(len(strings.Fields(unit.Text))),
		"media":  strconv.Itoa(len(unit.Media)),
		"edited": strconv.FormatBool(unit.Edited()),
	}
	var labels []string
	if len(unit.Media) > 0 {
		labels = append(labels, "has-media")
	}
	if strings.Contains(unit.Text, "http://") || strings.Contains(unit.Text, "https://") {
		labels = append(labels, "has-link")
	}
	return Annotation{Labels: labels, Attributes: attrs}, nil
}
