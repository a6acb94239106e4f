// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package stages

import (
	"fmt"

	"github.com/tomtom215/ingestd/internal/config"
	"github.com/tomtom215/ingestd/internal/consumer"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
)

// Annotators returns the tagging and enrichment annotators. A stage with a
// service URL calls it over HTTP; otherwise it runs in process.
func Annotators(cfg config.StagesConfig) (tagger, enricher Annotator, err error) {
	tagger = NewKeywordTagger(cfg.TaggingKeywords)
	if cfg.TaggingURL != "" {
		if tagger, err = NewHTTPAnnotator(HTTPAnnotatorConfig{
			Name: StageTagging, URL: cfg.TaggingURL, Model: cfg.TaggingModel, Timeout: cfg.AnnotatorTimeout,
		}); err != nil {
			return nil, nil, err
		}
	}
	enricher = StatsEnricher{}
	if cfg.EnrichmentURL != "" {
		if enricher, err = NewHTTPAnnotator(HTTPAnnotatorConfig{
			Name: StageEnrichment, URL: cfg.EnrichmentURL, Model: cfg.EnrichmentModel, Timeout: cfg.AnnotatorTimeout,
		}); err != nil {
			return nil, nil, err
		}
	}
	return tagger, enricher, nil
}

// Processors returns the processor of every stage in Topology.
func Processors(store Store, log Appender, tagger, enricher Annotator) map[string]consumer.Processor {
	return map[string]consumer.Processor{
		StagePersist:    NewPersist(store, log),
		StageTagging:    NewAnnotate(StageTagging, tagger, store, log, models.EventContentTagged),
		StageEnrichment: NewAnnotate(StageEnrichment, enricher, store, log, models.EventContentEnriched),
		StageIndexing:   NewIndex(store),
	}
}

// Runtimes builds perStage consumer runtimes for every stage, plus the
// groups a lag reporter should watch.
func Runtimes(tc config.TransportConfig, perStage int, log transport.Log,
	procs map[string]consumer.Processor, failures consumer.FailureRecorder,
) ([]*consumer.Runtime, []consumer.Group, error) {
	if perStage <= 0 {
		perStage = 1
	}
	var (
		runtimes []*consumer.Runtime
		groups   []consumer.Group
	)
	for _, b := range Topology() {
		proc, ok := procs[b.Stage]
		if !ok {
			return nil, nil, fmt.Errorf("no processor for stage %s", b.Stage)
		}
		groups = append(groups, consumer.Group{Stage: b.Stage, Topic: b.Input})
		for i := 0; i < perStage; i++ {
			rt, err := consumer.New(consumer.Config{
				Stage:       b.Stage,
				Topic:       b.Input,
				BatchSize:   tc.BatchSize,
				Block:       tc.BlockTimeout,
				ReclaimIdle: tc.ReclaimIdle,
			}, log, proc, failures)
			if err != nil {
				return nil, nil, err
			}
			runtimes = append(runtimes, rt)
		}
	}
	return runtimes, groups, nil
}
