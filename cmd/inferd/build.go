package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/pipeline"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// selectModel picks the manifest to serve from dir.
func selectModel(cfg config.Config) (registry.Manifest, []registry.Manifest, error) {
	ms, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return registry.Manifest{}, nil, fmt.Errorf("models: %w", err)
	}
	if len(ms) == 0 {
		return registry.Manifest{}, nil, fmt.Errorf("no model manifests in %s", cfg.ModelsDir)
	}
	if cfg.Model == "" {
		if len(ms) > 1 {
			ids := make([]string, len(ms))
			for i, m := range ms {
				ids[i] = m.ID
			}
			return registry.Manifest{}, nil, fmt.Errorf("several models in %s, choose one with --model: %s", cfg.ModelsDir, strings.Join(ids, ", "))
		}
		return ms[0], ms, nil
	}
	m, ok := registry.Find(ms, cfg.Model)
	if !ok {
		return registry.Manifest{}, nil, fmt.Errorf("model %q not found in %s", cfg.Model, cfg.ModelsDir)
	}
	return m, ms, nil
}

// buildScheduler loads the configured model, its optional draft, and the
// scheduler serving them. The scheduler is not running yet.
func buildScheduler(cfg config.Config, log zerolog.Logger) (*engine.Scheduler, []types.Model, error) {
	m, all, err := selectModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	popts := pipeline.Options{CacheRows: cfg.CacheRows, Fanout: cfg.StepFanout, Logger: log}
	target, err := registry.Open(m, popts)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Draft != "" {
		m.Draft = cfg.Draft
	}
	var draft pipeline.Pipeline
	if m.Draft != "" && m.Draft != "none" {
		dm, err := registry.ResolveDraft(m, all)
		if err != nil {
			return nil, nil, err
		}
		// The draft never holds more sequences than the target.
		draft, err = registry.Open(*dm, pipeline.Options{CacheRows: target.Cache().Stats().PoolRows, Fanout: cfg.StepFanout, Logger: log})
		if err != nil {
			return nil, nil, fmt.Errorf("draft: %w", err)
		}
	}
	sched, err := engine.NewWithConfig(engine.SchedulerConfig{
		Pipeline:          target,
		Draft:             draft,
		Gamma:             cfg.Gamma,
		MaxQueueDepth:     cfg.MaxQueueDepth,
		MaxBatchSize:      cfg.MaxBatchSize,
		PreprocessWorkers: cfg.PreprocessWorkers,
		CachePolicy:       engine.CachePolicy(cfg.CachePolicy),
		Logger:            log,
	})
	if err != nil {
		return nil, nil, err
	}
	st := target.Cache().Stats()
	ev := log.Info().
		Str("model", m.ID).
		Str("variant", target.Variant().String()).
		Int("cache_rows", st.PoolRows).
		Str("cache_size", humanize.Bytes(uint64(st.PoolRows)*uint64(target.Cache().RowWidth())*4))
	if draft != nil {
		ev = ev.Str("draft", draft.Model().ID()).Bool("speculative", sched.Speculative().Enabled())
	}
	ev.Msg("model loaded")

	models := make([]types.Model, len(all))
	for i, a := range all {
		models[i] = a.Model()
	}
	return sched, models, nil
}
