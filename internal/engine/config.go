package engine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/pipeline"
	"inferd/internal/speculative"
)

// Defaults applied when corresponding SchedulerConfig fields are unset.
const (
	defaultMaxQueueDepth     = 64
	defaultMaxBatchSize      = 16
	defaultPreprocessWorkers = 2
	defaultResponseBuffer    = 16
)

// CachePolicy decides what happens to a prepared admission that does not
// fit in the cache pool.
type CachePolicy string

const (
	// CacheHold keeps the oldest admission waiting; nothing behind it jumps
	// ahead.
	CacheHold CachePolicy = "hold"
	// CacheReject fails the admission with CacheExhausted.
	CacheReject CachePolicy = "reject"
)

// ParseCachePolicy accepts "hold" or "reject"; empty selects hold.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch CachePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CacheHold:
		return CacheHold, nil
	case CacheReject:
		return CacheReject, nil
	}
	return "", fmt.Errorf("unknown cache policy %q", s)
}

// SchedulerConfig encapsulates all tunables for Scheduler construction.
type SchedulerConfig struct {
	Pipeline pipeline.Pipeline
	// Draft enables speculative decoding when set and vocabulary compatible.
	Draft pipeline.Pipeline
	Gamma int

	MaxQueueDepth     int
	MaxBatchSize      int
	PreprocessWorkers int
	CachePolicy       CachePolicy

	Logger zerolog.Logger
	Events EventPublisher
}

// NewWithConfig constructs a Scheduler from SchedulerConfig.
func NewWithConfig(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("engine: pipeline is required")
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.PreprocessWorkers <= 0 {
		cfg.PreprocessWorkers = defaultPreprocessWorkers
	}
	policy, err := ParseCachePolicy(string(cfg.CachePolicy))
	if err != nil {
		return nil, err
	}
	cfg.CachePolicy = policy
	if cfg.Events == nil {
		cfg.Events = noopPublisher{}
	}
	s := newScheduler(cfg)
	if cfg.Draft != nil {
		s.spec = speculative.New(cfg.Pipeline, cfg.Draft, speculative.Config{Gamma: cfg.Gamma}, cfg.Logger)
	}
	return s, nil
}
