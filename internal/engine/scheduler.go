package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"inferd/internal/constraint"
	"inferd/internal/kvcache"
	"inferd/internal/pipeline"
	"inferd/internal/sampling"
	"inferd/internal/speculative"
)

// Scheduler owns every live sequence and runs ticks serially on the Run
// goroutine.
type Scheduler struct {
	cfg    SchedulerConfig
	pipe   pipeline.Pipeline
	spec   *speculative.Controller
	cache  *kvcache.Manager
	log    zerolog.Logger
	events EventPublisher

	// Admission primitives: queueCh holds one slot per not-yet-running
	// sequence, admitCh carries them to the loop.
	queueCh chan struct{}
	admitCh chan *Sequence
	nudgeCh chan struct{}

	closeMu sync.RWMutex
	closed  bool
	running atomic.Bool
	nextID  atomic.Uint64

	tagMu sync.Mutex
	tags  map[string]*Handle

	live      atomic.Int64
	completed atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
	tokensOut atomic.Uint64
	ticks     atomic.Uint64
	startTime time.Time

	// Loop-owned state.
	queued   []*Sequence
	active   []*Sequence
	jobs     chan *Sequence
	results  chan prepResult
	inflight int
}

func newScheduler(cfg SchedulerConfig) *Scheduler {
	depth := cfg.MaxQueueDepth
	return &Scheduler{
		cfg:       cfg,
		pipe:      cfg.Pipeline,
		cache:     cfg.Pipeline.Cache(),
		log:       cfg.Logger.With().Str("component", "scheduler").Logger(),
		events:    cfg.Events,
		queueCh:   make(chan struct{}, depth),
		admitCh:   make(chan *Sequence, depth),
		nudgeCh:   make(chan struct{}, 1),
		tags:      make(map[string]*Handle),
		jobs:      make(chan *Sequence, depth),
		results:   make(chan prepResult, depth),
		startTime: time.Now(),
	}
}

// Pipeline returns the loaded pipeline.
func (s *Scheduler) Pipeline() pipeline.Pipeline { return s.pipe }

// Speculative returns the controller, or nil when no draft is configured.
func (s *Scheduler) Speculative() *speculative.Controller { return s.spec }

func (s *Scheduler) gamma() int {
	if s.spec.Enabled() {
		return s.spec.Gamma()
	}
	return 0
}

func (s *Scheduler) nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

// validate checks the request against the pipeline's capabilities.
func (s *Scheduler) validate(req Request) error {
	caps := s.pipe.Capabilities()
	variant := s.pipe.Variant().String()
	if !caps.Vision {
		for _, m := range req.Messages {
			if len(m.Images) > 0 {
				return unsupportedModalityError{what: "images", variant: variant}
			}
		}
	}
	if req.Adapters != nil && !caps.Adapters {
		return unsupportedModalityError{what: "adapters", variant: variant}
	}
	return nil
}

// Submit validates req and enqueues it without blocking. It fails with
// UnsupportedModality, QueueFull, a constraint compile error or ErrClosed.
func (s *Scheduler) Submit(req Request) (*Handle, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	prog, err := constraint.Compile(req.Constraint)
	if err != nil {
		return nil, err
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	// tagMu spans the duplicate check and the insert so two submits with
	// one tag cannot both get through.
	if req.Tag != "" {
		s.tagMu.Lock()
		defer s.tagMu.Unlock()
		if _, dup := s.tags[req.Tag]; dup {
			return nil, invalidRequestError{msg: fmt.Sprintf("request id %q is already live", req.Tag)}
		}
	}
	select {
	case s.queueCh <- struct{}{}:
	default:
		queueFullTotal.Inc()
		return nil, queueFullError{depth: cap(s.queueCh)}
	}

	respond, owned := req.Respond, false
	if respond == nil {
		respond, owned = make(chan Response, defaultResponseBuffer), true
	}
	req.Respond = respond
	seq := &Sequence{
		id:       s.nextID.Add(1),
		arrival:  time.Now(),
		req:      req,
		phase:    PhaseQueued,
		program:  prog,
		sampler:  sampling.New(req.Sampling),
		cut:      -1,
		slotHeld: true,
	}
	if prog != nil {
		seq.matcher = prog.NewMatcher()
	}
	h := &Handle{id: seq.id, tag: req.Tag, responses: respond, s: s}
	seq.handle = h
	seq.out = newOutbox(respond, owned)
	if req.Tag != "" {
		s.tags[req.Tag] = h
	}
	// Never blocks: admitCh has one buffer slot per queue slot.
	s.admitCh <- seq
	queueDepth.Set(float64(len(s.queueCh)))
	return h, nil
}

// Cancel marks the request for termination at the next tick boundary. It is
// a no-op for terminal sequences and never touches sequence state.
func (s *Scheduler) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	s.nudge()
}

// CancelTag cancels the live request submitted with tag.
func (s *Scheduler) CancelTag(tag string) error {
	s.tagMu.Lock()
	h := s.tags[tag]
	s.tagMu.Unlock()
	if h == nil {
		return unknownTagError{tag: tag}
	}
	s.Cancel(h)
	return nil
}

// Run executes the scheduling loop and the preprocess workers until ctx is
// done. Live sequences are then finalized as cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.PreprocessWorkers; i++ {
		g.Go(func() error {
			s.preprocessWorker(gctx)
			return nil
		})
	}
	g.Go(func() error {
		defer close(s.jobs)
		s.loop(gctx)
		return nil
	})
	s.log.Info().
		Str("model", s.pipe.Model().ID()).
		Str("variant", s.pipe.Variant().String()).
		Int("max_batch", s.cfg.MaxBatchSize).
		Int("max_queue", s.cfg.MaxQueueDepth).
		Str("cache_policy", string(s.cfg.CachePolicy)).
		Bool("speculative", s.spec.Enabled()).
		Msg("scheduler started")
	err := g.Wait()
	s.running.Store(false)
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.shutdown()
			return
		}
		if len(s.active) == 0 && len(s.queued) == 0 {
			select {
			case seq := <-s.admitCh:
				s.enqueue(seq)
			case <-s.nudgeCh:
				continue
			case <-ctx.Done():
				continue
			}
		}
		s.tick(ctx)
	}
}

// shutdown rejects further submissions and cancels everything left.
func (s *Scheduler) shutdown() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	for {
		select {
		case seq := <-s.admitCh:
			s.finalize(seq, PhaseCancelled, FinishCancelled, ErrClosed)
			continue
		default:
		}
		break
	}
	for _, seq := range append(append([]*Sequence(nil), s.queued...), s.active...) {
		s.finalize(seq, PhaseCancelled, FinishCancelled, ErrClosed)
	}
	s.queued, s.active = nil, nil
	s.log.Info().Uint64("completed", s.completed.Load()).Uint64("cancelled", s.cancelled.Load()).
		Uint64("failed", s.failed.Load()).Msg("scheduler stopped")
}

// finalize moves seq to a terminal phase, releases its resources and
// delivers the Final response. It is idempotent.
func (s *Scheduler) finalize(seq *Sequence, phase Phase, reason FinishReason, err error) {
	if seq.phase.Terminal() {
		return
	}
	seq.phase, seq.finish, seq.err = phase, reason, err
	if seq.hasCache {
		if rerr := s.cache.Release(seq.cache); rerr != nil {
			s.log.Error().Err(rerr).Uint64("seq", seq.id).Msg("release cache")
		}
		seq.hasCache = false
		s.live.Add(-1)
	}
	s.spec.Release(seq.id)
	if seq.slotHeld {
		<-s.queueCh
		seq.slotHeld = false
	}
	if seq.req.Tag != "" {
		s.tagMu.Lock()
		if s.tags[seq.req.Tag] == seq.handle {
			delete(s.tags, seq.req.Tag)
		}
		s.tagMu.Unlock()
	}
	if seq.req.Stream {
		if c, ok := seq.chunk(true); ok {
			seq.out.push(c)
		}
	}
	final := Response{
		Kind:    ResponseFinal,
		SeqID:   seq.id,
		Tag:     seq.req.Tag,
		Phase:   phase,
		Finish:  reason,
		Content: seq.content(),
		Usage:   seq.usage(),
		Err:     err,
	}
	if !seq.req.Stream {
		final.Tokens = append([]int(nil), seq.generated()...)
		final.Logprobs = seq.logprobs
	}
	// Counters move before the Final so a client never sees stale totals.
	switch phase {
	case PhaseCompleted:
		s.completed.Add(1)
	case PhaseCancelled:
		s.cancelled.Add(1)
	default:
		s.failed.Add(1)
	}
	seq.out.push(final)

	finishedTotal.WithLabelValues(string(reason)).Inc()
	liveSequences.Set(float64(s.live.Load()))
	queueDepth.Set(float64(len(s.queueCh)))
	ev := s.log.Debug().Uint64("seq", seq.id).Str("phase", phase.String()).Str("finish", string(reason))
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Int("prompt_tokens", seq.promptLen).Int("completion_tokens", seq.usage().CompletionTokens).Msg("sequence finished")
	s.events.Publish(Event{Name: EventFinished, SeqID: seq.id, Tag: seq.req.Tag, Fields: map[string]any{
		"phase": phase.String(), "finish": string(reason), "forwards": seq.forwards,
	}})
}
