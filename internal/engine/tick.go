package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"inferd/internal/pipeline"
	"inferd/internal/sampling"
	"inferd/internal/speculative"
)

// tick is one scheduling round: admissions, preprocess results and
// cancellations are applied at the boundary, then every running sequence
// advances by at most one step.
func (s *Scheduler) tick(ctx context.Context) {
	started := time.Now()
	s.ticks.Add(1)
	s.drainAdmissions()
	s.dispatch()
	s.collect(ctx)
	s.reap()
	admitted := s.admit()
	if len(s.active) > 0 && ctx.Err() == nil {
		s.execute(ctx, admitted)
	}
	liveSequences.Set(float64(s.live.Load()))
	queueDepth.Set(float64(len(s.queueCh)))
	st := s.cache.Stats()
	cacheRows.WithLabelValues("reserved").Set(float64(st.ReservedRows))
	cacheRows.WithLabelValues("used").Set(float64(st.UsedRows))
	tickDuration.Observe(time.Since(started).Seconds())
}

func (s *Scheduler) enqueue(seq *Sequence) {
	s.queued = append(s.queued, seq)
	s.events.Publish(Event{Name: EventAdmitted, SeqID: seq.id, Tag: seq.req.Tag})
}

func (s *Scheduler) drainAdmissions() {
	for {
		select {
		case seq := <-s.admitCh:
			s.enqueue(seq)
			continue
		default:
		}
		break
	}
}

// reap finalizes every sequence whose handle was cancelled.
func (s *Scheduler) reap() {
	s.queued = s.reapList(s.queued)
	s.active = s.reapList(s.active)
}

func (s *Scheduler) reapList(list []*Sequence) []*Sequence {
	keep := list[:0]
	for _, seq := range list {
		if seq.handle.cancelled.Load() {
			s.finalize(seq, PhaseCancelled, FinishCancelled, ErrCancelled)
			continue
		}
		keep = append(keep, seq)
	}
	clear(list[len(keep):])
	return keep
}

// admit moves prepared sequences into the batch in (arrival, id) order
// while the batch has room. Unprepared sequences are skipped; a sequence
// held for cache under the hold policy blocks everything behind it.
func (s *Scheduler) admit() []*Sequence {
	slices.SortStableFunc(s.queued, func(a, b *Sequence) int {
		switch {
		case a.before(b):
			return -1
		case b.before(a):
			return 1
		}
		return 0
	})
	var (
		admitted []*Sequence
		blocked  bool
		gamma    = s.gamma()
		pool     = s.cache.Stats().PoolRows
		keep     = s.queued[:0]
	)
	for _, seq := range s.queued {
		if blocked || !seq.prepDone || len(s.active) >= s.cfg.MaxBatchSize {
			keep = append(keep, seq)
			continue
		}
		need := seq.reservation(gamma)
		if need > pool {
			s.finalize(seq, PhaseFailed, FinishError, cacheExhaustedError{need: need, pool: pool})
			continue
		}
		if !s.cache.CanReserve(need) {
			if s.cfg.CachePolicy == CacheReject {
				s.finalize(seq, PhaseFailed, FinishError, cacheExhaustedError{need: need, pool: pool})
				continue
			}
			blocked = true
			keep = append(keep, seq)
			s.events.Publish(Event{Name: EventHeld, SeqID: seq.id, Tag: seq.req.Tag, Fields: map[string]any{
				"need": need, "free": s.cache.Free(),
			}})
			continue
		}
		h, err := s.cache.Acquire(need, seq.promptLen)
		if err != nil {
			s.finalize(seq, PhaseFailed, FinishError, cacheExhaustedError{need: need, pool: pool})
			continue
		}
		seq.cache, seq.hasCache = h, true
		seq.phase = PhasePrefill
		<-s.queueCh
		seq.slotHeld = false
		s.live.Add(1)
		s.active = append(s.active, seq)
		admitted = append(admitted, seq)
		queueWait.Observe(time.Since(seq.arrival).Seconds())
		s.events.Publish(Event{Name: EventPrefill, SeqID: seq.id, Tag: seq.req.Tag, Fields: map[string]any{
			"prompt_tokens": seq.promptLen, "reserved": need,
		}})
	}
	clear(s.queued[len(keep):])
	s.queued = keep
	return admitted
}

// execute advances every active sequence by one step. Prefills and plain
// decodes share one pipeline step; with a draft model, decodes run one
// speculative round instead.
func (s *Scheduler) execute(ctx context.Context, admitted []*Sequence) {
	var (
		batch      []pipeline.StepInput
		owners     []*Sequence
		specSeqs   []*speculative.Sequence
		specOwners []*Sequence
	)
	useSpec := s.spec.Enabled()
	for _, seq := range s.active {
		switch {
		case seq.phase == PhasePrefill:
			batch = append(batch, pipeline.StepInput{
				SeqID:     seq.id,
				Cache:     seq.cache,
				Tokens:    seq.tokens[:seq.promptLen],
				Embeds:    seq.prepared.Embeds,
				Adapters:  seq.prepared.Adapters,
				NumLogits: 1,
			})
			owners = append(owners, seq)
		case useSpec:
			specSeqs = append(specSeqs, &speculative.Sequence{
				ID:          seq.id,
				Cache:       seq.cache,
				History:     seq.tokens,
				Adapters:    seq.prepared.Adapters,
				Sampler:     seq.sampler,
				Penalty:     seq.penalty,
				Matcher:     seq.matcher,
				Budget:      seq.maxTokens - len(seq.generated()),
				TopLogprobs: seq.topN(),
			})
			specOwners = append(specOwners, seq)
		default:
			n := len(seq.tokens)
			batch = append(batch, pipeline.StepInput{
				SeqID:     seq.id,
				Cache:     seq.cache,
				Start:     n - 1,
				Tokens:    seq.tokens[n-1:],
				Adapters:  seq.prepared.Adapters,
				NumLogits: 1,
			})
			owners = append(owners, seq)
		}
	}
	s.log.Trace().Int("batch", len(batch)).Int("speculative", len(specSeqs)).
		Int("admitted", len(admitted)).Int("queued", len(s.queued)).Msg("tick")

	if len(batch) > 0 {
		stepStarted := time.Now()
		out, err := s.pipe.Step(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failBatch(owners, err)
			out = nil
		}
		stepDuration.Observe(time.Since(stepStarted).Seconds())
		for i, o := range out {
			seq := owners[i]
			seq.forwards++
			if o.Err != nil {
				s.log.Warn().Err(o.Err).Uint64("seq", seq.id).Msg("step failed")
				s.finalize(seq, PhaseFailed, FinishError, o.Err)
				continue
			}
			s.sampleNext(seq, o.Logits[len(o.Logits)-1])
		}
	}
	if len(specSeqs) > 0 {
		outs, err := s.spec.Decode(ctx, specSeqs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failBatch(specOwners, err)
			outs = nil
		}
		for i, oc := range outs {
			seq := specOwners[i]
			seq.forwards++
			speculativeTokens.WithLabelValues("proposed").Add(float64(oc.Proposed))
			speculativeTokens.WithLabelValues("accepted").Add(float64(oc.Accepted))
			if oc.Err != nil && len(oc.Tokens) == 0 {
				s.failStep(seq, oc.Err)
				continue
			}
			for _, r := range oc.Tokens {
				if s.commitToken(seq, r) {
					break
				}
			}
			s.stream(seq)
		}
	}
	s.active = slices.DeleteFunc(s.active, func(seq *Sequence) bool { return seq.phase.Terminal() })
}

// failBatch finalizes every sequence of a step that failed as a whole.
// Leaving them live would rerun the same step on the next tick.
func (s *Scheduler) failBatch(seqs []*Sequence, err error) {
	s.log.Warn().Err(err).Int("sequences", len(seqs)).Msg("batch step failed")
	for _, seq := range seqs {
		seq.forwards++
		var ee *pipeline.ExecutionError
		if !errors.As(err, &ee) {
			ee = &pipeline.ExecutionError{SeqID: seq.id, Err: err}
		}
		s.finalize(seq, PhaseFailed, FinishError, ee)
	}
}

// sampleNext draws one token from logits and commits it.
func (s *Scheduler) sampleNext(seq *Sequence, logits []float32) {
	eos := s.pipe.Model().EOS()
	res, err := seq.sampler.Sample(logits, seq.penalty, seq.mask(s.pipe.Tokenizer(), eos), seq.topN())
	if err != nil {
		s.failStep(seq, err)
		return
	}
	s.commitToken(seq, res)
	s.stream(seq)
}

func (s *Scheduler) failStep(seq *Sequence, err error) {
	if pipeline.IsExecutionError(err) {
		s.finalize(seq, PhaseFailed, FinishError, err)
		return
	}
	// The mask left no viable token.
	s.finalize(seq, PhaseFailed, FinishError, constraintError{msg: err.Error()})
}

// commitToken appends res to seq and reports whether the sequence finished.
func (s *Scheduler) commitToken(seq *Sequence, res sampling.Result) bool {
	if seq.phase == PhasePrefill {
		seq.phase = PhaseDecoding
	}
	reason, err := seq.commit(res, s.pipe.Tokenizer(), s.pipe.Model().EOS())
	s.tokensOut.Add(1)
	tokensGenerated.Inc()
	switch {
	case err != nil:
		s.finalize(seq, PhaseFailed, FinishError, err)
		return true
	case reason != "":
		s.finalize(seq, PhaseCompleted, reason, nil)
		return true
	}
	return false
}

func (s *Scheduler) stream(seq *Sequence) {
	if !seq.req.Stream || seq.phase.Terminal() {
		return
	}
	if c, ok := seq.chunk(false); ok {
		seq.out.push(c)
	}
}
