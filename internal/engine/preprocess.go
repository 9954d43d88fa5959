package engine

import (
	"context"
	"time"

	"inferd/internal/pipeline"
)

type prepResult struct {
	seq  *Sequence
	prep *pipeline.PreparedInput
	err  error
	took time.Duration
}

// preprocessWorker tokenizes and encodes admitted requests off the loop
// goroutine. Results are picked up at the next tick boundary.
func (s *Scheduler) preprocessWorker(ctx context.Context) {
	for seq := range s.jobs {
		if ctx.Err() != nil || seq.handle.cancelled.Load() {
			// The loop finalizes the sequence; only report back.
			s.deliver(ctx, prepResult{seq: seq, err: ErrCancelled})
			continue
		}
		started := time.Now()
		prep, err := s.pipe.Preprocess(ctx, pipeline.RequestInput{
			Messages: seq.req.Messages,
			Adapters: seq.req.Adapters,
		})
		s.deliver(ctx, prepResult{seq: seq, prep: prep, err: err, took: time.Since(started)})
	}
}

func (s *Scheduler) deliver(ctx context.Context, r prepResult) {
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

// dispatch hands queued sequences to the worker pool without blocking.
func (s *Scheduler) dispatch() {
	for _, seq := range s.queued {
		if seq.dispatched {
			continue
		}
		select {
		case s.jobs <- seq:
			seq.dispatched = true
			s.inflight++
		default:
			return
		}
	}
}

// merge installs one preprocess result. Failures finalize the sequence
// before it ever holds cache.
func (s *Scheduler) merge(r prepResult) {
	s.inflight--
	seq := r.seq
	if seq.phase.Terminal() {
		return
	}
	if r.err != nil {
		if IsCancelled(r.err) {
			s.finalize(seq, PhaseCancelled, FinishCancelled, ErrCancelled)
		} else {
			s.log.Debug().Err(r.err).Uint64("seq", seq.id).Msg("preprocess failed")
			s.finalize(seq, PhaseFailed, FinishError, r.err)
		}
		s.queued = removeSeq(s.queued, seq)
		return
	}
	seq.start(r.prep, s.pipe.Model().ContextWindow())
	seq.prepDone = true
	preprocessDuration.Observe(r.took.Seconds())
	s.log.Trace().Uint64("seq", seq.id).Int("prompt_tokens", seq.promptLen).
		Int("image_positions", r.prep.ImagePositions).Dur("took", r.took).Msg("preprocessed")
}

// collect merges finished preprocess results. When nothing is running it
// waits for every in-flight job so that admissions queued together are
// scheduled together; an admission, a nudge or ctx interrupts the wait.
func (s *Scheduler) collect(ctx context.Context) {
	for {
		select {
		case r := <-s.results:
			s.merge(r)
			continue
		default:
		}
		break
	}
	for len(s.active) == 0 && s.inflight > 0 {
		select {
		case r := <-s.results:
			s.merge(r)
		case seq := <-s.admitCh:
			s.enqueue(seq)
			s.dispatch()
		case <-s.nudgeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func removeSeq(list []*Sequence, seq *Sequence) []*Sequence {
	for i, x := range list {
		if x == seq {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
