// Package speculative implements draft-and-verify decoding.
//
// A small draft pipeline proposes up to gamma tokens per sequence; the target
// pipeline scores every proposal plus one extra position in a single batched
// step. Proposals are accepted left to right with probability min(1, p/q);
// the first rejection is resampled from norm(max(0, p-q)) and, when all
// proposals survive, a bonus token is drawn from the last target position.
// The output distribution is the target's. With greedy parameters the output
// is token-identical to plain decoding.
package speculative

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"inferd/internal/constraint"
	"inferd/internal/kvcache"
	"inferd/internal/pipeline"
	"inferd/internal/sampling"
)

// DefaultGamma is the number of draft tokens proposed per round.
const DefaultGamma = 4

// Config tunes the controller.
type Config struct {
	Gamma int
}

// Sequence is the controller's view of one decoding sequence. The
// controller never mutates Penalty or Matcher; it explores clones.
type Sequence struct {
	ID uint64
	// Cache is the target cache; it holds every history token but the last.
	Cache    kvcache.Handle
	History  []int
	Adapters *pipeline.AdapterSet
	Sampler  *sampling.Sampler
	Penalty  *sampling.PenaltyState
	Matcher  constraint.Matcher
	// Budget is the most tokens this round may return.
	Budget      int
	TopLogprobs int
}

// Outcome is the result of one round for one sequence. Tokens are in
// emission order; the caller applies its stop criteria to them in turn and
// ignores the rest.
type Outcome struct {
	Tokens   []sampling.Result
	Proposed int
	Accepted int
	Err      error
}

// Stats are cumulative proposal counters.
type Stats struct {
	Proposed uint64
	Accepted uint64
}

type draftState struct {
	h      kvcache.Handle
	synced int
}

// Controller wraps a target and a draft pipeline. Decode and Release must be
// called from a single goroutine.
type Controller struct {
	target  pipeline.Pipeline
	draft   pipeline.Pipeline
	gamma   int
	enabled bool
	log     zerolog.Logger

	drafts   map[uint64]*draftState
	proposed atomic.Uint64
	accepted atomic.Uint64
}

// New checks vocabulary compatibility once. On mismatch the controller is
// returned disabled and callers decode without it.
func New(target, draft pipeline.Pipeline, cfg Config, log zerolog.Logger) *Controller {
	if cfg.Gamma <= 0 {
		cfg.Gamma = DefaultGamma
	}
	c := &Controller{
		target: target,
		draft:  draft,
		gamma:  cfg.Gamma,
		log:    log.With().Str("component", "speculative").Logger(),
		drafts: make(map[uint64]*draftState),
	}
	switch {
	case draft == nil:
		c.log.Debug().Msg("no draft model; speculative decoding off")
	case !pipeline.SameVocab(target.Tokenizer(), draft.Tokenizer()):
		c.log.Warn().
			Str("target", target.Model().ID()).
			Str("draft", draft.Model().ID()).
			Int("target_vocab", target.Tokenizer().VocabSize()).
			Int("draft_vocab", draft.Tokenizer().VocabSize()).
			Msg("draft vocabulary differs from target; speculative decoding disabled")
	default:
		c.enabled = true
		c.log.Info().Str("draft", draft.Model().ID()).Int("gamma", c.gamma).Msg("speculative decoding enabled")
	}
	return c
}

// Enabled reports whether Decode may be used.
func (c *Controller) Enabled() bool { return c != nil && c.enabled }

// Gamma is the proposal length.
func (c *Controller) Gamma() int { return c.gamma }

// Stats returns cumulative counters.
func (c *Controller) Stats() Stats {
	return Stats{Proposed: c.proposed.Load(), Accepted: c.accepted.Load()}
}

// Release frees the draft cache of a finished sequence.
func (c *Controller) Release(id uint64) {
	if c == nil {
		return
	}
	if ds, ok := c.drafts[id]; ok {
		if err := c.draft.Cache().Release(ds.h); err != nil {
			c.log.Error().Err(err).Uint64("seq", id).Msg("release draft cache")
		}
		delete(c.drafts, id)
	}
}

// Open reports how many draft caches are held.
func (c *Controller) Open() int { return len(c.drafts) }

func (c *Controller) draftFor(s *Sequence) *draftState {
	if ds, ok := c.drafts[s.ID]; ok {
		return ds
	}
	need := len(s.History) + s.Budget + c.gamma
	reserve := min(need, c.draft.Model().ContextWindow())
	if reserve < len(s.History)+c.gamma {
		return nil
	}
	h, err := c.draft.Cache().Acquire(reserve, len(s.History))
	if err != nil {
		c.log.Debug().Err(err).Uint64("seq", s.ID).Msg("draft cache unavailable; decoding without proposals")
		return nil
	}
	ds := &draftState{h: h}
	c.drafts[s.ID] = ds
	return ds
}

// round is the per-sequence scratch state of one Decode call.
type round struct {
	seq    *Sequence
	ds     *draftState
	limit  int
	fed    bool
	done   bool
	pen    *sampling.PenaltyState
	m      constraint.Matcher
	drafts []int
	qs     [][]float64
}

func cloneMatcher(m constraint.Matcher) constraint.Matcher {
	if m == nil {
		return nil
	}
	return m.Clone()
}

func (c *Controller) mask(m constraint.Matcher) sampling.Mask {
	if m == nil {
		return nil
	}
	return constraint.NewTokenMask(m, c.target.Tokenizer(), c.target.Model().EOS())
}

// advance records tok in the explored state and reports whether more tokens
// may follow it.
func (c *Controller) advance(pen *sampling.PenaltyState, m constraint.Matcher, tok int) bool {
	pen.Observe(tok)
	if tok == c.target.Model().EOS() {
		return false
	}
	if m != nil {
		if err := m.Advance(c.target.Tokenizer().TokenText(tok)); err != nil {
			return false
		}
	}
	return true
}

// Decode runs one draft/verify round for every sequence. The returned error
// is set only when ctx ended.
func (c *Controller) Decode(ctx context.Context, seqs []*Sequence) ([]Outcome, error) {
	rounds := make([]*round, len(seqs))
	for i, s := range seqs {
		r := &round{seq: s, limit: min(c.gamma, max(s.Budget-1, 0))}
		if r.limit > 0 {
			r.ds = c.draftFor(s)
		}
		if r.ds == nil {
			r.limit = 0
		}
		r.pen = s.Penalty.Clone()
		if r.pen == nil {
			r.pen = sampling.NewPenaltyState(0, nil)
		}
		r.m = cloneMatcher(s.Matcher)
		rounds[i] = r
	}
	if err := c.propose(ctx, rounds); err != nil {
		return nil, err
	}
	return c.verify(ctx, rounds)
}

// propose runs the draft pipeline autoregressively, batching every sequence
// that still wants proposals.
func (c *Controller) propose(ctx context.Context, rounds []*round) error {
	for j := 0; j < c.gamma; j++ {
		var (
			batch []pipeline.StepInput
			owner []*round
		)
		for _, r := range rounds {
			if r.done || len(r.drafts) >= r.limit {
				continue
			}
			in := pipeline.StepInput{SeqID: r.seq.ID, Cache: r.ds.h, NumLogits: 1}
			if j == 0 {
				in.Start = min(r.ds.synced, len(r.seq.History)-1)
				in.Tokens = r.seq.History[in.Start:]
			} else {
				in.Start = len(r.seq.History) - 1 + j
				in.Tokens = []int{r.drafts[j-1]}
			}
			batch = append(batch, in)
			owner = append(owner, r)
		}
		if len(batch) == 0 {
			return nil
		}
		out, err := c.draft.Step(ctx, batch)
		if err != nil {
			return err
		}
		for k, o := range out {
			r := owner[k]
			if o.Err != nil {
				c.log.Debug().Err(o.Err).Uint64("seq", r.seq.ID).Msg("draft step failed; dropping proposals")
				r.done, r.fed, r.drafts, r.qs = true, false, nil, nil
				r.ds.synced = 0
				continue
			}
			r.fed = true
			q, err := r.seq.Sampler.Distribution(o.Logits[0], r.pen, c.mask(r.m))
			if err != nil {
				r.done = true
				continue
			}
			d := r.seq.Sampler.SampleFrom(q)
			r.drafts = append(r.drafts, d)
			r.qs = append(r.qs, q)
			if !c.advance(r.pen, r.m, d) {
				r.done = true
			}
		}
	}
	return nil
}

func (c *Controller) verify(ctx context.Context, rounds []*round) ([]Outcome, error) {
	batch := make([]pipeline.StepInput, len(rounds))
	for i, r := range rounds {
		h := r.seq.History
		toks := make([]int, 0, len(r.drafts)+1)
		toks = append(toks, h[len(h)-1])
		toks = append(toks, r.drafts...)
		batch[i] = pipeline.StepInput{
			SeqID:     r.seq.ID,
			Cache:     r.seq.Cache,
			Start:     len(h) - 1,
			Tokens:    toks,
			Adapters:  r.seq.Adapters,
			NumLogits: len(toks),
		}
	}
	out, err := c.target.Step(ctx, batch)
	if err != nil {
		return nil, err
	}
	res := make([]Outcome, len(rounds))
	for i, r := range rounds {
		res[i] = c.accept(r, out[i])
		c.proposed.Add(uint64(res[i].Proposed))
		c.accepted.Add(uint64(res[i].Accepted))
	}
	return res, nil
}

// accept applies the rejection test to one sequence and rolls both caches
// back to the accepted length.
func (c *Controller) accept(r *round, o pipeline.StepOutput) Outcome {
	s := r.seq
	oc := Outcome{Proposed: len(r.drafts)}
	if o.Err != nil {
		oc.Err = o.Err
		return oc
	}
	pen := s.Penalty.Clone()
	if pen == nil {
		pen = sampling.NewPenaltyState(0, nil)
	}
	m := cloneMatcher(s.Matcher)
	emit := func(tok int) bool {
		oc.Tokens = append(oc.Tokens, s.Sampler.Describe(tok, s.TopLogprobs))
		return c.advance(pen, m, tok)
	}
	for pos := 0; pos <= len(r.drafts); pos++ {
		p, err := s.Sampler.Distribution(o.Logits[pos], pen, c.mask(m))
		if err != nil {
			if len(oc.Tokens) == 0 {
				oc.Err = err
			}
			break
		}
		if pos == len(r.drafts) {
			emit(s.Sampler.SampleFrom(p))
			break
		}
		d, q := r.drafts[pos], r.qs[pos]
		if c.acceptDraft(s.Sampler, p[d], q[d]) {
			oc.Accepted++
			if !emit(d) {
				break
			}
			continue
		}
		emit(s.Sampler.SampleFrom(sampling.Residual(p, q)))
		break
	}

	base := len(s.History) - 1
	if err := c.target.Cache().Truncate(s.Cache, base+max(len(oc.Tokens), 1)); err != nil {
		c.log.Error().Err(err).Uint64("seq", s.ID).Msg("truncate target cache")
	}
	if r.ds != nil && r.fed {
		r.ds.synced = len(s.History) + min(oc.Accepted, max(len(r.drafts)-1, 0))
		if err := c.draft.Cache().Truncate(r.ds.h, r.ds.synced); err != nil {
			c.log.Error().Err(err).Uint64("seq", s.ID).Msg("truncate draft cache")
		}
	}
	return oc
}

// acceptDraft keeps a proposal with probability min(1, p/q). No randomness
// is consumed when the outcome is certain.
func (c *Controller) acceptDraft(s *sampling.Sampler, p, q float64) bool {
	if q <= 0 {
		return false
	}
	if p >= q {
		return true
	}
	if p <= 0 {
		return false
	}
	return s.Float64() < p/q
}
