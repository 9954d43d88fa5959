// Package sampling turns logits into the next token.
//
// The transform order is fixed so that runs are reproducible:
//
//  1. penalties over the lookback window (repetition, frequency, presence)
//  2. logit bias
//  3. temperature (0 means argmax, no randomness is consumed)
//  4. top-k
//  5. top-p (nucleus)
//  6. constraint mask
//  7. draw from the sequence-owned seeded generator
package sampling

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
)

// ErrNoViableToken is returned when the mask rejects every token.
var ErrNoViableToken = errors.New("sampling: no viable token")

// Mask restricts which token ids may be emitted. A nil Mask allows all.
type Mask interface {
	Allows(token int) bool
}

// MaskFunc adapts a function to Mask.
type MaskFunc func(token int) bool

func (f MaskFunc) Allows(token int) bool { return f(token) }

// TopLogprob is one entry of the top-n logprob list.
type TopLogprob struct {
	Token   int
	Logprob float32
}

// Result is the outcome of one sampling step.
type Result struct {
	Token   int
	Logprob float32
	Top     []TopLogprob
}

// Sampler owns the random state of one sequence. It is not safe for
// concurrent use; every sequence gets its own.
type Sampler struct {
	params Params
	rng    *rand.Rand
	work   []float32
	idx    []int
}

// New returns a sampler seeded from p.Seed.
func New(p Params) *Sampler {
	p = p.Normalize()
	return &Sampler{
		params: p,
		rng:    rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15)),
	}
}

// Params returns the normalized parameters.
func (s *Sampler) Params() Params { return s.params }

// Float64 draws a uniform value in [0,1) from the sequence generator.
func (s *Sampler) Float64() float64 { return s.rng.Float64() }

// Sample selects the next token. topN > 0 also returns that many top
// logprobs computed from the penalized, unscaled distribution.
func (s *Sampler) Sample(logits []float32, pen *PenaltyState, mask Mask, topN int) (Result, error) {
	probs, err := s.Distribution(logits, pen, mask)
	if err != nil {
		return Result{}, err
	}
	return s.Describe(s.SampleFrom(probs), topN), nil
}

// Describe builds the Result for tok from the logits of the most recent
// Distribution call.
func (s *Sampler) Describe(tok, topN int) Result {
	res := Result{Token: tok}
	lp := s.logSoftmax()
	if tok >= 0 && tok < len(lp) {
		res.Logprob = lp[tok]
	}
	if topN > 0 {
		res.Top = topLogprobs(lp, topN)
	}
	return res
}

// Distribution applies every transform up to and including the mask and
// returns a full-vocabulary probability vector. Greedy parameters yield a
// one-hot vector at the highest allowed logit.
func (s *Sampler) Distribution(logits []float32, pen *PenaltyState, mask Mask) ([]float64, error) {
	n := len(logits)
	if n == 0 {
		return nil, ErrNoViableToken
	}
	if cap(s.work) < n {
		s.work = make([]float32, n)
	}
	s.work = s.work[:n]
	l := s.work
	copy(l, logits)
	pen.apply(l, s.params)
	for tok, b := range s.params.LogitBias {
		if tok >= 0 && tok < n {
			l[tok] += b
		}
	}

	probs := make([]float64, n)
	if s.params.Greedy() {
		best := -1
		for i, v := range l {
			if mask != nil && !mask.Allows(i) {
				continue
			}
			if best < 0 || v > l[best] {
				best = i
			}
		}
		if best < 0 {
			return nil, ErrNoViableToken
		}
		probs[best] = 1
		return probs, nil
	}

	order := s.sortedIndices(l)
	invT := 1 / s.params.Temperature
	keep := order
	if k := s.params.TopK; k > 0 && k < len(keep) {
		keep = keep[:k]
	}
	keep = nucleus(l, keep, invT, s.params.TopP)

	if s.fill(probs, l, keep, invT, mask) == 0 {
		// Every filtered candidate was masked out: fall back to the allowed
		// tokens of the unfiltered distribution.
		if s.fill(probs, l, order, invT, mask) == 0 {
			return nil, ErrNoViableToken
		}
	}
	return probs, nil
}

// SampleFrom draws one index from a probability vector.
func (s *Sampler) SampleFrom(probs []float64) int {
	var total float64
	last := -1
	for i, p := range probs {
		if p > 0 {
			total += p
			last = i
		}
	}
	if last < 0 {
		return 0
	}
	if s.params.Greedy() {
		best := 0
		for i, p := range probs {
			if p > probs[best] {
				best = i
			}
		}
		return best
	}
	r := s.rng.Float64() * total
	var c float64
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		c += p
		if r < c {
			return i
		}
	}
	return last
}

// fill writes the renormalized softmax over the allowed members of cand into
// probs and returns the number of tokens that received mass.
func (s *Sampler) fill(probs []float64, l []float32, cand []int, invT float64, mask Mask) int {
	for i := range probs {
		probs[i] = 0
	}
	maxv := math.Inf(-1)
	for _, i := range cand {
		if mask != nil && !mask.Allows(i) {
			continue
		}
		if v := float64(l[i]) * invT; v > maxv {
			maxv = v
		}
	}
	if math.IsInf(maxv, -1) {
		return 0
	}
	var sum float64
	kept := 0
	for _, i := range cand {
		if mask != nil && !mask.Allows(i) {
			continue
		}
		e := math.Exp(float64(l[i])*invT - maxv)
		probs[i] = e
		sum += e
		kept++
	}
	for _, i := range cand {
		probs[i] /= sum
	}
	return kept
}

// sortedIndices returns token ids ordered by descending logit, ties broken by
// ascending id so the order is reproducible.
func (s *Sampler) sortedIndices(l []float32) []int {
	if cap(s.idx) < len(l) {
		s.idx = make([]int, len(l))
	}
	idx := s.idx[:len(l)]
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return l[idx[a]] > l[idx[b]] })
	return idx
}

// nucleus truncates the (descending) candidate list once the cumulative
// softmax mass reaches topP.
func nucleus(l []float32, cand []int, invT, topP float64) []int {
	if topP >= 1 || len(cand) == 0 {
		return cand
	}
	maxv := float64(l[cand[0]]) * invT
	var sum float64
	exps := make([]float64, len(cand))
	for i, t := range cand {
		exps[i] = math.Exp(float64(l[t])*invT - maxv)
		sum += exps[i]
	}
	var c float64
	for i := range cand {
		c += exps[i] / sum
		if c >= topP {
			return cand[:i+1]
		}
	}
	return cand
}

// logSoftmax returns log-probabilities of the penalized logits in work.
func (s *Sampler) logSoftmax() []float32 {
	l := s.work
	if len(l) == 0 {
		return nil
	}
	maxv := l[0]
	for _, v := range l[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range l {
		sum += math.Exp(float64(v - maxv))
	}
	lse := float64(maxv) + math.Log(sum)
	out := make([]float32, len(l))
	for i, v := range l {
		out[i] = float32(float64(v) - lse)
	}
	return out
}

func topLogprobs(lp []float32, n int) []TopLogprob {
	idx := make([]int, len(lp))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return lp[idx[a]] > lp[idx[b]] })
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]TopLogprob, n)
	for i := 0; i < n; i++ {
		out[i] = TopLogprob{Token: idx[i], Logprob: lp[idx[i]]}
	}
	return out
}

// Residual returns norm(max(0, p-q)), the corrected distribution used after a
// speculative rejection. When p and q coincide the result is p.
func Residual(p, q []float64) []float64 {
	out := make([]float64, len(p))
	var sum float64
	for i := range p {
		var qi float64
		if i < len(q) {
			qi = q[i]
		}
		if d := p[i] - qi; d > 0 {
			out[i] = d
			sum += d
		}
	}
	if sum == 0 {
		copy(out, p)
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
