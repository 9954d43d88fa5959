package engine

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"inferd/internal/constraint"
	"inferd/internal/kvcache"
	"inferd/internal/pipeline"
	"inferd/internal/sampling"
)

// Sequence is the mutable execution state of one request. Only the loop
// goroutine touches it.
type Sequence struct {
	id      uint64
	arrival time.Time
	req     Request
	handle  *Handle
	out     *outbox
	phase   Phase

	prepared   *pipeline.PreparedInput
	prepDone   bool
	dispatched bool

	program   constraint.Program
	matcher   constraint.Matcher
	sampler   *sampling.Sampler
	penalty   *sampling.PenaltyState
	maxTokens int

	cache    kvcache.Handle
	hasCache bool

	tokens    []int
	promptLen int
	raw       []byte
	cut       int // content length once a stop string matched
	streamed  int // bytes of raw already sent as chunks
	pending   []int
	logprobs  []TokenLogprob
	sentLP    int
	forwards  int
	finish    FinishReason
	err       error
	slotHeld  bool
}

// before orders sequences by (arrival, id).
func (s *Sequence) before(o *Sequence) bool {
	if !s.arrival.Equal(o.arrival) {
		return s.arrival.Before(o.arrival)
	}
	return s.id < o.id
}

// generated returns the tokens produced so far.
func (s *Sequence) generated() []int { return s.tokens[s.promptLen:] }

func (s *Sequence) usage() Usage {
	return Usage{PromptTokens: s.promptLen, CompletionTokens: len(s.tokens) - s.promptLen}
}

// start installs the prepared input: the prompt becomes the history and
// the penalty window is seeded from it.
func (s *Sequence) start(prep *pipeline.PreparedInput, ctxWindow int) {
	s.prepared = prep
	s.tokens = append(s.tokens[:0], prep.Tokens...)
	s.promptLen = len(prep.Tokens)
	p := s.req.Sampling.Normalize()
	s.maxTokens = min(p.MaxTokens, ctxWindow-s.promptLen)
	s.penalty = sampling.NewPenaltyState(p.PenaltyWindow, prep.Tokens)
}

// reservation is the cache capacity admission must reserve.
func (s *Sequence) reservation(gamma int) int { return s.promptLen + s.maxTokens + gamma }

// content returns the text to report, stopping at a matched stop string.
func (s *Sequence) content() string {
	end := len(s.raw)
	if s.cut >= 0 {
		end = s.cut
	}
	return strings.ToValidUTF8(string(s.raw[:end]), "�")
}

// commit appends one sampled token and evaluates every stop criterion. It
// returns the finish reason when the sequence is done.
func (s *Sequence) commit(res sampling.Result, tok pipeline.Tokenizer, eos int) (FinishReason, error) {
	t := res.Token
	s.tokens = append(s.tokens, t)
	s.pending = append(s.pending, t)
	s.penalty.Observe(t)
	if s.req.Logprobs {
		s.logprobs = append(s.logprobs, TokenLogprob{Token: t, Text: tok.TokenText(t), Logprob: res.Logprob, Top: res.Top})
	}
	if t == eos && eos >= 0 {
		return FinishEOS, nil
	}
	if slices.Contains(s.req.Stop.TokenIDs, t) {
		return FinishStop, nil
	}
	text := tok.TokenText(t)
	if s.matcher != nil {
		if err := s.matcher.Advance(text); err != nil {
			return FinishError, constraintError{msg: err.Error()}
		}
	}
	prev := len(s.raw)
	s.raw = append(s.raw, text...)
	if i := s.findStop(prev); i >= 0 {
		s.cut = i
		return FinishStop, nil
	}
	if len(s.tokens)-s.promptLen >= s.maxTokens {
		return FinishLength, nil
	}
	if s.matcher != nil && s.matcher.Complete() && !s.canContinue(tok, eos) {
		return FinishStop, nil
	}
	return "", nil
}

// findStop searches for the earliest stop string that ends after prev.
func (s *Sequence) findStop(prev int) int {
	best := -1
	for _, stop := range s.req.Stop.Strings {
		if stop == "" {
			continue
		}
		from := max(0, prev-len(stop)+1)
		if i := strings.Index(string(s.raw[from:]), stop); i >= 0 {
			if at := from + i; best < 0 || at < best {
				best = at
			}
		}
	}
	return best
}

// canContinue reports whether any non-end token keeps the constraint viable.
func (s *Sequence) canContinue(tok pipeline.Tokenizer, eos int) bool {
	for id := 0; id < tok.VocabSize(); id++ {
		if id == eos {
			continue
		}
		if text := tok.TokenText(id); text != "" && s.matcher.Allows(text) {
			return true
		}
	}
	return false
}

// holdback is how many trailing bytes of raw may still turn into a stop
// string or complete a multi-byte rune.
func (s *Sequence) holdback() int {
	hold := 0
	for _, stop := range s.req.Stop.Strings {
		for n := min(len(stop)-1, len(s.raw)); n > hold; n-- {
			if strings.HasSuffix(string(s.raw), stop[:n]) {
				hold = n
				break
			}
		}
	}
	end := len(s.raw) - hold
	for i := end - 1; i >= max(0, end-utf8.UTFMax); i-- {
		if utf8.RuneStart(s.raw[i]) {
			if !utf8.FullRune(s.raw[i:end]) {
				hold = len(s.raw) - i
			}
			break
		}
	}
	return hold
}

// chunk builds the next stream chunk. With final set everything left is
// flushed.
func (s *Sequence) chunk(final bool) (Response, bool) {
	end := len(s.raw)
	if s.cut >= 0 {
		end = s.cut
	} else if !final {
		end -= s.holdback()
	}
	var delta string
	if end > s.streamed {
		delta = strings.ToValidUTF8(string(s.raw[s.streamed:end]), "�")
		s.streamed = end
	}
	if delta == "" && len(s.pending) == 0 {
		return Response{}, false
	}
	r := Response{
		Kind:     ResponseChunk,
		SeqID:    s.id,
		Tag:      s.req.Tag,
		Delta:    delta,
		Tokens:   s.pending,
		Logprobs: s.logprobs[s.sentLP:],
	}
	s.pending = nil
	s.sentLP = len(s.logprobs)
	return r, true
}

// mask returns the constraint mask for the current matcher state, or nil.
func (s *Sequence) mask(tok pipeline.Tokenizer, eos int) sampling.Mask {
	if s.matcher == nil {
		return nil
	}
	return constraint.NewTokenMask(s.matcher, tok, eos)
}

// topN is the number of alternatives to report per token.
func (s *Sequence) topN() int {
	if !s.req.Logprobs {
		return 0
	}
	return s.req.TopLogprobs
}
