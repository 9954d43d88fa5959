package sampling

// PenaltyState tracks token occurrence counts over a sliding window of the
// most recent tokens. The zero value is an empty state with no window.
type PenaltyState struct {
	window int
	ring   []int
	next   int
	full   bool
	counts map[int]int
}

// NewPenaltyState builds a state seeded with the tail of history.
func NewPenaltyState(window int, history []int) *PenaltyState {
	if window <= 0 {
		window = DefaultPenaltyWindow
	}
	s := &PenaltyState{window: window, ring: make([]int, window), counts: make(map[int]int)}
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	for _, t := range history[start:] {
		s.Observe(t)
	}
	return s
}

// Observe records tok, evicting the oldest token once the window is full.
func (s *PenaltyState) Observe(tok int) {
	if s == nil || s.window == 0 {
		return
	}
	if s.full {
		old := s.ring[s.next]
		if c := s.counts[old] - 1; c > 0 {
			s.counts[old] = c
		} else {
			delete(s.counts, old)
		}
	}
	s.ring[s.next] = tok
	s.counts[tok]++
	s.next++
	if s.next == s.window {
		s.next = 0
		s.full = true
	}
}

// Count returns how often tok occurs in the window.
func (s *PenaltyState) Count(tok int) int {
	if s == nil {
		return 0
	}
	return s.counts[tok]
}

// Len is the number of distinct tokens in the window.
func (s *PenaltyState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.counts)
}

// Clone returns an independent copy, used when exploring draft tokens.
func (s *PenaltyState) Clone() *PenaltyState {
	if s == nil {
		return nil
	}
	c := &PenaltyState{
		window: s.window,
		ring:   append([]int(nil), s.ring...),
		next:   s.next,
		full:   s.full,
		counts: make(map[int]int, len(s.counts)),
	}
	for k, v := range s.counts {
		c.counts[k] = v
	}
	return c
}

// apply penalizes logits in place:
//
//	repetition: l > 0 ? l/r : l*r          (once per distinct token)
//	frequency:  l -= count * f
//	presence:   l -= p                       (when count > 0)
func (s *PenaltyState) apply(logits []float32, p Params) {
	if s == nil || !p.HasPenalties() {
		return
	}
	rep := float32(p.RepetitionPenalty)
	freq := float32(p.FrequencyPenalty)
	pres := float32(p.PresencePenalty)
	for tok, c := range s.counts {
		if tok < 0 || tok >= len(logits) || c <= 0 {
			continue
		}
		l := logits[tok]
		if rep != 1 {
			if l > 0 {
				l /= rep
			} else {
				l *= rep
			}
		}
		l -= float32(c)*freq + pres
		logits[tok] = l
	}
}
