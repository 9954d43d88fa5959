package sampling

import (
	"errors"
	"math"
	"testing"
)

func TestGreedyPicksArgmaxWithoutRandomness(t *testing.T) {
	s := New(Params{Temperature: 0, Seed: 7})
	logits := []float32{0.1, 2.5, -1, 2.4}
	for i := 0; i < 5; i++ {
		res, err := s.Sample(logits, nil, nil, 0)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if res.Token != 1 {
			t.Fatalf("expected argmax 1, got %d", res.Token)
		}
	}
}

func TestSeededSamplingIsReproducible(t *testing.T) {
	logits := []float32{1, 1.2, 0.8, 1.1, 0.3, 0.9}
	run := func() []int {
		s := New(Params{Temperature: 1, Seed: 42})
		var out []int
		for i := 0; i < 32; i++ {
			r, err := s.Sample(logits, nil, nil, 0)
			if err != nil {
				t.Fatalf("sample: %v", err)
			}
			out = append(out, r.Token)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("runs diverged at %d: %v vs %v", i, a, b)
		}
	}
}

func TestTopKRestrictsCandidates(t *testing.T) {
	s := New(Params{Temperature: 1, TopK: 2, Seed: 1})
	logits := []float32{5, 4, 3, 2, 1}
	probs, err := s.Distribution(logits, nil, nil)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	for i := 2; i < len(probs); i++ {
		if probs[i] != 0 {
			t.Fatalf("token %d outside top-k has mass %v", i, probs[i])
		}
	}
	if math.Abs(probs[0]+probs[1]-1) > 1e-9 {
		t.Fatalf("top-k mass not normalized: %v", probs)
	}
}

func TestTopPKeepsNucleus(t *testing.T) {
	s := New(Params{Temperature: 1, TopP: 0.5, Seed: 1})
	// token 0 alone holds well over half the mass
	logits := []float32{10, 1, 1, 1}
	probs, _ := s.Distribution(logits, nil, nil)
	if probs[0] != 1 {
		t.Fatalf("expected nucleus of size one, got %v", probs)
	}
}

func TestMaskAppliedAfterFilters(t *testing.T) {
	s := New(Params{Temperature: 1, TopK: 1, Seed: 3})
	logits := []float32{9, 1, 0}
	onlyTwo := MaskFunc(func(tok int) bool { return tok == 2 })
	probs, err := s.Distribution(logits, nil, onlyTwo)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if probs[2] != 1 {
		t.Fatalf("fallback should select the only allowed token, got %v", probs)
	}
	none := MaskFunc(func(int) bool { return false })
	if _, err := s.Distribution(logits, nil, none); !errors.Is(err, ErrNoViableToken) {
		t.Fatalf("expected no viable token, got %v", err)
	}
}

func TestGreedyRespectsMask(t *testing.T) {
	s := New(Params{})
	res, err := s.Sample([]float32{3, 2, 1}, nil, MaskFunc(func(tok int) bool { return tok != 0 }), 0)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if res.Token != 1 {
		t.Fatalf("expected 1, got %d", res.Token)
	}
}

func TestPenaltiesUseWindow(t *testing.T) {
	pen := NewPenaltyState(2, []int{0, 0, 1})
	// window keeps the last two tokens: 0 and 1
	if pen.Count(0) != 1 || pen.Count(1) != 1 {
		t.Fatalf("unexpected counts: 0=%d 1=%d", pen.Count(0), pen.Count(1))
	}
	pen.Observe(1)
	if pen.Count(0) != 0 || pen.Count(1) != 2 {
		t.Fatalf("window did not slide: 0=%d 1=%d", pen.Count(0), pen.Count(1))
	}

	s := New(Params{PresencePenalty: 5})
	res, _ := s.Sample([]float32{0, 3, 2}, pen, nil, 0)
	if res.Token != 2 {
		t.Fatalf("presence penalty should demote token 1, got %d", res.Token)
	}
}

func TestRepetitionPenaltyDirection(t *testing.T) {
	pen := NewPenaltyState(4, []int{0, 1})
	l := []float32{2, -2, 1}
	pen.apply(l, Params{RepetitionPenalty: 2}.Normalize())
	if l[0] != 1 || l[1] != -4 || l[2] != 1 {
		t.Fatalf("unexpected penalized logits %v", l)
	}
}

func TestLogitBias(t *testing.T) {
	s := New(Params{LogitBias: map[int]float32{2: 10}})
	res, _ := s.Sample([]float32{1, 2, 0}, nil, nil, 0)
	if res.Token != 2 {
		t.Fatalf("bias ignored, got %d", res.Token)
	}
}

func TestTopLogprobsOrdered(t *testing.T) {
	s := New(Params{})
	res, _ := s.Sample([]float32{0, 3, 1}, nil, nil, 2)
	if len(res.Top) != 2 || res.Top[0].Token != 1 || res.Top[1].Token != 2 {
		t.Fatalf("unexpected top logprobs %+v", res.Top)
	}
	if res.Logprob != res.Top[0].Logprob || res.Logprob >= 0 {
		t.Fatalf("chosen logprob mismatch: %v vs %+v", res.Logprob, res.Top)
	}
}

func TestResidual(t *testing.T) {
	p := []float64{0.5, 0.5, 0}
	q := []float64{0.9, 0.1, 0}
	r := Residual(p, q)
	if r[0] != 0 || r[1] != 1 {
		t.Fatalf("unexpected residual %v", r)
	}
	same := Residual(p, p)
	if same[0] != 0.5 || same[1] != 0.5 {
		t.Fatalf("residual of equal distributions should be p, got %v", same)
	}
}
