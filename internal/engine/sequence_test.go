package engine

import "testing"

func TestHoldback(t *testing.T) {
	cases := []struct {
		raw   string
		stops []string
		want  int
	}{
		{"hello", nil, 0},
		{"hello", []string{"lo!"}, 2},
		{"hello", []string{"xyz"}, 0},
		{"hel", []string{"l", "elp"}, 2},
		{"ab\xe2\x82", nil, 2}, // first two bytes of a three-byte rune
		{"ab\xe2\x82\xac", nil, 0},
	}
	for _, c := range cases {
		s := &Sequence{raw: []byte(c.raw), cut: -1, req: Request{Stop: StopConditions{Strings: c.stops}}}
		if got := s.holdback(); got != c.want {
			t.Fatalf("holdback(%q, %q) = %d, want %d", c.raw, c.stops, got, c.want)
		}
	}
}

func TestFindStopAcrossTokens(t *testing.T) {
	s := &Sequence{cut: -1, req: Request{Stop: StopConditions{Strings: []string{"END", "ND"}}}}
	s.raw = []byte("xxE")
	if i := s.findStop(0); i != -1 {
		t.Fatalf("premature stop at %d", i)
	}
	prev := len(s.raw)
	s.raw = append(s.raw, "ND tail"...)
	if i := s.findStop(prev); i != 2 {
		t.Fatalf("stop at %d, want 2", i)
	}
}

func TestChunkNeverSplitsRunes(t *testing.T) {
	s := &Sequence{cut: -1, pending: []int{1}}
	s.raw = []byte("\xe2\x82")
	c, ok := s.chunk(false)
	if !ok || c.Delta != "" {
		t.Fatalf("chunk %+v", c)
	}
	s.raw = append(s.raw, 0xac)
	s.pending = []int{2}
	c, _ = s.chunk(false)
	if c.Delta != "€" {
		t.Fatalf("delta %q", c.Delta)
	}
	if _, ok := s.chunk(true); ok {
		t.Fatalf("empty flush produced a chunk")
	}
}

func TestBeforeOrdersByArrivalThenID(t *testing.T) {
	a := &Sequence{id: 2}
	b := &Sequence{id: 3}
	if !a.before(b) || b.before(a) {
		t.Fatalf("equal arrivals must order by id")
	}
}
