package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Adapter is a low-rank delta on the output projection:
// logits += (alpha/rank) * B(A h).
type Adapter struct {
	Name  string
	Rank  int
	Alpha float32
	a     matrix // rank x hidden
	b     matrix // vocab x rank
}

func (ad *Adapter) scale() float32 {
	if ad.Rank == 0 {
		return 0
	}
	return ad.Alpha / float32(ad.Rank)
}

// addDelta accumulates weight*delta(h) into logits.
func (ad *Adapter) addDelta(logits, h []float32, weight float32) {
	low := make([]float32, ad.a.Rows())
	ad.a.MulVec(low, h)
	out := make([]float32, ad.b.Rows())
	ad.b.MulVec(out, low)
	s := ad.scale() * weight
	for i, v := range out {
		logits[i] += s * v
	}
}

// xloraGate mixes adapters per position: weights = softmax(G h).
type xloraGate struct {
	g matrix // adapters x hidden
}

func (x *xloraGate) weights(h []float32) []float32 {
	w := make([]float32, x.g.Rows())
	x.g.MulVec(w, h)
	mx := w[0]
	for _, v := range w {
		mx = max(mx, v)
	}
	var sum float32
	for i, v := range w {
		w[i] = float32(math.Exp(float64(v - mx)))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// AdapterSet is an immutable selection of adapters attached to a request.
// Sets are shared by pointer between every sequence that selected the same
// names.
type AdapterSet struct {
	key      string
	adapters []*Adapter
	gate     *xloraGate
}

// Key identifies the set; it is the sorted, comma-joined adapter names.
func (s *AdapterSet) Key() string {
	if s == nil {
		return ""
	}
	return s.key
}

// Names lists the adapters in application order.
func (s *AdapterSet) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.adapters))
	for i, a := range s.adapters {
		out[i] = a.Name
	}
	return out
}

func (s *AdapterSet) apply(logits, h []float32) {
	if s == nil || len(s.adapters) == 0 {
		return
	}
	if s.gate != nil {
		for i, w := range s.gate.weights(h) {
			s.adapters[i].addDelta(logits, h, w)
		}
		return
	}
	for _, a := range s.adapters {
		a.addDelta(logits, h, 1)
	}
}

// adapterRegistry memoizes resolved sets so equal selections share storage.
type adapterRegistry struct {
	mu     sync.Mutex
	byName map[string]*Adapter
	order  []string
	gate   *xloraGate
	sets   map[string]*AdapterSet
}

func (r *adapterRegistry) resolve(names []string) (*AdapterSet, error) {
	if len(names) == 0 {
		return nil, nil
	}
	uniq := append([]string(nil), names...)
	sort.Strings(uniq)
	for i := 1; i < len(uniq); i++ {
		if uniq[i] == uniq[i-1] {
			return nil, preprocessErrorf(KindAdapter, "adapter %q selected twice", uniq[i])
		}
	}
	key := strings.Join(uniq, ",")
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sets[key]; ok {
		return s, nil
	}
	set := &AdapterSet{key: key}
	for _, n := range uniq {
		a, ok := r.byName[n]
		if !ok {
			return nil, preprocessErrorf(KindAdapter, "unknown adapter %q", n)
		}
		set.adapters = append(set.adapters, a)
	}
	if r.gate != nil {
		// The gate scores every loaded adapter; a selection uses the
		// matching rows.
		rows := make([]int, len(set.adapters))
		for i, a := range set.adapters {
			rows[i] = indexOf(r.order, a.Name)
		}
		set.gate = &xloraGate{g: selectRows(r.gate.g, rows)}
	}
	if r.sets == nil {
		r.sets = make(map[string]*AdapterSet)
	}
	r.sets[key] = set
	return set, nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func selectRows(m matrix, rows []int) matrix {
	d := newDense(len(rows), m.Cols())
	for i, r := range rows {
		m.RowInto(r, d.data[i*d.c:(i+1)*d.c])
	}
	return d
}

// AdapterConfig describes one adapter in a manifest. Weights are generated
// from Seed.
type AdapterConfig struct {
	Name  string  `yaml:"name" json:"name" toml:"name"`
	Rank  int     `yaml:"rank" json:"rank" toml:"rank"`
	Alpha float32 `yaml:"alpha" json:"alpha" toml:"alpha"`
	Seed  uint64  `yaml:"seed" json:"seed" toml:"seed"`
}

func buildAdapters(cfgs []AdapterConfig, hidden, vocab int, xlora bool, seed uint64) (*adapterRegistry, error) {
	reg := &adapterRegistry{byName: make(map[string]*Adapter)}
	for _, c := range cfgs {
		if c.Name == "" {
			return nil, fmt.Errorf("adapter name is empty")
		}
		if _, dup := reg.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate adapter %q", c.Name)
		}
		rank := c.Rank
		if rank <= 0 {
			rank = 4
		}
		alpha := c.Alpha
		if alpha == 0 {
			alpha = float32(rank)
		}
		f := newFiller(c.Seed, 0xada)
		reg.byName[c.Name] = &Adapter{
			Name: c.Name, Rank: rank, Alpha: alpha,
			a: f.dense(rank, hidden, 1/float32(math.Sqrt(float64(hidden)))),
			b: f.dense(vocab, rank, 0.5),
		}
		reg.order = append(reg.order, c.Name)
	}
	if xlora && len(cfgs) > 0 {
		f := newFiller(seed, 0x61a7e)
		reg.gate = &xloraGate{g: f.dense(len(cfgs), hidden, 1/float32(math.Sqrt(float64(hidden))))}
	}
	return reg, nil
}
