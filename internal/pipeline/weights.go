package pipeline

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// matrix is a row-major weight matrix. Quantized implementations dequantize
// on the fly.
type matrix interface {
	Rows() int
	Cols() int
	// MulVec computes dst = M x. len(dst) == Rows, len(x) == Cols.
	MulVec(dst, x []float32)
	// RowInto dequantizes row i into dst.
	RowInto(i int, dst []float32)
}

type denseMatrix struct {
	r, c int
	data []float32
}

func newDense(r, c int) *denseMatrix {
	return &denseMatrix{r: r, c: c, data: make([]float32, r*c)}
}

func (m *denseMatrix) Rows() int { return m.r }
func (m *denseMatrix) Cols() int { return m.c }

func (m *denseMatrix) MulVec(dst, x []float32) {
	for i := 0; i < m.r; i++ {
		row := m.data[i*m.c : (i+1)*m.c]
		var s float32
		for j, w := range row {
			s += w * x[j]
		}
		dst[i] = s
	}
}

func (m *denseMatrix) RowInto(i int, dst []float32) {
	copy(dst, m.data[i*m.c:(i+1)*m.c])
}

// q8Block is the Q8_0 block length.
const q8Block = 32

// q8Matrix stores int8 values with one scale per block of 32 columns.
type q8Matrix struct {
	r, c   int
	nb     int
	scales []float32
	q      []int8
}

func quantizeQ8(d *denseMatrix) *q8Matrix {
	nb := (d.c + q8Block - 1) / q8Block
	m := &q8Matrix{r: d.r, c: d.c, nb: nb, scales: make([]float32, d.r*nb), q: make([]int8, d.r*d.c)}
	for i := 0; i < d.r; i++ {
		row := d.data[i*d.c : (i+1)*d.c]
		for b := 0; b < nb; b++ {
			lo, hi := b*q8Block, min((b+1)*q8Block, d.c)
			var amax float32
			for _, v := range row[lo:hi] {
				amax = max(amax, float32(math.Abs(float64(v))))
			}
			scale := amax / 127
			m.scales[i*nb+b] = scale
			for j := lo; j < hi; j++ {
				if scale == 0 {
					continue
				}
				m.q[i*d.c+j] = int8(math.Round(float64(row[j] / scale)))
			}
		}
	}
	return m
}

func (m *q8Matrix) Rows() int { return m.r }
func (m *q8Matrix) Cols() int { return m.c }

func (m *q8Matrix) MulVec(dst, x []float32) {
	for i := 0; i < m.r; i++ {
		var s float32
		for b := 0; b < m.nb; b++ {
			lo, hi := b*q8Block, min((b+1)*q8Block, m.c)
			var bs float32
			for j := lo; j < hi; j++ {
				bs += float32(m.q[i*m.c+j]) * x[j]
			}
			s += bs * m.scales[i*m.nb+b]
		}
		dst[i] = s
	}
}

func (m *q8Matrix) RowInto(i int, dst []float32) {
	for j := 0; j < m.c; j++ {
		dst[j] = float32(m.q[i*m.c+j]) * m.scales[i*m.nb+j/q8Block]
	}
}

// q4Group is the group length of the 4-bit format.
const q4Group = 64

// q4Matrix stores 4-bit codes, two per byte, with a scale and zero point per
// group of 64 columns: w = (code - zero) * scale.
type q4Matrix struct {
	r, c   int
	ng     int
	scales []float32
	zeros  []float32
	codes  []uint8
}

func quantizeQ4(d *denseMatrix) *q4Matrix {
	ng := (d.c + q4Group - 1) / q4Group
	m := &q4Matrix{
		r: d.r, c: d.c, ng: ng,
		scales: make([]float32, d.r*ng),
		zeros:  make([]float32, d.r*ng),
		codes:  make([]uint8, (d.r*d.c+1)/2),
	}
	for i := 0; i < d.r; i++ {
		row := d.data[i*d.c : (i+1)*d.c]
		for g := 0; g < ng; g++ {
			lo, hi := g*q4Group, min((g+1)*q4Group, d.c)
			mn, mx := row[lo], row[lo]
			for _, v := range row[lo:hi] {
				mn, mx = min(mn, v), max(mx, v)
			}
			scale := (mx - mn) / 15
			var zero float32
			if scale != 0 {
				zero = float32(math.Round(float64(-mn / scale)))
			}
			m.scales[i*ng+g] = scale
			m.zeros[i*ng+g] = zero
			for j := lo; j < hi; j++ {
				var code float32
				if scale != 0 {
					code = float32(math.Round(float64(row[j]/scale + zero)))
				}
				code = min(max(code, 0), 15)
				m.setCode(i*d.c+j, uint8(code))
			}
		}
	}
	return m
}

func (m *q4Matrix) setCode(k int, v uint8) {
	if k%2 == 0 {
		m.codes[k/2] = m.codes[k/2]&0xF0 | v
	} else {
		m.codes[k/2] = m.codes[k/2]&0x0F | v<<4
	}
}

func (m *q4Matrix) code(k int) uint8 {
	if k%2 == 0 {
		return m.codes[k/2] & 0x0F
	}
	return m.codes[k/2] >> 4
}

func (m *q4Matrix) Rows() int { return m.r }
func (m *q4Matrix) Cols() int { return m.c }

func (m *q4Matrix) at(i, j int) float32 {
	g := i*m.ng + j/q4Group
	return (float32(m.code(i*m.c+j)) - m.zeros[g]) * m.scales[g]
}

func (m *q4Matrix) MulVec(dst, x []float32) {
	for i := 0; i < m.r; i++ {
		var s float32
		for j := 0; j < m.c; j++ {
			s += m.at(i, j) * x[j]
		}
		dst[i] = s
	}
}

func (m *q4Matrix) RowInto(i int, dst []float32) {
	for j := 0; j < m.c; j++ {
		dst[j] = m.at(i, j)
	}
}

// Quantization schemes accepted in manifests.
const (
	QuantQ8 = "q8_0"
	QuantQ4 = "q4"
)

func quantize(d *denseMatrix, scheme string) (matrix, error) {
	switch scheme {
	case "", "none", "f32":
		return d, nil
	case QuantQ8:
		return quantizeQ8(d), nil
	case QuantQ4:
		return quantizeQ4(d), nil
	}
	return nil, fmt.Errorf("unknown quantization %q", scheme)
}

// filler produces deterministic pseudo-random weights.
type filler struct{ rng *rand.Rand }

func newFiller(seed uint64, stream uint64) *filler {
	return &filler{rng: rand.New(rand.NewPCG(seed, stream))}
}

func (f *filler) dense(r, c int, scale float32) *denseMatrix {
	m := newDense(r, c)
	for i := range m.data {
		m.data[i] = float32(f.rng.NormFloat64()) * scale
	}
	return m
}

func (f *filler) vec(n int, scale float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(f.rng.NormFloat64()) * scale
	}
	return v
}
