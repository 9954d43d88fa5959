package pipeline

import (
	"fmt"
	"math"

	"inferd/internal/kvcache"
)

func rmsNorm(x []float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(x))+1e-6))
	for i := range x {
		x[i] *= inv
	}
}

func addPosition(x []float32, pos int) {
	d := len(x)
	for i := 0; i+1 < d; i += 2 {
		freq := math.Pow(10000, -float64(i)/float64(d))
		x[i] += float32(math.Sin(float64(pos) * freq))
		x[i+1] += float32(math.Cos(float64(pos) * freq))
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// forward evaluates positions in.Start.. for one sequence, writing each
// position's keys and values into blk and returning logits for the last
// numLogits positions. blk must already hold rows up to the final position.
func (m *ModelHandle) forward(blk *kvcache.Block, in StepInput) ([][]float32, error) {
	hd := m.cfg.Hidden
	if blk.Width() != m.RowWidth() {
		return nil, fmt.Errorf("cache row width %d, model needs %d", blk.Width(), m.RowWidth())
	}
	end := in.Start + len(in.Tokens)
	if blk.Len() < end {
		return nil, fmt.Errorf("cache holds %d rows, step needs %d", blk.Len(), end)
	}
	numLogits := min(max(in.NumLogits, 1), len(in.Tokens))
	vocab := m.tok.VocabSize()

	x := make([]float32, hd)
	normed := make([]float32, hd)
	q := make([]float32, hd)
	attn := make([]float32, hd)
	proj := make([]float32, hd)
	scores := make([]float32, end)
	scale := float32(1 / math.Sqrt(float64(hd)))
	logits := make([][]float32, 0, numLogits)

	for i, tok := range in.Tokens {
		pos := in.Start + i
		if e, ok := in.Embeds[pos]; ok {
			if len(e) != hd {
				return nil, fmt.Errorf("embedding at %d has width %d", pos, len(e))
			}
			copy(x, e)
		} else {
			if tok < 0 || tok >= vocab {
				return nil, fmt.Errorf("token %d out of vocabulary", tok)
			}
			m.embed.RowInto(tok, x)
		}
		addPosition(x, pos)

		row := blk.Row(pos)
		for l, lw := range m.layers {
			copy(normed, x)
			rmsNorm(normed)
			k := row[l*2*hd : l*2*hd+hd]
			v := row[l*2*hd+hd : (l+1)*2*hd]
			lw.wq.MulVec(q, normed)
			lw.wk.MulVec(k, normed)
			lw.wv.MulVec(v, normed)

			mx := float32(math.Inf(-1))
			for j := 0; j <= pos; j++ {
				kj := blk.Row(j)[l*2*hd : l*2*hd+hd]
				scores[j] = dot(q, kj) * scale
				mx = max(mx, scores[j])
			}
			var sum float32
			for j := 0; j <= pos; j++ {
				scores[j] = float32(math.Exp(float64(scores[j] - mx)))
				sum += scores[j]
			}
			clear(attn)
			for j := 0; j <= pos; j++ {
				vj := blk.Row(j)[l*2*hd+hd : (l+1)*2*hd]
				w := scores[j] / sum
				for c := range attn {
					attn[c] += w * vj[c]
				}
			}
			lw.wo.MulVec(proj, attn)
			for c := range x {
				x[c] += proj[c]
			}
		}

		if i >= len(in.Tokens)-numLogits {
			copy(normed, x)
			rmsNorm(normed)
			out := make([]float32, vocab)
			m.out.MulVec(out, normed)
			for c := range out {
				out[c] += m.outBias[c]
			}
			in.Adapters.apply(out, normed)
			logits = append(logits, out)
		}
	}
	return logits, nil
}
