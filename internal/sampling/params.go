package sampling

// Defaults applied by Normalize when the corresponding field is unset.
const (
	DefaultMaxTokens     = 256
	DefaultPenaltyWindow = 64
)

// greedyEpsilon is the temperature below which sampling is argmax.
const greedyEpsilon = 1e-7

// Params configures token selection for one sequence. It is a value type and
// is copied into every sequence.
type Params struct {
	Temperature float64
	TopK        int
	TopP        float64
	// Penalties applied over the last PenaltyWindow tokens of the history.
	FrequencyPenalty  float64
	PresencePenalty   float64
	RepetitionPenalty float64
	PenaltyWindow     int
	MaxTokens         int
	Seed              uint64
	// LogitBias is added to the logit of the given token ids.
	LogitBias map[int]float32
}

// Greedy reports whether sampling degenerates to argmax.
func (p Params) Greedy() bool { return p.Temperature < greedyEpsilon }

// HasPenalties reports whether any penalty is active.
func (p Params) HasPenalties() bool {
	return p.FrequencyPenalty != 0 || p.PresencePenalty != 0 ||
		(p.RepetitionPenalty > 0 && p.RepetitionPenalty != 1)
}

// Normalize fills defaults and clamps out-of-range values.
func (p Params) Normalize() Params {
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.PenaltyWindow <= 0 {
		p.PenaltyWindow = DefaultPenaltyWindow
	}
	if p.Temperature < 0 {
		p.Temperature = 0
	}
	if p.TopP <= 0 || p.TopP > 1 {
		p.TopP = 1
	}
	if p.TopK < 0 {
		p.TopK = 0
	}
	if p.RepetitionPenalty <= 0 {
		p.RepetitionPenalty = 1
	}
	if len(p.LogitBias) > 0 {
		b := make(map[int]float32, len(p.LogitBias))
		for k, v := range p.LogitBias {
			b[k] = v
		}
		p.LogitBias = b
	}
	return p
}
