package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// VisionConfig describes how images are cut into tiles and patches.
type VisionConfig struct {
	TileSize        int  `yaml:"tile_size" json:"tile_size" toml:"tile_size"`
	Patches         int  `yaml:"patches" json:"patches" toml:"patches"`
	MaxTiles        int  `yaml:"max_tiles" json:"max_tiles" toml:"max_tiles"`
	Channels        int  `yaml:"channels" json:"channels" toml:"channels"`
	MultiResolution bool `yaml:"multi_resolution" json:"multi_resolution" toml:"multi_resolution"`
}

// Config is the loadable description of a model. Weights are generated
// deterministically from Seed, so a manifest alone reproduces a model.
type Config struct {
	ID            string          `yaml:"id" json:"id" toml:"id"`
	Family        string          `yaml:"family" json:"family" toml:"family"`
	Modality      string          `yaml:"modality" json:"modality" toml:"modality"`
	Precision     string          `yaml:"precision" json:"precision" toml:"precision"`
	Quant         string          `yaml:"quant" json:"quant" toml:"quant"`
	Hidden        int             `yaml:"hidden" json:"hidden" toml:"hidden"`
	Layers        int             `yaml:"layers" json:"layers" toml:"layers"`
	ContextWindow int             `yaml:"context_window" json:"context_window" toml:"context_window"`
	Vocab         []string        `yaml:"vocab" json:"vocab" toml:"vocab"`
	BOS           string          `yaml:"bos" json:"bos" toml:"bos"`
	EOS           string          `yaml:"eos" json:"eos" toml:"eos"`
	ImageToken    string          `yaml:"image_token" json:"image_token" toml:"image_token"`
	ChatTemplate  string          `yaml:"chat_template" json:"chat_template" toml:"chat_template"`
	Seed          uint64          `yaml:"seed" json:"seed" toml:"seed"`
	DeviceMap     []string        `yaml:"device_map" json:"device_map" toml:"device_map"`
	Vision        VisionConfig    `yaml:"vision" json:"vision" toml:"vision"`
	Adapters      []AdapterConfig `yaml:"adapters" json:"adapters" toml:"adapters"`
	XLoRA         bool            `yaml:"xlora" json:"xlora" toml:"xlora"`
	Tokenizer     string          `yaml:"tokenizer" json:"tokenizer" toml:"tokenizer"`
	TokenizerPath string          `yaml:"tokenizer_path" json:"tokenizer_path" toml:"tokenizer_path"`
}

// Validate checks the structural fields.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Hidden <= 0 {
		errs = append(errs, errors.New("hidden must be positive"))
	}
	if c.Layers <= 0 {
		errs = append(errs, errors.New("layers must be positive"))
	}
	if c.ContextWindow <= 1 {
		errs = append(errs, errors.New("context_window must be > 1"))
	}
	if len(c.Vocab) == 0 {
		errs = append(errs, errors.New("vocab is empty"))
	}
	if len(c.DeviceMap) != 0 && len(c.DeviceMap) != c.Layers {
		errs = append(errs, fmt.Errorf("device_map has %d entries for %d layers", len(c.DeviceMap), c.Layers))
	}
	v, err := ParseVariant(c.Modality, c.Precision)
	if err != nil {
		errs = append(errs, err)
	} else {
		if v.Modality == ModalityVision {
			if c.ImageToken == "" {
				errs = append(errs, errors.New("vision models need image_token"))
			}
			if c.Vision.TileSize <= 0 || c.Vision.Patches <= 0 || c.Vision.TileSize%c.Vision.Patches != 0 {
				errs = append(errs, errors.New("vision.tile_size must be a positive multiple of vision.patches"))
			}
		}
		if v.Precision == PrecisionAdapter && len(c.Adapters) == 0 {
			errs = append(errs, errors.New("adapter precision needs at least one adapter"))
		}
		if v.Precision != PrecisionAdapter && len(c.Adapters) > 0 {
			errs = append(errs, errors.New("adapters are only valid with adapter precision"))
		}
	}
	return errors.Join(errs...)
}

type layerWeights struct {
	wq, wk, wv, wo matrix
}

// ModelHandle is the immutable loaded model. It is shared read-only by every
// sequence and never copied.
type ModelHandle struct {
	cfg      Config
	variant  Variant
	tok      Tokenizer
	tmpl     *chatTemplate
	bos      int
	eos      int
	image    int
	embed    matrix
	layers   []layerWeights
	out      matrix
	outBias  []float32
	vision   *visionEncoder
	adapters *adapterRegistry
}

// Load builds a model from its configuration.
func Load(cfg Config) (*ModelHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model %q: %w", cfg.ID, err)
	}
	variant, _ := ParseVariant(cfg.Modality, cfg.Precision)
	special := []string{cfg.BOS, cfg.EOS, cfg.ImageToken}
	var (
		tok Tokenizer
		err error
	)
	switch cfg.Tokenizer {
	case "", "vocab":
		tok, err = NewVocabTokenizer(cfg.Vocab, special)
	case "llama":
		tok, err = NewLlamaTokenizer(cfg.TokenizerPath, cfg.ContextWindow, cfg.Vocab, special)
	default:
		err = fmt.Errorf("unknown tokenizer %q", cfg.Tokenizer)
	}
	if err != nil {
		return nil, fmt.Errorf("model %q: tokenizer: %w", cfg.ID, err)
	}
	tmpl, err := newChatTemplate(cfg.ChatTemplate, cfg.BOS, cfg.EOS, cfg.ImageToken)
	if err != nil {
		return nil, fmt.Errorf("model %q: chat template: %w", cfg.ID, err)
	}
	m := &ModelHandle{cfg: cfg, variant: variant, tok: tok, tmpl: tmpl, bos: -1, eos: -1, image: -1}
	if cfg.BOS != "" {
		m.bos, _ = tok.ID(cfg.BOS)
	}
	if cfg.EOS != "" {
		m.eos, _ = tok.ID(cfg.EOS)
	}
	if cfg.ImageToken != "" {
		m.image, _ = tok.ID(cfg.ImageToken)
	}

	scheme := ""
	if variant.Precision == PrecisionQuantized {
		scheme = cfg.Quant
		if scheme == "" {
			scheme = QuantQ8
		}
	}
	h, vocab := cfg.Hidden, tok.VocabSize()
	f := newFiller(cfg.Seed, 1)
	inv := 1 / float32(math.Sqrt(float64(h)))
	q := func(d *denseMatrix) matrix {
		if err != nil {
			return nil
		}
		var mm matrix
		mm, err = quantize(d, scheme)
		return mm
	}
	m.embed = q(f.dense(vocab, h, 1))
	for l := 0; l < cfg.Layers; l++ {
		m.layers = append(m.layers, layerWeights{
			wq: q(f.dense(h, h, inv)),
			wk: q(f.dense(h, h, inv)),
			wv: q(f.dense(h, h, inv)),
			wo: q(f.dense(h, h, inv)),
		})
	}
	m.out = q(f.dense(vocab, h, 3*inv))
	m.outBias = f.vec(vocab, 0.1)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", cfg.ID, err)
	}
	if variant.Modality == ModalityVision {
		m.vision = newVisionEncoder(cfg.Vision, h, cfg.Seed)
	}
	if variant.Precision == PrecisionAdapter {
		m.adapters, err = buildAdapters(cfg.Adapters, h, vocab, cfg.XLoRA, cfg.Seed)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", cfg.ID, err)
		}
	}
	return m, nil
}

func (m *ModelHandle) ID() string          { return m.cfg.ID }
func (m *ModelHandle) Family() string      { return m.cfg.Family }
func (m *ModelHandle) Variant() Variant    { return m.variant }
func (m *ModelHandle) Hidden() int         { return m.cfg.Hidden }
func (m *ModelHandle) NumLayers() int      { return m.cfg.Layers }
func (m *ModelHandle) VocabSize() int      { return m.tok.VocabSize() }
func (m *ModelHandle) ContextWindow() int  { return m.cfg.ContextWindow }
func (m *ModelHandle) Tokenizer() Tokenizer { return m.tok }
func (m *ModelHandle) Quant() string       { return m.cfg.Quant }

// BOS, EOS and ImageToken return -1 when the model has no such token.
func (m *ModelHandle) BOS() int        { return m.bos }
func (m *ModelHandle) EOS() int        { return m.eos }
func (m *ModelHandle) ImageToken() int { return m.image }

// RowWidth is the number of floats one cached position occupies: a key and
// a value vector per layer.
func (m *ModelHandle) RowWidth() int { return m.cfg.Layers * 2 * m.cfg.Hidden }

// DeviceMap returns the per-layer placement; unset layers are on "cpu".
func (m *ModelHandle) DeviceMap() []string {
	out := make([]string, m.cfg.Layers)
	for i := range out {
		out[i] = "cpu"
		if i < len(m.cfg.DeviceMap) && m.cfg.DeviceMap[i] != "" {
			out[i] = m.cfg.DeviceMap[i]
		}
	}
	return out
}

// AdapterNames lists the loaded adapters.
func (m *ModelHandle) AdapterNames() []string {
	if m.adapters == nil {
		return nil
	}
	return append([]string(nil), m.adapters.order...)
}

// ResolveAdapters returns the shared set for names. Models without adapter
// support report a PreprocessError for any non-empty selection.
func (m *ModelHandle) ResolveAdapters(names []string) (*AdapterSet, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if m.adapters == nil {
		return nil, preprocessErrorf(KindAdapter, "model %s does not support adapters", m.cfg.ID)
	}
	return m.adapters.resolve(names)
}

// LlamaBuilt reports whether the llama.cpp tokenizer is compiled in.
func LlamaBuilt() bool { return llamaBuilt }
