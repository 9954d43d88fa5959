package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"inferd/internal/kvcache"
)

// Options configures a pipeline instance.
type Options struct {
	// CacheRows is the size of the KV pool in positions.
	CacheRows int
	// Fanout bounds how many sequences of one step are evaluated in parallel.
	Fanout int
	Logger zerolog.Logger
}

const defaultCacheRows = 8192

// New returns the pipeline for the model's variant.
func New(model *ModelHandle, opts Options) Pipeline {
	if opts.CacheRows <= 0 {
		opts.CacheRows = defaultCacheRows
	}
	if opts.Fanout <= 0 {
		opts.Fanout = runtime.GOMAXPROCS(0)
	}
	tp := &textPipeline{
		model:  model,
		cache:  kvcache.New(opts.CacheRows, model.RowWidth()),
		fanout: opts.Fanout,
		log:    opts.Logger.With().Str("model", model.ID()).Str("variant", model.Variant().String()).Logger(),
	}
	if model.Variant().Modality == ModalityVision {
		return &visionPipeline{textPipeline: tp}
	}
	return tp
}

type textPipeline struct {
	model  *ModelHandle
	cache  *kvcache.Manager
	fanout int
	log    zerolog.Logger
}

func (p *textPipeline) Variant() Variant        { return p.model.Variant() }
func (p *textPipeline) Model() *ModelHandle     { return p.model }
func (p *textPipeline) Tokenizer() Tokenizer    { return p.model.Tokenizer() }
func (p *textPipeline) Cache() *kvcache.Manager { return p.cache }

func (p *textPipeline) Capabilities() Capabilities {
	return Capabilities{
		Adapters:      p.model.adapters != nil,
		ContextWindow: p.model.ContextWindow(),
	}
}

// tokenize renders the chat template and encodes it, adding BOS when the
// template did not.
func (p *textPipeline) tokenize(in RequestInput) (string, []int, error) {
	prompt, err := p.model.tmpl.render(in.Messages)
	if err != nil {
		return "", nil, err
	}
	toks, err := p.model.tok.Encode(prompt)
	if err != nil {
		if IsPreprocessError(err) {
			return "", nil, err
		}
		return "", nil, preprocessErrorf(KindTokenize, "%v", err)
	}
	if bos := p.model.BOS(); bos >= 0 && (len(toks) == 0 || toks[0] != bos) {
		toks = append([]int{bos}, toks...)
	}
	return prompt, toks, nil
}

func (p *textPipeline) checkContext(n int) error {
	if n == 0 {
		return preprocessErrorf(KindTokenize, "prompt is empty")
	}
	if n >= p.model.ContextWindow() {
		return preprocessErrorf(KindContextOverflow, "prompt has %d tokens, context window is %d", n, p.model.ContextWindow())
	}
	return nil
}

func (p *textPipeline) Preprocess(ctx context.Context, in RequestInput) (*PreparedInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.NumImages() > 0 {
		return nil, preprocessErrorf(KindModality, "model %s does not accept images", p.model.ID())
	}
	prompt, toks, err := p.tokenize(in)
	if err != nil {
		return nil, err
	}
	if err := p.checkContext(len(toks)); err != nil {
		return nil, err
	}
	return &PreparedInput{Tokens: toks, Adapters: in.Adapters, Prompt: prompt}, nil
}

// Step evaluates every sequence of the batch. Per-sequence faults are
// reported in StepOutput.Err as ExecutionError; the returned error is only
// set when ctx ended.
func (p *textPipeline) Step(ctx context.Context, batch []StepInput) ([]StepOutput, error) {
	started := time.Now()
	out := make([]StepOutput, len(batch))
	var g errgroup.Group
	g.SetLimit(p.fanout)
	for i := range batch {
		in := batch[i]
		out[i].SeqID = in.SeqID
		g.Go(func() error {
			logits, err := p.stepOne(ctx, in)
			if err != nil {
				out[i].Err = &ExecutionError{SeqID: in.SeqID, Err: err}
				return nil
			}
			out[i].Logits = logits
			return nil
		})
	}
	_ = g.Wait()
	p.log.Trace().Int("batch", len(batch)).Dur("took", time.Since(started)).Msg("step")
	return out, ctx.Err()
}

func (p *textPipeline) stepOne(ctx context.Context, in StepInput) (logits [][]float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.Tokens) == 0 {
		return nil, fmt.Errorf("empty step")
	}
	if err := p.cache.Truncate(in.Cache, in.Start); err != nil {
		return nil, err
	}
	if err := p.cache.Grow(in.Cache, in.Start+len(in.Tokens)); err != nil {
		return nil, err
	}
	blk, err := p.cache.Block(in.Cache)
	if err != nil {
		return nil, err
	}
	if blk.Len() != in.Start+len(in.Tokens) {
		return nil, fmt.Errorf("cache holds %d rows before position %d", blk.Len(), in.Start)
	}
	return p.model.forward(blk, in)
}

// visionPipeline adds image embedding to the text pipeline.
type visionPipeline struct {
	*textPipeline
}

func (p *visionPipeline) Capabilities() Capabilities {
	c := p.textPipeline.Capabilities()
	vc := p.model.vision.cfg
	c.Vision = true
	c.MultiResolution = vc.MultiResolution
	c.TileSize = vc.TileSize
	c.MaxTiles = vc.MaxTiles
	c.Channels = vc.Channels
	return c
}

// Preprocess replaces the n-th image placeholder with the n-th image's
// patch embeddings. Images without a placeholder are inserted right after
// BOS, in order.
func (p *visionPipeline) Preprocess(ctx context.Context, in RequestInput) (*PreparedInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var images [][][]float32
	for _, m := range in.Messages {
		for _, img := range m.Images {
			embs, err := p.model.vision.encode(img)
			if err != nil {
				return nil, err
			}
			images = append(images, embs)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	prompt, toks, err := p.tokenize(in)
	if err != nil {
		return nil, err
	}
	imageID := p.model.ImageToken()
	placeholders := 0
	for _, t := range toks {
		if t == imageID {
			placeholders++
		}
	}
	if placeholders > len(images) {
		return nil, preprocessErrorf(KindPlaceholders, "%d image placeholders for %d images", placeholders, len(images))
	}

	insertAt := 0
	if len(toks) > 0 && toks[0] == p.model.BOS() {
		insertAt = 1
	}
	out := make([]int, 0, len(toks))
	embeds := make(map[int][]float32)
	emit := func(embs [][]float32) {
		for _, e := range embs {
			embeds[len(out)] = e
			out = append(out, imageID)
		}
	}
	emitExtra := func() {
		for _, embs := range images[placeholders:] {
			emit(embs)
		}
	}
	next := 0
	for i, t := range toks {
		if i == insertAt {
			emitExtra()
		}
		if t == imageID {
			emit(images[next])
			next++
			continue
		}
		out = append(out, t)
	}
	if insertAt == len(toks) {
		emitExtra()
	}
	if err := p.checkContext(len(out)); err != nil {
		return nil, err
	}
	return &PreparedInput{
		Tokens:         out,
		Embeds:         embeds,
		ImagePositions: len(embeds),
		Adapters:       in.Adapters,
		Prompt:         prompt,
	}, nil
}
