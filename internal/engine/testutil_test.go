package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/pipeline"
	"inferd/internal/sampling"
)

var testVocab = []string{
	"<s>", "</s>", "<image>",
	"Hello", " world", " ", "He", "llo", "!", "yes", "no",
	"a", "b", "c", "d", "e",
}

func textConfig() pipeline.Config {
	return pipeline.Config{
		ID:            "tiny",
		Family:        "ref",
		Hidden:        8,
		Layers:        2,
		ContextWindow: 64,
		Vocab:         testVocab,
		EOS:           "</s>",
		Seed:          7,
	}
}

func visionConfig() pipeline.Config {
	c := textConfig()
	c.ID = "tiny-vision"
	c.Modality = "vision"
	c.ImageToken = "<image>"
	c.BOS = "<s>"
	c.ContextWindow = 256
	c.Vision = pipeline.VisionConfig{TileSize: 4, Patches: 2, MaxTiles: 4, Channels: 3, MultiResolution: true}
	return c
}

func newPipe(t *testing.T, cfg pipeline.Config, rows int) pipeline.Pipeline {
	t.Helper()
	m, err := pipeline.Load(cfg)
	if err != nil {
		t.Fatalf("load %s: %v", cfg.ID, err)
	}
	return pipeline.New(m, pipeline.Options{CacheRows: rows, Fanout: 2, Logger: zerolog.Nop()})
}

// recordingPipeline wraps a real pipeline and records every Step batch.
type recordingPipeline struct {
	pipeline.Pipeline

	mu      sync.Mutex
	batches [][]uint64

	inStep  atomic.Int32
	overlap atomic.Bool
	// stepDelay slows every step down.
	stepDelay time.Duration
	// stepGate, when set, blocks each Step until a value is received.
	stepGate chan struct{}
	// faultSeq makes every step report an execution fault for that sequence.
	faultSeq atomic.Uint64
	// faultBatch makes every step fail as a whole.
	faultBatch atomic.Bool
}

var errDeviceLost = errors.New("device lost")

func record(p pipeline.Pipeline) *recordingPipeline { return &recordingPipeline{Pipeline: p} }

func (r *recordingPipeline) Step(ctx context.Context, batch []pipeline.StepInput) ([]pipeline.StepOutput, error) {
	if r.inStep.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inStep.Add(-1)
	ids := make([]uint64, len(batch))
	for i, in := range batch {
		ids[i] = in.SeqID
	}
	r.mu.Lock()
	r.batches = append(r.batches, ids)
	r.mu.Unlock()
	if r.stepGate != nil {
		select {
		case <-r.stepGate:
		case <-ctx.Done():
		}
	}
	if r.stepDelay > 0 {
		time.Sleep(r.stepDelay)
	}
	if r.faultBatch.Load() {
		return nil, &pipeline.ExecutionError{Err: errDeviceLost}
	}
	out, err := r.Pipeline.Step(ctx, batch)
	if err != nil {
		return out, err
	}
	if id := r.faultSeq.Load(); id != 0 {
		for i, in := range batch {
			if in.SeqID == id {
				out[i] = pipeline.StepOutput{SeqID: id, Err: &pipeline.ExecutionError{SeqID: id, Err: errDeviceLost}}
			}
		}
	}
	return out, nil
}

func (r *recordingPipeline) Batches() [][]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]uint64(nil), r.batches...)
}

// stepsFor counts the Step inputs that named id.
func (r *recordingPipeline) stepsFor(id uint64) int {
	n := 0
	for _, b := range r.Batches() {
		for _, x := range b {
			if x == id {
				n++
			}
		}
	}
	return n
}

func testScheduler(t *testing.T, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	s, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

// start runs s until the test ends.
func start(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("scheduler did not stop")
		}
	})
	return cancel
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// drain collects every response of h up to and including the Final.
func drain(t *testing.T, h *Handle) (chunks []Response, final Response) {
	t.Helper()
	timeout := time.After(20 * time.Second)
	for {
		select {
		case r, ok := <-h.Responses():
			if !ok {
				t.Fatalf("response channel closed before final")
			}
			if r.IsFinal() {
				return chunks, r
			}
			chunks = append(chunks, r)
		case <-timeout:
			t.Fatalf("timed out waiting for seq %d", h.ID())
		}
	}
}

func mustSubmit(t *testing.T, s *Scheduler, req Request) *Handle {
	t.Helper()
	h, err := s.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return h
}

func prompt(text string) []pipeline.Message {
	return []pipeline.Message{{Role: "user", Content: text}}
}

func greedy(maxTokens int) sampling.Params {
	return sampling.Params{Temperature: 0, MaxTokens: maxTokens}
}

func tokenID(t *testing.T, p pipeline.Pipeline, text string) int {
	t.Helper()
	id, ok := p.Tokenizer().ID(text)
	if !ok {
		t.Fatalf("token %q not in vocab", text)
	}
	return id
}

func solidImage(h, w int, v float32) pipeline.Image {
	data := make([]float32, 3*h*w)
	for i := range data {
		data[i] = v
	}
	return pipeline.Image{Channels: 3, Height: h, Width: w, Data: data}
}
