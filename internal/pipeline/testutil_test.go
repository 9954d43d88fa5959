package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var testVocab = []string{
	"<s>", "</s>", "<image>",
	"Hello", " world", " ", "He", "llo", "!", "yes", "no",
	"a", "b", "c", "d", "e",
}

func textConfig() Config {
	return Config{
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

func visionConfig() Config {
	c := textConfig()
	c.ID = "tiny-vision"
	c.Modality = "vision"
	c.ImageToken = "<image>"
	c.BOS = "<s>"
	c.ContextWindow = 256
	c.Vision = VisionConfig{TileSize: 4, Patches: 2, MaxTiles: 4, Channels: 3, MultiResolution: true}
	return c
}

func mustLoad(t *testing.T, cfg Config) *ModelHandle {
	t.Helper()
	m, err := Load(cfg)
	if err != nil {
		t.Fatalf("load %s: %v", cfg.ID, err)
	}
	return m
}

func newTestPipeline(t *testing.T, cfg Config) Pipeline {
	t.Helper()
	return New(mustLoad(t, cfg), Options{CacheRows: 1024, Fanout: 2, Logger: zerolog.Nop()})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func solidImage(h, w int, v float32) Image {
	data := make([]float32, 3*h*w)
	for i := range data {
		data[i] = v
	}
	return Image{Channels: 3, Height: h, Width: w, Data: data}
}
