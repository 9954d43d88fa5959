// Package pipeline hides model-family differences behind two operations:
// Preprocess (template, tokenize, embed images, attach adapters) and Step
// (one batched forward evaluation). The variant is chosen once at Load time
// and never changes for the lifetime of the process.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"inferd/internal/kvcache"
)

// Modality of the loaded model.
type Modality uint8

const (
	ModalityText Modality = iota
	ModalityVision
)

func (m Modality) String() string {
	if m == ModalityVision {
		return "vision"
	}
	return "text"
}

// Precision of the loaded weights.
type Precision uint8

const (
	PrecisionFull Precision = iota
	PrecisionQuantized
	PrecisionAdapter
)

func (p Precision) String() string {
	switch p {
	case PrecisionQuantized:
		return "quantized"
	case PrecisionAdapter:
		return "adapter"
	default:
		return "full"
	}
}

// Variant is the closed set {text, vision} x {full, quantized, adapter}.
type Variant struct {
	Modality  Modality
	Precision Precision
}

func (v Variant) String() string { return v.Modality.String() + "/" + v.Precision.String() }

// ParseVariant parses manifest strings; empty values select text/full.
func ParseVariant(modality, precision string) (Variant, error) {
	var v Variant
	switch strings.ToLower(strings.TrimSpace(modality)) {
	case "", "text":
		v.Modality = ModalityText
	case "vision":
		v.Modality = ModalityVision
	default:
		return v, fmt.Errorf("unknown modality %q", modality)
	}
	switch strings.ToLower(strings.TrimSpace(precision)) {
	case "", "full", "f32", "dense":
		v.Precision = PrecisionFull
	case "quantized", "q8_0", "q4":
		v.Precision = PrecisionQuantized
	case "adapter", "lora", "xlora":
		v.Precision = PrecisionAdapter
	default:
		return v, fmt.Errorf("unknown precision %q", precision)
	}
	return v, nil
}

// Capabilities is what Submit validates requests against.
type Capabilities struct {
	Vision          bool
	Adapters        bool
	MultiResolution bool
	TileSize        int
	MaxTiles        int
	// Channels is the image channel count the vision encoder expects.
	Channels      int
	ContextWindow int
}

// Message is one chat turn. Images are pre-decoded tensors.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

// RequestInput is what Preprocess consumes.
type RequestInput struct {
	Messages []Message
	Adapters *AdapterSet
}

// NumImages counts images across all messages.
func (in RequestInput) NumImages() int {
	n := 0
	for _, m := range in.Messages {
		n += len(m.Images)
	}
	return n
}

// PreparedInput is the result of Preprocess. Embeds maps absolute prompt
// positions to embedding vectors that replace the token embedding; image
// content therefore sits at fixed offsets for the whole generation.
type PreparedInput struct {
	Tokens         []int
	Embeds         map[int][]float32
	ImagePositions int
	Adapters       *AdapterSet
	Prompt         string
}

// NumPromptTokens is the prompt length reported in usage.
func (p *PreparedInput) NumPromptTokens() int { return len(p.Tokens) }

// StepInput describes one sequence in a batched forward pass. Tokens occupy
// positions Start..Start+len(Tokens)-1; any cached rows at or beyond Start
// are discarded first.
type StepInput struct {
	SeqID     uint64
	Cache     kvcache.Handle
	Start     int
	Tokens    []int
	Embeds    map[int][]float32
	Adapters  *AdapterSet
	NumLogits int
}

// StepOutput carries logits for the last NumLogits positions, in order.
type StepOutput struct {
	SeqID  uint64
	Logits [][]float32
	Err    error
}

// Pipeline is implemented by the text and vision pipelines.
type Pipeline interface {
	Variant() Variant
	Capabilities() Capabilities
	Model() *ModelHandle
	Tokenizer() Tokenizer
	Cache() *kvcache.Manager
	Preprocess(ctx context.Context, in RequestInput) (*PreparedInput, error)
	Step(ctx context.Context, batch []StepInput) ([]StepOutput, error)
}
