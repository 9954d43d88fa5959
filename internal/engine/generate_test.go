package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"inferd/internal/sampling"
	"inferd/pkg/types"
)

func TestGenerateCollectsResult(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Pipeline: newPipe(t, textConfig(), 512)})
	start(t, s)
	res, err := s.Generate(testCtx(t), Request{Messages: prompt("Hello"), Sampling: greedy(4), Stream: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Phase != PhaseCompleted || len(res.Tokens) != res.Usage.CompletionTokens {
		t.Fatalf("result %+v", res)
	}
}

func TestGenerateCancelsOnContext(t *testing.T) {
	rec := record(newPipe(t, textConfig(), 512))
	rec.stepDelay = time.Millisecond
	s := testScheduler(t, SchedulerConfig{Pipeline: rec})
	start(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Generate(ctx, Request{Messages: prompt("Hello"), Sampling: greedy(30)})
	if !IsCancelled(err) || res.Phase != PhaseCancelled {
		t.Fatalf("res %+v err %v", res, err)
	}
}

func TestInferNonStream(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Pipeline: newPipe(t, textConfig(), 512)})
	start(t, s)
	var buf bytes.Buffer
	if err := s.Infer(testCtx(t), Request{Messages: prompt("Hello"), Sampling: greedy(3)}, &buf, nil); err != nil {
		t.Fatalf("infer: %v", err)
	}
	var resp types.GenerateResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if resp.ID == "" || resp.Model != "tiny" || resp.Usage.PromptTokens != 1 || resp.Usage.TotalTokens != 1+len(resp.Tokens) {
		t.Fatalf("response %+v", resp)
	}
}

func TestInferStreamNDJSON(t *testing.T) {
	p := newPipe(t, textConfig(), 512)
	s := testScheduler(t, SchedulerConfig{Pipeline: p})
	start(t, s)
	var buf bytes.Buffer
	flushes := 0
	req := Request{
		Messages: prompt("Hello"),
		Sampling: sampling.Params{MaxTokens: 3, LogitBias: map[int]float32{tokenID(t, p, "b"): 50}},
		Stream:   true,
		Tag:      "abc",
	}
	if err := s.Infer(testCtx(t), req, &buf, func() { flushes++ }); err != nil {
		t.Fatalf("infer: %v", err)
	}
	var lines []types.StreamLine
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var l types.StreamLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	if len(lines) < 2 || flushes != len(lines) {
		t.Fatalf("%d lines, %d flushes", len(lines), flushes)
	}
	var text strings.Builder
	for _, l := range lines[:len(lines)-1] {
		if l.Done || l.ID != "abc" {
			t.Fatalf("chunk line %+v", l)
		}
		text.WriteString(l.Delta)
	}
	last := lines[len(lines)-1]
	if !last.Done || last.FinishReason != "length" || last.Usage == nil || last.Usage.CompletionTokens != 3 {
		t.Fatalf("last line %+v", last)
	}
	if text.String() != "bbb" {
		t.Fatalf("streamed %q", text.String())
	}
}

func TestInferReturnsEarlyErrorsUnwritten(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Pipeline: newPipe(t, textConfig(), 512)})
	start(t, s)
	var buf bytes.Buffer
	long := strings.Repeat("Hello ", 100)
	err := s.Infer(testCtx(t), Request{Messages: prompt(long), Stream: true}, &buf, nil)
	if !IsPreprocessError(err) || buf.Len() != 0 {
		t.Fatalf("err %v, wrote %q", err, buf.String())
	}
}

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: 128})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestNewRequest(t *testing.T) {
	text := testScheduler(t, SchedulerConfig{Pipeline: newPipe(t, textConfig(), 256)})
	req, err := text.NewRequest(types.GenerateRequest{Prompt: "Hello", MaxTokens: 5, Stop: []string{"x"}, TopLogprobs: 2})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Sampling.Temperature != 1 ||
		req.Sampling.MaxTokens != 5 || !req.Logprobs || req.Stop.Strings[0] != "x" {
		t.Fatalf("request %+v", req)
	}
	zero := 0.0
	req, _ = text.NewRequest(types.GenerateRequest{Prompt: "Hello", Temperature: &zero, Regex: "a+"})
	if !req.Sampling.Greedy() || req.Constraint.Kind != "regex" {
		t.Fatalf("request %+v", req)
	}

	bad := []types.GenerateRequest{
		{},
		{Prompt: "x", Model: "other"},
		{Prompt: "x", Regex: "a", Grammar: "root ::= \"a\""},
		{Prompt: "x", MaxTokens: -1},
	}
	for i, in := range bad {
		if _, err := text.NewRequest(in); !IsInvalidRequest(err) {
			t.Fatalf("case %d: %v", i, err)
		}
	}
	withImage := types.GenerateRequest{Messages: []types.ChatMessage{{Role: "user", Content: "<image>", Images: []string{pngBase64(t, 4, 4)}}}}
	if _, err := text.NewRequest(withImage); !IsUnsupportedModality(err) {
		t.Fatalf("image on text model: %v", err)
	}
	if _, err := text.NewRequest(types.GenerateRequest{Prompt: "x", Adapters: []string{"math"}}); !IsUnsupportedModality(err) {
		t.Fatalf("adapters on text model: %v", err)
	}

	vision := testScheduler(t, SchedulerConfig{Pipeline: newPipe(t, visionConfig(), 256)})
	req, err = vision.NewRequest(withImage)
	if err != nil {
		t.Fatalf("vision convert: %v", err)
	}
	img := req.Messages[0].Images[0]
	if img.Channels != 3 || img.Width != 4 || img.Height != 4 {
		t.Fatalf("image %dx%dx%d", img.Channels, img.Height, img.Width)
	}
	withImage.Messages[0].Images = []string{"!!"}
	if _, err := vision.NewRequest(withImage); !IsInvalidRequest(err) {
		t.Fatalf("bad image: %v", err)
	}
}
