package engine

import (
	"sync/atomic"

	"inferd/internal/constraint"
	"inferd/internal/pipeline"
	"inferd/internal/sampling"
)

// Phase is the lifecycle state of a sequence.
type Phase uint8

const (
	PhaseQueued Phase = iota
	PhasePrefill
	PhaseDecoding
	PhaseCompleted
	PhaseCancelled
	PhaseFailed
)

var phaseNames = [...]string{"queued", "prefill", "decoding", "completed", "cancelled", "failed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p >= PhaseCompleted }

// FinishReason explains why a sequence ended.
type FinishReason string

const (
	FinishLength    FinishReason = "length"
	FinishStop      FinishReason = "stop"
	FinishEOS       FinishReason = "eos"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// StopConditions end generation early. Matched stop strings are not part of
// the returned content; neither are stop tokens.
type StopConditions struct {
	TokenIDs []int
	Strings  []string
}

// Request is an immutable description of work. The scheduler never mutates
// it after Submit.
type Request struct {
	Messages   []pipeline.Message
	Sampling   sampling.Params
	Constraint constraint.Spec
	Stop       StopConditions
	Stream     bool
	Adapters   *pipeline.AdapterSet
	// Respond receives the responses. When nil the scheduler allocates a
	// channel and closes it after the Final response. A caller-owned
	// channel is never closed and must be drained up to the Final: the
	// request's forwarder goroutine blocks on it until then.
	Respond chan Response
	// Tag is an external identifier used by CancelTag.
	Tag         string
	Logprobs    bool
	TopLogprobs int
}

// Usage counts prompt and generated tokens as reported by the pipeline.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total is the sum of both counts.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// TokenLogprob is the logprob record of one generated token.
type TokenLogprob struct {
	Token   int
	Text    string
	Logprob float32
	Top     []sampling.TopLogprob
}

// ResponseKind distinguishes incremental chunks from the terminal response.
type ResponseKind uint8

const (
	ResponseChunk ResponseKind = iota
	ResponseFinal
)

// Response is delivered on the request's channel. Stream requests receive
// zero or more Chunks followed by exactly one Final; others receive only the
// Final.
type Response struct {
	Kind  ResponseKind
	SeqID uint64
	Tag   string

	// Chunk fields.
	Delta    string
	Tokens   []int
	Logprobs []TokenLogprob

	// Final fields.
	Phase   Phase
	Finish  FinishReason
	Content string
	Usage   Usage
	Err     error
}

// IsFinal reports whether r ends the response stream.
func (r Response) IsFinal() bool { return r.Kind == ResponseFinal }

// Result is the collected outcome returned by Generate.
type Result struct {
	SeqID    uint64
	Tag      string
	Content  string
	Tokens   []int
	Phase    Phase
	Finish   FinishReason
	Usage    Usage
	Logprobs []TokenLogprob
}

// Handle refers to a submitted request.
type Handle struct {
	id        uint64
	tag       string
	responses chan Response
	cancelled atomic.Bool
	s         *Scheduler
}

// ID is the scheduler-assigned sequence id.
func (h *Handle) ID() uint64 { return h.id }

// Tag is the caller-supplied external id.
func (h *Handle) Tag() string { return h.tag }

// Responses returns the response channel.
func (h *Handle) Responses() <-chan Response { return h.responses }

// Cancel requests early termination; see Scheduler.Cancel.
func (h *Handle) Cancel() { h.s.Cancel(h) }

// discard drains the remaining responses in the background up to the
// Final, for callers that stop reading early.
func (h *Handle) discard() {
	go func() {
		for r := range h.responses {
			if r.IsFinal() {
				return
			}
		}
	}()
}
