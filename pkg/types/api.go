package types

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	// Role of the author (system, user, assistant).
	// example: user
	Role string `json:"role" example:"user"`
	// Text content.
	// example: Describe the picture.
	Content string `json:"content" example:"Describe the picture."`
	// Base64 encoded images (png, jpeg, gif, bmp) attached to this turn.
	Images []string `json:"images,omitempty"`
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	// Optional client-chosen request id used for cancellation. A uuid is
	// assigned when empty.
	// example: 3f2b8c1e-6a0d-4c5e-9f7a-1b2c3d4e5f60
	ID string `json:"id,omitempty" example:"3f2b8c1e-6a0d-4c5e-9f7a-1b2c3d4e5f60"`
	// Optional model identifier; must match the served model when set.
	// example: tiny-text
	Model string `json:"model,omitempty" example:"tiny-text"`
	// Prompt text. Shorthand for a single user message.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt,omitempty" example:"Write a haiku about the ocean."`
	// Conversation messages. Takes precedence over Prompt.
	Messages []ChatMessage `json:"messages,omitempty"`
	// If true, stream results as NDJSON lines.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature; 0 selects greedy decoding.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// example: 0.5
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty" example:"0.5"`
	// example: 0.5
	PresencePenalty float64 `json:"presence_penalty,omitempty" example:"0.5"`
	// Multiplicative repetition penalty.
	// example: 1.1
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty" example:"1.1"`
	// Number of recent tokens the penalties look at.
	// example: 64
	PenaltyWindow int `json:"penalty_window,omitempty" example:"64"`
	// Additive bias per token id.
	LogitBias map[int]float32 `json:"logit_bias,omitempty"`
	// Random seed for reproducibility.
	// example: 42
	Seed uint64 `json:"seed,omitempty" example:"42"`
	// Stop sequences. Generation stops when any sequence is matched; the match
	// is not part of the output.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Token ids that end generation.
	StopTokenIDs []int `json:"stop_token_ids,omitempty"`
	// Regular expression the output must match in full.
	// example: [0-9]{3}
	Regex string `json:"regex,omitempty" example:"[0-9]{3}"`
	// Grammar (name ::= alternatives) the output must match; root rule first.
	Grammar string `json:"grammar,omitempty"`
	// Adapter names to attach (adapter models only).
	Adapters []string `json:"adapters,omitempty"`
	// Report the logprob of every generated token.
	Logprobs bool `json:"logprobs,omitempty"`
	// Number of alternatives reported per token when Logprobs is set.
	// example: 3
	TopLogprobs int `json:"top_logprobs,omitempty" example:"3"`
}

// TopLogprob is one alternative of a generated token.
type TopLogprob struct {
	Token   int     `json:"token"`
	Text    string  `json:"text"`
	Logprob float32 `json:"logprob"`
}

// TokenLogprob is the logprob record of one generated token.
type TokenLogprob struct {
	Token   int          `json:"token"`
	Text    string       `json:"text"`
	Logprob float32      `json:"logprob"`
	Top     []TopLogprob `json:"top,omitempty"`
}

// Usage reports token counts.
type Usage struct {
	// example: 12
	PromptTokens int `json:"prompt_tokens" example:"12"`
	// example: 64
	CompletionTokens int `json:"completion_tokens" example:"64"`
	// example: 76
	TotalTokens int `json:"total_tokens" example:"76"`
}

// StreamLine is one NDJSON line of a streamed generation. Intermediate
// lines carry a delta; the last line has Done set.
type StreamLine struct {
	ID       string         `json:"id"`
	Delta    string         `json:"delta,omitempty"`
	Tokens   []int          `json:"tokens,omitempty"`
	Logprobs []TokenLogprob `json:"logprobs,omitempty"`
	Done     bool           `json:"done"`
	// Set on the last line.
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Error        string `json:"error,omitempty"`
}

// GenerateResponse is returned by POST /v1/generate when stream is false.
type GenerateResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	// example: The tide returns home.
	Content string `json:"content" example:"The tide returns home."`
	Tokens  []int  `json:"tokens"`
	// One of length, stop, eos.
	// example: eos
	FinishReason string         `json:"finish_reason" example:"eos"`
	Usage        Usage          `json:"usage"`
	Logprobs     []TokenLogprob `json:"logprobs,omitempty"`
}

// CancelResponse is returned by DELETE /v1/requests/{id}.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Machine-readable error kind when available.
	// example: context_overflow
	Kind string `json:"kind,omitempty" example:"context_overflow"`
}

// CacheStatus summarizes the KV cache pool in rows.
type CacheStatus struct {
	// example: 8192
	PoolRows int `json:"pool_rows" example:"8192"`
	// example: 1024
	ReservedRows int `json:"reserved_rows" example:"1024"`
	// example: 300
	UsedRows int `json:"used_rows" example:"300"`
	// example: 4
	Blocks int `json:"blocks" example:"4"`
	// Bytes reserved, humanized.
	// example: 4.2 MB
	Reserved string `json:"reserved" example:"4.2 MB"`
}

// SpeculativeStatus reports the draft-and-verify controller.
type SpeculativeStatus struct {
	Enabled bool `json:"enabled"`
	// example: tiny-draft
	Draft string `json:"draft,omitempty" example:"tiny-draft"`
	// example: 4
	Gamma    int    `json:"gamma,omitempty" example:"4"`
	Proposed uint64 `json:"proposed"`
	Accepted uint64 `json:"accepted"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// ID of the served model.
	// example: tiny-text
	ModelID string `json:"model_id" example:"tiny-text"`
	// example: text/full
	Variant string `json:"variant" example:"text/full"`
	// Overall state (starting, ready, stopped).
	// example: ready
	State string `json:"state" example:"ready"`
	// Admitted requests not yet holding cache.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 64
	MaxQueueDepth int `json:"max_queue_depth" example:"64"`
	// Sequences holding a cache block.
	// example: 1
	Live int `json:"live" example:"1"`
	// example: 16
	MaxBatchSize int `json:"max_batch_size" example:"16"`
	// example: hold
	CachePolicy string            `json:"cache_policy" example:"hold"`
	Cache       CacheStatus       `json:"cache"`
	Speculative SpeculativeStatus `json:"speculative"`
	Completed   uint64            `json:"completed_total"`
	Cancelled   uint64            `json:"cancelled_total"`
	Failed      uint64            `json:"failed_total"`
	// example: 1024
	TokensGenerated uint64 `json:"tokens_generated_total" example:"1024"`
	Ticks           uint64 `json:"ticks_total"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
