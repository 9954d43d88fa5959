package engine

import (
	"context"
	"io"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"inferd/pkg/types"
)

// Generate submits req and collects every response. When ctx ends the
// request is cancelled and the Cancelled outcome is returned.
func (s *Scheduler) Generate(ctx context.Context, req Request) (Result, error) {
	req.Respond = nil
	h, err := s.Submit(req)
	if err != nil {
		return Result{}, err
	}
	res := Result{SeqID: h.ID(), Tag: h.Tag()}
	done := ctx.Done()
	for {
		select {
		case r, ok := <-h.Responses():
			if !ok {
				return res, ErrClosed
			}
			if !r.IsFinal() {
				res.Tokens = append(res.Tokens, r.Tokens...)
				res.Logprobs = append(res.Logprobs, r.Logprobs...)
				continue
			}
			if !req.Stream {
				res.Tokens, res.Logprobs = r.Tokens, r.Logprobs
			}
			res.Content, res.Phase, res.Finish, res.Usage = r.Content, r.Phase, r.Finish, r.Usage
			return res, r.Err
		case <-done:
			h.Cancel()
			done = nil
		}
	}
}

// Infer runs req and writes the outcome to w: NDJSON StreamLines when
// req.Stream is set, otherwise one GenerateResponse. Nothing is written
// before the first response, so a request that fails before producing
// output returns its error untouched for the caller to map.
func (s *Scheduler) Infer(ctx context.Context, req Request, w io.Writer, flusher func()) error {
	if req.Tag == "" {
		req.Tag = uuid.NewString()
	}
	req.Respond = nil
	h, err := s.Submit(req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	wrote := false
	done := ctx.Done()
	for {
		var r Response
		select {
		case resp, ok := <-h.Responses():
			if !ok {
				return ErrClosed
			}
			r = resp
		case <-done:
			h.Cancel()
			done = nil
			continue
		}
		if r.IsFinal() && r.Err != nil && (!wrote || !req.Stream) {
			return r.Err
		}
		if r.IsFinal() && ctx.Err() != nil {
			return ctx.Err()
		}
		var v any
		switch {
		case !req.Stream:
			v = s.apiResponse(r)
		case r.IsFinal():
			line := types.StreamLine{ID: r.Tag, Done: true, FinishReason: string(r.Finish), Usage: apiUsage(r.Usage)}
			if r.Err != nil {
				line.Error = r.Err.Error()
			}
			v = line
		default:
			v = types.StreamLine{ID: r.Tag, Delta: r.Delta, Tokens: r.Tokens, Logprobs: s.apiLogprobs(r.Logprobs)}
		}
		if err := enc.Encode(v); err != nil {
			h.Cancel()
			if !r.IsFinal() {
				h.discard()
			}
			return err
		}
		wrote = true
		if flusher != nil {
			flusher()
		}
		if r.IsFinal() {
			return nil
		}
	}
}

func (s *Scheduler) apiResponse(r Response) types.GenerateResponse {
	tokens := r.Tokens
	if tokens == nil {
		tokens = []int{}
	}
	return types.GenerateResponse{
		ID:           r.Tag,
		Model:        s.pipe.Model().ID(),
		Content:      r.Content,
		Tokens:       tokens,
		FinishReason: string(r.Finish),
		Usage:        *apiUsage(r.Usage),
		Logprobs:     s.apiLogprobs(r.Logprobs),
	}
}

func apiUsage(u Usage) *types.Usage {
	return &types.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.Total()}
}

func (s *Scheduler) apiLogprobs(lps []TokenLogprob) []types.TokenLogprob {
	if len(lps) == 0 {
		return nil
	}
	tok := s.pipe.Tokenizer()
	out := make([]types.TokenLogprob, len(lps))
	for i, lp := range lps {
		out[i] = types.TokenLogprob{Token: lp.Token, Text: lp.Text, Logprob: lp.Logprob}
		for _, t := range lp.Top {
			out[i].Top = append(out[i].Top, types.TopLogprob{Token: t.Token, Text: tok.TokenText(t.Token), Logprob: t.Logprob})
		}
	}
	return out
}
