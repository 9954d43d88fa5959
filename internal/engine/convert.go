package engine

import (
	"fmt"
	"strings"

	"inferd/internal/constraint"
	"inferd/internal/imageproc"
	"inferd/internal/pipeline"
	"inferd/internal/sampling"
	"inferd/pkg/types"
)

// NewRequest converts an API request into a Request: images are decoded,
// adapters resolved against the served model and sampling defaults applied.
func (s *Scheduler) NewRequest(in types.GenerateRequest) (Request, error) {
	model := s.pipe.Model()
	caps := s.pipe.Capabilities()
	if in.Model != "" && in.Model != model.ID() {
		return Request{}, invalidRequestError{msg: fmt.Sprintf("model %q is not served (serving %q)", in.Model, model.ID())}
	}
	if in.Regex != "" && in.Grammar != "" {
		return Request{}, invalidRequestError{msg: "regex and grammar are mutually exclusive"}
	}
	if in.TopLogprobs < 0 || in.MaxTokens < 0 {
		return Request{}, invalidRequestError{msg: "max_tokens and top_logprobs must not be negative"}
	}

	msgs := in.Messages
	if len(msgs) == 0 {
		if strings.TrimSpace(in.Prompt) == "" {
			return Request{}, invalidRequestError{msg: "prompt or messages required"}
		}
		msgs = []types.ChatMessage{{Role: "user", Content: in.Prompt}}
	}
	var images *imageproc.Processor
	out := make([]pipeline.Message, len(msgs))
	for i, m := range msgs {
		out[i] = pipeline.Message{Role: m.Role, Content: m.Content}
		if len(m.Images) == 0 {
			continue
		}
		if !caps.Vision {
			return Request{}, unsupportedModalityError{what: "images", variant: s.pipe.Variant().String()}
		}
		if images == nil {
			images = imageproc.ForVision(caps, caps.Channels)
		}
		for j, enc := range m.Images {
			img, err := images.FromBase64(enc)
			if err != nil {
				return Request{}, invalidRequestError{msg: fmt.Sprintf("messages[%d].images[%d]: %v", i, j, err)}
			}
			out[i].Images = append(out[i].Images, img)
		}
	}

	var adapters *pipeline.AdapterSet
	if len(in.Adapters) > 0 {
		if !caps.Adapters {
			return Request{}, unsupportedModalityError{what: "adapters", variant: s.pipe.Variant().String()}
		}
		set, err := model.ResolveAdapters(in.Adapters)
		if err != nil {
			return Request{}, err
		}
		adapters = set
	}

	params := sampling.Params{
		Temperature:       1,
		TopK:              in.TopK,
		TopP:              in.TopP,
		FrequencyPenalty:  in.FrequencyPenalty,
		PresencePenalty:   in.PresencePenalty,
		RepetitionPenalty: in.RepetitionPenalty,
		PenaltyWindow:     in.PenaltyWindow,
		MaxTokens:         in.MaxTokens,
		Seed:              in.Seed,
		LogitBias:         in.LogitBias,
	}
	if in.Temperature != nil {
		params.Temperature = *in.Temperature
	}
	spec := constraint.Spec{}
	switch {
	case in.Regex != "":
		spec = constraint.Spec{Kind: constraint.KindRegex, Source: in.Regex}
	case in.Grammar != "":
		spec = constraint.Spec{Kind: constraint.KindGrammar, Source: in.Grammar}
	}
	return Request{
		Messages:    out,
		Sampling:    params,
		Constraint:  spec,
		Stop:        StopConditions{TokenIDs: in.StopTokenIDs, Strings: in.Stop},
		Stream:      in.Stream,
		Adapters:    adapters,
		Tag:         in.ID,
		Logprobs:    in.Logprobs || in.TopLogprobs > 0,
		TopLogprobs: in.TopLogprobs,
	}, nil
}
