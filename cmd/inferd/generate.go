package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"inferd/internal/engine"
	"inferd/internal/imageproc"
	"inferd/pkg/types"
)

type generateFlags struct {
	maxTokens   int
	temperature float64
	topP        float64
	topK        int
	seed        uint64
	stop        []string
	regex       string
	grammar     string
	images      []string
	adapters    []string
	stream      bool
	jsonOut     bool
}

func newGenerateCmd(o *options) *cobra.Command {
	var gf generateFlags
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run one prompt against the configured model and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := ""
			if len(args) == 1 {
				prompt = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runGenerate(ctx, o, gf, prompt, cmd)
		},
	}
	f := cmd.Flags()
	f.IntVar(&gf.maxTokens, "max-tokens", 64, "maximum tokens to generate")
	f.Float64Var(&gf.temperature, "temperature", 0, "sampling temperature; 0 is greedy")
	f.Float64Var(&gf.topP, "top-p", 0, "nucleus sampling mass")
	f.IntVar(&gf.topK, "top-k", 0, "top-k sampling")
	f.Uint64Var(&gf.seed, "seed", 0, "sampler seed")
	f.StringArrayVar(&gf.stop, "stop", nil, "stop string (repeatable)")
	f.StringVar(&gf.regex, "regex", "", "constrain output to a regular expression")
	f.StringVar(&gf.grammar, "grammar", "", "constrain output to a grammar file")
	f.StringArrayVar(&gf.images, "image", nil, "image file to attach (repeatable)")
	f.StringSliceVar(&gf.adapters, "adapter", nil, "adapters to activate")
	f.BoolVar(&gf.stream, "stream", true, "print text as it is generated")
	f.BoolVar(&gf.jsonOut, "json", false, "print the API response JSON instead of text")
	f.String("draft", "", "draft model id or manifest path; \"none\" disables speculative decoding")
	f.Int("gamma", 0, "draft tokens proposed per speculative round")
	return cmd
}

func runGenerate(ctx context.Context, o *options, gf generateFlags, prompt string, cmd *cobra.Command) error {
	if strings.TrimSpace(prompt) == "" && len(gf.images) == 0 {
		return fmt.Errorf("a prompt or --image is required")
	}
	sched, _, err := buildScheduler(o.cfg, o.log)
	if err != nil {
		return err
	}
	in := types.GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   gf.maxTokens,
		Temperature: &gf.temperature,
		TopP:        gf.topP,
		TopK:        gf.topK,
		Seed:        gf.seed,
		Stop:        gf.stop,
		Regex:       gf.regex,
		Adapters:    gf.adapters,
		Stream:      gf.stream && !gf.jsonOut,
	}
	if strings.TrimSpace(prompt) == "" {
		in.Messages = []types.ChatMessage{{Role: "user"}}
	}
	if gf.grammar != "" {
		b, err := os.ReadFile(gf.grammar)
		if err != nil {
			return err
		}
		in.Grammar = string(b)
	}
	req, err := sched.NewRequest(in)
	if err != nil {
		return err
	}
	if len(gf.images) > 0 {
		caps := sched.Pipeline().Capabilities()
		if !caps.Vision {
			return fmt.Errorf("model %s does not accept images", sched.Pipeline().Model().ID())
		}
		proc := imageproc.ForVision(caps, caps.Channels)
		last := &req.Messages[len(req.Messages)-1]
		for _, path := range gf.images {
			img, err := proc.FromFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			last.Images = append(last.Images, img)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	out := cmd.OutOrStdout()
	if gf.jsonOut {
		return sched.Infer(ctx, req, out, nil)
	}
	h, err := sched.Submit(req)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			sched.Cancel(h)
			ctx = context.Background()
			continue
		case r, ok := <-h.Responses():
			if !ok {
				return engine.ErrClosed
			}
			if !r.IsFinal() {
				fmt.Fprint(out, r.Delta)
				continue
			}
			if !req.Stream {
				fmt.Fprint(out, r.Content)
			}
			fmt.Fprintln(out)
			o.log.Debug().
				Str("finish", string(r.Finish)).
				Int("prompt_tokens", r.Usage.PromptTokens).
				Int("completion_tokens", r.Usage.CompletionTokens).
				Msg("generation finished")
			if r.Err != nil && !engine.IsCancelled(r.Err) {
				return r.Err
			}
			return nil
		}
	}
}
