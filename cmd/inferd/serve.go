package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inferd/internal/engine"
	"inferd/internal/httpapi"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			corsOrigins, _ := cmd.Flags().GetString("cors-origins")
			if corsOrigins != "" {
				o.cfg.CORS.Enabled = true
				o.cfg.CORS.Origins = splitCSV(corsOrigins)
				o.cfg = o.cfg.WithDefaults()
			}
			return serve(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address, e.g. :8080")
	f.String("draft", "", "draft model id or manifest path; \"none\" disables speculative decoding")
	f.Int("gamma", 0, "draft tokens proposed per speculative round")
	f.Int("max-queue-depth", 0, "requests accepted but not yet admitted")
	f.Int("max-batch-size", 0, "sequences admitted per tick")
	f.Int("preprocess-workers", 0, "concurrent preprocess workers")
	f.String("cache-policy", "", "what to do when the cache pool is full: hold|reject")
	f.Int("cache-rows", 0, "KV cache pool size in positions")
	f.String("cors-origins", "", "comma separated allowed origins; enables CORS")
	return cmd
}

func serve(parent context.Context, o *options) error {
	cfg, log := o.cfg, o.log
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, models, err := buildScheduler(cfg, log)
	if err != nil {
		return err
	}
	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	if _, ok := os.LookupEnv("INFERD_HTTP_LOG"); !ok {
		httpapi.SetDefaultLogLevel(httpLogLevel(cfg.LogLevel))
	}
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(cfg.InferTimeoutSeconds)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(engine.NewService(sched, models)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// httpLogLevel maps the process log level onto per-request HTTP logging.
func httpLogLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return "info"
	case "info":
		return "error"
	default:
		return "off"
	}
}

// splitCSV splits a comma separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
