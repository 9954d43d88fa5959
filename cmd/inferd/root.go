package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
)

var version = "dev"

// options is the state shared by every subcommand.
type options struct {
	configPath string
	envFiles   []string
	cfg        config.Config
	log        zerolog.Logger
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "inferd",
		Short: "Continuous-batching inference server",
		Long: `inferd serves one model described by a manifest file. Requests are
admitted into a shared batch, decoded token by token and streamed back as
NDJSON.

Configuration is read from --config, or from config.{yaml,json,toml} in the
user config directory, then INFERD_* environment variables, then flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "config file (default: "+config.Dir()+"/config.yaml)")
	pf.StringSliceVar(&o.envFiles, "env-file", nil, "dotenv files to load (default: ./.env when present)")
	pf.String("models-dir", "", "directory of model manifests")
	pf.String("model", "", "manifest id to serve")
	pf.String("log-level", "", "log level: debug|info|warn|error")
	pf.String("log-format", "", "log format: console|json (default: console on a terminal)")

	root.AddCommand(newServeCmd(o), newGenerateCmd(o), newModelsCmd(o), newVersionCmd())
	return root
}

// load resolves the configuration: file, then environment, then flags.
func (o *options) load(cmd *cobra.Command) error {
	if err := config.LoadEnv(o.envFiles...); err != nil {
		return err
	}
	cfg, path, err := config.Resolve(o.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg, err = config.ApplyEnv(cfg); err != nil {
		return err
	}
	flags := cmd.Flags()
	str := map[string]*string{
		"models-dir":   &cfg.ModelsDir,
		"model":        &cfg.Model,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"addr":         &cfg.Addr,
		"draft":        &cfg.Draft,
		"cache-policy": &cfg.CachePolicy,
	}
	for name, p := range str {
		if flags.Changed(name) {
			*p, _ = flags.GetString(name)
		}
	}
	ints := map[string]*int{
		"gamma":              &cfg.Gamma,
		"max-queue-depth":    &cfg.MaxQueueDepth,
		"max-batch-size":     &cfg.MaxBatchSize,
		"preprocess-workers": &cfg.PreprocessWorkers,
		"cache-rows":         &cfg.CacheRows,
	}
	for name, p := range ints {
		if flags.Changed(name) {
			*p, _ = flags.GetInt(name)
		}
	}
	o.cfg = cfg.WithDefaults()
	o.log, err = newLogger(o.cfg.LogLevel, o.cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	if path != "" {
		o.log.Debug().Str("path", path).Msg("config loaded")
	}
	return nil
}

func newLogger(level, format string, w *os.File) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	var out io.Writer = w
	switch format {
	case "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "":
		if isatty.IsTerminal(w.Fd()) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "inferd", version)
		},
	}
}
