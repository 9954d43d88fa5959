package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/kirsle/configdir"

	"inferd/internal/common/fsutil"
)

const appName = "inferd"

// Defaults applied by WithDefaults.
const (
	DefaultAddr         = ":8080"
	DefaultGamma        = 4
	DefaultCachePolicy  = "hold"
	DefaultLogLevel     = "info"
	DefaultMaxBodyBytes = 8 << 20
)

// CORS configures the opt-in CORS middleware.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// Model is the manifest id to serve. Empty serves the only manifest.
	Model string `json:"model" yaml:"model" toml:"model"`
	// Draft overrides the manifest's draft model; "none" disables it.
	Draft string `json:"draft" yaml:"draft" toml:"draft"`
	Gamma int    `json:"gamma" yaml:"gamma" toml:"gamma"`

	MaxQueueDepth     int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxBatchSize      int    `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	PreprocessWorkers int    `json:"preprocess_workers" yaml:"preprocess_workers" toml:"preprocess_workers"`
	CachePolicy       string `json:"cache_policy" yaml:"cache_policy" toml:"cache_policy"`
	CacheRows         int    `json:"cache_rows" yaml:"cache_rows" toml:"cache_rows"`
	StepFanout        int    `json:"step_fanout" yaml:"step_fanout" toml:"step_fanout"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// LogFormat is "console", "json" or empty to pick by terminal.
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	MaxBodyBytes        int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSeconds int64 `json:"infer_timeout_seconds" yaml:"infer_timeout_seconds" toml:"infer_timeout_seconds"`
	CORS                CORS  `json:"cors" yaml:"cors" toml:"cors"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	if !fsutil.StructuredExt(path) {
		return cfg, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}
	if err := fsutil.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Dir is the per-user configuration directory.
func Dir() string { return configdir.LocalConfig(appName) }

// DefaultPath returns the first config file found in Dir, or "".
func DefaultPath() string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json", "config.toml"} {
		p := filepath.Join(Dir(), name)
		if fsutil.PathExists(p) {
			return p
		}
	}
	return ""
}

// Resolve loads path, or the default config file when path is empty. A
// missing default file yields a zero Config. The file used is returned.
func Resolve(path string) (Config, string, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return Config{}, "", nil
		}
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// LoadEnv loads .env files into the process environment. Missing files are
// skipped; with no arguments ./.env is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if !fsutil.PathExists(f) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays INFERD_* environment variables onto cfg.
func ApplyEnv(cfg Config) (Config, error) {
	str := map[string]*string{
		"INFERD_ADDR":         &cfg.Addr,
		"INFERD_MODELS_DIR":   &cfg.ModelsDir,
		"INFERD_MODEL":        &cfg.Model,
		"INFERD_DRAFT":        &cfg.Draft,
		"INFERD_CACHE_POLICY": &cfg.CachePolicy,
		"INFERD_LOG_LEVEL":    &cfg.LogLevel,
		"INFERD_LOG_FORMAT":   &cfg.LogFormat,
	}
	for k, p := range str {
		if v, ok := os.LookupEnv(k); ok {
			*p = v
		}
	}
	ints := map[string]*int{
		"INFERD_GAMMA":           &cfg.Gamma,
		"INFERD_MAX_QUEUE_DEPTH": &cfg.MaxQueueDepth,
		"INFERD_MAX_BATCH_SIZE":  &cfg.MaxBatchSize,
		"INFERD_CACHE_ROWS":      &cfg.CacheRows,
	}
	for k, p := range ints {
		v, ok := os.LookupEnv(k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", k, err)
		}
		*p = n
	}
	return cfg, nil
}

// WithDefaults fills unspecified fields.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = filepath.Join(Dir(), "models")
	}
	if c.Gamma <= 0 {
		c.Gamma = DefaultGamma
	}
	if c.CachePolicy == "" {
		c.CachePolicy = DefaultCachePolicy
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.CORS.Enabled && len(c.CORS.Methods) == 0 {
		c.CORS.Methods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	return c
}
