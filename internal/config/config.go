package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/lilith/internal/inference"
)

// ConfigurationError names the offending option.
type ConfigurationError = inference.ConfigurationError

// Config contains all runtime settings for the conversation service. File
// values use the yaml keys; environment variables override them.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	BackendMode            string        `yaml:"backend_mode"`
	BackendURL             string        `yaml:"backend_url"`
	BackendFallbackURL     string        `yaml:"backend_fallback_url"`
	BackendTimeout         time.Duration `yaml:"backend_timeout"`
	BackendFragmentTimeout time.Duration `yaml:"backend_fragment_timeout"`

	Generation inference.Params `yaml:"generation"`
	UseContext bool             `yaml:"use_context"`

	// PersonaTemplate is inline text or a path to a file holding it. Load
	// resolves it into Persona.
	PersonaTemplate string `yaml:"persona_template"`
	Persona         string `yaml:"-"`
	IncludeSummary  bool   `yaml:"include_summary"`

	TranscriptWindowTurns int           `yaml:"transcript_window_turns"`
	TranscriptWindowAge   time.Duration `yaml:"transcript_window_age"`
	TranscriptLoadTurns   int           `yaml:"transcript_load_turns"`

	StreamBuffer int `yaml:"stream_buffer"`

	CompactionEvery       int           `yaml:"compaction_every"`
	CompactionWindowAge   time.Duration `yaml:"compaction_window_age"`
	CompactionWindowTurns int           `yaml:"compaction_window_turns"`
	CompactionTimeout     time.Duration `yaml:"compaction_timeout"`
	CompactionEpisodes    bool          `yaml:"compaction_episodes"`
	CompactionSweepCron   string        `yaml:"compaction_sweep_cron"`

	ConversationIdleTimeout time.Duration `yaml:"conversation_idle_timeout"`

	DatabaseURL string `yaml:"database_url"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		BindAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		MetricsNamespace:        "lilith",
		LogLevel:                "info",
		LogFormat:               "json",
		BackendMode:             "auto",
		BackendTimeout:          120 * time.Second,
		BackendFragmentTimeout:  10 * time.Second,
		Generation:              inference.DefaultParams(),
		UseContext:              true,
		IncludeSummary:          true,
		TranscriptWindowTurns:   20,
		TranscriptLoadTurns:     20,
		StreamBuffer:            16,
		CompactionEvery:         5,
		CompactionWindowAge:     time.Hour,
		CompactionTimeout:       120 * time.Second,
		ConversationIdleTimeout: 30 * time.Minute,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $LILITH_CONFIG when path is empty), then environment variables. The
// result is validated once; every failure is a *ConfigurationError.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("LILITH_CONFIG"))
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	persona, err := resolvePersona(cfg.PersonaTemplate)
	if err != nil {
		return Config{}, err
	}
	cfg.Persona = persona

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &ConfigurationError{Field: "LILITH_CONFIG", Reason: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &ConfigurationError{Field: "LILITH_CONFIG", Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))
	cfg.BackendMode = strings.ToLower(envOrDefault("BACKEND_MODE", cfg.BackendMode))
	cfg.BackendURL = envOrDefault("BACKEND_URL", cfg.BackendURL)
	cfg.BackendFallbackURL = envOrDefault("BACKEND_FALLBACK_URL", cfg.BackendFallbackURL)
	cfg.PersonaTemplate = envOrDefault("PERSONA_TEMPLATE", cfg.PersonaTemplate)
	cfg.CompactionSweepCron = envOrDefault("COMPACTION_SWEEP_CRON", cfg.CompactionSweepCron)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	if stop := stringsTrimSpace("GEN_STOP"); stop != "" {
		cfg.Generation.Stop = splitList(stop)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"BACKEND_TIMEOUT", &cfg.BackendTimeout},
		{"BACKEND_FRAGMENT_TIMEOUT", &cfg.BackendFragmentTimeout},
		{"TRANSCRIPT_WINDOW_AGE", &cfg.TranscriptWindowAge},
		{"COMPACTION_WINDOW_AGE", &cfg.CompactionWindowAge},
		{"COMPACTION_TIMEOUT", &cfg.CompactionTimeout},
		{"CONVERSATION_IDLE_TIMEOUT", &cfg.ConversationIdleTimeout},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"GEN_MAX_NEW_TOKENS", &cfg.Generation.MaxNewTokens},
		{"TRANSCRIPT_WINDOW_TURNS", &cfg.TranscriptWindowTurns},
		{"TRANSCRIPT_LOAD_TURNS", &cfg.TranscriptLoadTurns},
		{"STREAM_BUFFER", &cfg.StreamBuffer},
		{"COMPACTION_EVERY", &cfg.CompactionEvery},
		{"COMPACTION_WINDOW_TURNS", &cfg.CompactionWindowTurns},
	}
	for _, i := range ints {
		v, err := intFromEnv(i.key, *i.dst)
		if err != nil {
			return err
		}
		*i.dst = v
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"GEN_TEMPERATURE", &cfg.Generation.Temperature},
		{"GEN_TOP_P", &cfg.Generation.TopP},
		{"GEN_REPETITION_PENALTY", &cfg.Generation.RepetitionPenalty},
	}
	for _, f := range floats {
		v, err := floatFromEnv(f.key, *f.dst)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"GEN_USE_CONTEXT", &cfg.UseContext},
		{"PROMPT_INCLUDE_SUMMARY", &cfg.IncludeSummary},
		{"COMPACTION_EPISODES", &cfg.CompactionEpisodes},
	}
	for _, b := range bools {
		v, err := boolFromEnv(b.key, *b.dst)
		if err != nil {
			return err
		}
		*b.dst = v
	}
	return nil
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.BindAddr) == "":
		return &ConfigurationError{Field: "APP_BIND_ADDR", Reason: "must not be empty"}
	case c.ShutdownTimeout <= 0:
		return &ConfigurationError{Field: "APP_SHUTDOWN_TIMEOUT", Reason: "must be positive"}
	case strings.TrimSpace(c.MetricsNamespace) == "":
		return &ConfigurationError{Field: "APP_METRICS_NAMESPACE", Reason: "must not be empty"}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigurationError{Field: "LOG_LEVEL", Reason: fmt.Sprintf("unsupported level %q", c.LogLevel)}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return &ConfigurationError{Field: "LOG_FORMAT", Reason: fmt.Sprintf("unsupported format %q", c.LogFormat)}
	}

	switch c.BackendMode {
	case "auto", "mock":
	case "http":
		if strings.TrimSpace(c.BackendURL) == "" {
			return &ConfigurationError{Field: "BACKEND_URL", Reason: "required for http mode"}
		}
	case "fallback":
		if strings.TrimSpace(c.BackendURL) == "" {
			return &ConfigurationError{Field: "BACKEND_URL", Reason: "required for fallback mode"}
		}
		if strings.TrimSpace(c.BackendFallbackURL) == "" {
			return &ConfigurationError{Field: "BACKEND_FALLBACK_URL", Reason: "required for fallback mode"}
		}
	default:
		return &ConfigurationError{Field: "BACKEND_MODE", Reason: fmt.Sprintf("unsupported backend mode %q", c.BackendMode)}
	}

	switch {
	case c.BackendTimeout <= 0:
		return &ConfigurationError{Field: "BACKEND_TIMEOUT", Reason: "must be positive"}
	case c.BackendFragmentTimeout <= 0:
		return &ConfigurationError{Field: "BACKEND_FRAGMENT_TIMEOUT", Reason: "must be positive"}
	case c.TranscriptWindowTurns < 0:
		return &ConfigurationError{Field: "TRANSCRIPT_WINDOW_TURNS", Reason: "must not be negative"}
	case c.TranscriptWindowAge < 0:
		return &ConfigurationError{Field: "TRANSCRIPT_WINDOW_AGE", Reason: "must not be negative"}
	case c.TranscriptLoadTurns < 0:
		return &ConfigurationError{Field: "TRANSCRIPT_LOAD_TURNS", Reason: "must not be negative"}
	case c.StreamBuffer < 1:
		return &ConfigurationError{Field: "STREAM_BUFFER", Reason: "must be at least 1"}
	case c.CompactionEvery < 1:
		return &ConfigurationError{Field: "COMPACTION_EVERY", Reason: "must be at least 1"}
	case c.CompactionWindowAge < 0:
		return &ConfigurationError{Field: "COMPACTION_WINDOW_AGE", Reason: "must not be negative"}
	case c.CompactionWindowTurns < 0:
		return &ConfigurationError{Field: "COMPACTION_WINDOW_TURNS", Reason: "must not be negative"}
	case c.CompactionTimeout <= 0:
		return &ConfigurationError{Field: "COMPACTION_TIMEOUT", Reason: "must be positive"}
	case c.ConversationIdleTimeout <= 0:
		return &ConfigurationError{Field: "CONVERSATION_IDLE_TIMEOUT", Reason: "must be positive"}
	}

	if err := c.Generation.Validate(); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return &ConfigurationError{Field: "GEN_" + strings.ToUpper(cfgErr.Field), Reason: cfgErr.Reason}
		}
		return err
	}
	return nil
}

// resolvePersona treats v as a file path when such a file exists and as the
// template text otherwise.
func resolvePersona(v string) (string, error) {
	if strings.TrimSpace(v) == "" {
		return "", nil
	}
	if strings.ContainsAny(v, "\n") {
		return v, nil
	}
	info, err := os.Stat(v)
	if err != nil || info.IsDir() {
		return v, nil
	}
	raw, err := os.ReadFile(v)
	if err != nil {
		return "", &ConfigurationError{Field: "PERSONA_TEMPLATE", Reason: err.Error()}
	}
	return strings.TrimRight(string(raw), "\n"), nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Reason: fmt.Sprintf("invalid duration %q", v)}
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Reason: fmt.Sprintf("invalid integer %q", v)}
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Reason: fmt.Sprintf("invalid number %q", v)}
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &ConfigurationError{Field: key, Reason: fmt.Sprintf("invalid boolean %q", v)}
	}
	return b, nil
}
