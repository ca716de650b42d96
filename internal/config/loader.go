package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] when the corresponding field is unset.
const (
	DefaultMaxCacheMB            = 10
	DefaultCorrectionContextSize = 5
	DefaultTargetLanguage        = "en"
	DefaultFinalizeTimeoutS      = 5
	DefaultListenAddr            = ":8080"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"soniox", "deepgram", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Broker.MaxCacheMB == 0 {
		cfg.Broker.MaxCacheMB = DefaultMaxCacheMB
	}
	if cfg.Broker.CorrectionContextSize == 0 {
		cfg.Broker.CorrectionContextSize = DefaultCorrectionContextSize
	}
	if cfg.Broker.CorrectionEnabledSourceLanguages == nil {
		cfg.Broker.CorrectionEnabledSourceLanguages = []string{"zh"}
	}
	if cfg.Broker.DefaultTargetLanguage == "" {
		cfg.Broker.DefaultTargetLanguage = DefaultTargetLanguage
	}
	if cfg.Broker.ReconnectBackoffSchedule == nil {
		cfg.Broker.ReconnectBackoffSchedule = []int{0, 3, 5}
	}
	if cfg.Broker.STTFinalizeTimeoutS == 0 {
		cfg.Broker.STTFinalizeTimeoutS = DefaultFinalizeTimeoutS
	}
	if cfg.Broker.OutputRoot == "" {
		cfg.Broker.OutputRoot = "."
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, fmt.Errorf("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.Correction.Name)
	validateProviderName("llm", cfg.Providers.Translation.Name)
	validateProviderName("llm", cfg.Providers.Summary.Name)

	if cfg.Providers.Correction.Name == "" && len(cfg.Broker.CorrectionEnabledSourceLanguages) > 0 {
		slog.Warn("no correction provider configured; transcript corrections are disabled")
	}

	// Broker
	if cfg.Broker.MaxCacheMB < 0 {
		errs = append(errs, fmt.Errorf("broker.max_cache_mb %d must not be negative", cfg.Broker.MaxCacheMB))
	}
	if cfg.Broker.CorrectionContextSize < 0 {
		errs = append(errs, fmt.Errorf("broker.correction_context_size %d must not be negative", cfg.Broker.CorrectionContextSize))
	}
	if cfg.Broker.STTFinalizeTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("broker.stt_finalize_timeout_s %d must not be negative", cfg.Broker.STTFinalizeTimeoutS))
	}
	if cfg.Broker.STTPingIntervalS < 0 || cfg.Broker.STTPingTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("broker keep-alive parameters must not be negative"))
	}
	for i, s := range cfg.Broker.ReconnectBackoffSchedule {
		if s < 0 {
			errs = append(errs, fmt.Errorf("broker.reconnect_backoff_schedule[%d] %d must not be negative", i, s))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
