// Package config provides the configuration schema, loader, and provider
// registry for the transcription broker.
package config

import "time"

// LogLevel controls log verbosity for the broker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the broker.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Broker    BrokerConfig    `yaml:"broker"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation serves each model
// slot. Each field selects a named provider registered in the [Registry].
// Translation and Summary fall back to the Correction entry when empty.
type ProvidersConfig struct {
	STT         ProviderEntry `yaml:"stt"`
	Correction  ProviderEntry `yaml:"correction"`
	Translation ProviderEntry `yaml:"translation"`
	Summary     ProviderEntry `yaml:"summary"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "soniox",
	// "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// BrokerConfig holds the session pipeline tunables.
type BrokerConfig struct {
	// MaxCacheMB is the per-session transcript cache byte budget in MiB.
	MaxCacheMB int `yaml:"max_cache_mb"`

	// CorrectionContextSize is the trailing history window the correction
	// engine holds before correcting the oldest in-window utterance.
	CorrectionContextSize int `yaml:"correction_context_size"`

	// CorrectionEnabledSourceLanguages lists the source-language codes whose
	// finals are eligible for correction. Empty disables corrections.
	CorrectionEnabledSourceLanguages []string `yaml:"correction_enabled_source_languages"`

	// DefaultTargetLanguage is used when the STT provider omits one.
	DefaultTargetLanguage string `yaml:"default_target_language"`

	// SourceLanguageHints lists language codes passed to the STT provider as
	// recognition hints. Empty leaves language detection to the provider.
	SourceLanguageHints []string `yaml:"source_language_hints"`

	// EnableSpeakerDiarization asks the STT provider to label speakers in its
	// results, for providers that support it.
	EnableSpeakerDiarization bool `yaml:"enable_speaker_diarization"`

	// STTPingIntervalS and STTPingTimeoutS tune the upstream keep-alive, in
	// seconds. Zero uses the provider defaults.
	STTPingIntervalS int `yaml:"stt_ping_interval_s"`
	STTPingTimeoutS  int `yaml:"stt_ping_timeout_s"`

	// ReconnectBackoffSchedule is the ordered list of retry delays in seconds
	// after a transient STT failure; the last value repeats.
	ReconnectBackoffSchedule []int `yaml:"reconnect_backoff_schedule"`

	// STTFinalizeTimeoutS bounds the teardown wait for the upstream close
	// signal, in seconds.
	STTFinalizeTimeoutS int `yaml:"stt_finalize_timeout_s"`

	// OutputRoot is the directory under which session artifacts are written:
	// <output_root>/output/<integration>/<session_id>/transcript.vtt
	OutputRoot string `yaml:"output_root"`
}

// ArchiveConfig holds settings for the optional post-session archive.
type ArchiveConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty disables the
	// archive; teardown then only writes filesystem artifacts.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CacheBudgetBytes returns the per-session cache budget in bytes.
func (b BrokerConfig) CacheBudgetBytes() int64 {
	return int64(b.MaxCacheMB) << 20
}

// ReconnectBackoff returns the retry schedule as durations.
func (b BrokerConfig) ReconnectBackoff() []time.Duration {
	out := make([]time.Duration, len(b.ReconnectBackoffSchedule))
	for i, s := range b.ReconnectBackoffSchedule {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// FinalizeTimeout returns the drain grace window as a duration.
func (b BrokerConfig) FinalizeTimeout() time.Duration {
	return time.Duration(b.STTFinalizeTimeoutS) * time.Second
}

// PingInterval returns the keep-alive interval, zero when unset.
func (b BrokerConfig) PingInterval() time.Duration {
	return time.Duration(b.STTPingIntervalS) * time.Second
}

// PingTimeout returns the keep-alive timeout, zero when unset.
func (b BrokerConfig) PingTimeout() time.Duration {
	return time.Duration(b.STTPingTimeoutS) * time.Second
}
