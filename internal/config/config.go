// Package config provides the configuration schema and loader for the Saem
// voice conversation subsystem.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
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

// Duration wraps time.Duration so YAML values like "2s" or "500ms" decode
// directly into duration fields.
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration in Go string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds network and logging settings for the saemd service.
type ServerConfig struct {
	// ListenAddr is the TCP address the token/health server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address serving Prometheus metrics. Empty
	// disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TokenRequestsPerMinute is the per-user rate limit on the token
	// endpoint. Zero uses the default of 20.
	TokenRequestsPerMinute int `yaml:"token_requests_per_minute"`
}

// BackendConfig points the client at the token broker.
type BackendConfig struct {
	// APIBase is the broker base URL, e.g. "https://api.saem.app".
	// The token path /openai/realtime/token is appended to it.
	APIBase string `yaml:"api_base"`

	// TokenMaxRetries caps rate-limit retries of a single token request.
	// Zero uses the default of 3.
	TokenMaxRetries int `yaml:"token_max_retries"`
}

// RealtimeConfig describes the upstream realtime speech API.
type RealtimeConfig struct {
	// APIKey is the provider key used by saemd to mint ephemeral secrets.
	// Never sent to clients.
	APIKey string `yaml:"api_key"`

	// Base is the SDP exchange endpoint, default
	// "https://api.openai.com/v1/realtime".
	Base string `yaml:"base"`

	// Model is the realtime model identifier.
	Model string `yaml:"model"`

	// Voice selects the assistant voice.
	Voice string `yaml:"voice"`

	// TranscriptionModel transcribes user audio server-side.
	TranscriptionModel string `yaml:"transcription_model"`

	// STUNServers are the ICE servers for the peer connection.
	STUNServers []string `yaml:"stun_servers"`
}

// SessionConfig tunes the lifecycle timers and resilience gates. Zero values
// fall back to the defaults in [Default].
type SessionConfig struct {
	// DataChannelOpenTimeout bounds the wait for the control channel after
	// SDP exchange; on expiry the session degrades to audio-only.
	DataChannelOpenTimeout Duration `yaml:"data_channel_open_timeout"`

	// ConnectionCooldown is the minimum spacing between consecutive
	// connection attempts.
	ConnectionCooldown Duration `yaml:"connection_cooldown"`

	// StartDebounce suppresses same-scenario restarts arriving within the
	// window of the previous start.
	StartDebounce Duration `yaml:"start_debounce"`

	// UserStopLatch rejects automated restarts within the window after a
	// user-initiated stop.
	UserStopLatch Duration `yaml:"user_stop_latch"`

	// BreakerFailureThreshold opens the circuit after this many consecutive
	// connection failures.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`

	// BreakerOpenFor is how long the circuit stays open before a probe.
	BreakerOpenFor Duration `yaml:"breaker_open_for"`

	// SpeakingGrace delays the AI-speaking end after generation completes,
	// covering playback of buffered audio.
	SpeakingGrace Duration `yaml:"speaking_grace"`

	// SpeakingExtension re-arms the speaking end once when audio was still
	// flowing when the grace expired.
	SpeakingExtension Duration `yaml:"speaking_extension"`

	// ResponseCreateDelay spaces the initial response.create after
	// session.update.
	ResponseCreateDelay Duration `yaml:"response_create_delay"`

	// AudioOnlySessionUpdate attempts the configuration handshake even
	// after the session degraded to audio-only. Off by default; the remote
	// then runs on its server-side defaults.
	AudioOnlySessionUpdate bool `yaml:"audio_only_session_update"`

	// ICERecoveryWait is the grace period after an ICE disconnect before
	// it counts as a failed recovery.
	ICERecoveryWait Duration `yaml:"ice_recovery_wait"`

	// ICEMaxRecoveries bounds consecutive ICE recoveries before the
	// session fails.
	ICEMaxRecoveries int `yaml:"ice_max_recoveries"`

	// VADThreshold, VADPrefixPadding and VADSilence configure server-side
	// voice activity detection.
	VADThreshold     float64  `yaml:"vad_threshold"`
	VADPrefixPadding Duration `yaml:"vad_prefix_padding"`
	VADSilence       Duration `yaml:"vad_silence"`

	// Temperature is the generation temperature.
	Temperature float64 `yaml:"temperature"`
}

// Default returns a Config carrying the production defaults. Load starts
// from this and overlays the file on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:             ":8080",
			LogLevel:               LogInfo,
			TokenRequestsPerMinute: 20,
		},
		Backend: BackendConfig{
			TokenMaxRetries: 3,
		},
		Realtime: RealtimeConfig{
			Base:               "https://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview",
			Voice:              "sage",
			TranscriptionModel: "whisper-1",
			STUNServers:        []string{"stun:stun.l.google.com:19302"},
		},
		Session: SessionConfig{
			DataChannelOpenTimeout:  Duration(15 * time.Second),
			ConnectionCooldown:      Duration(2 * time.Second),
			StartDebounce:           Duration(2 * time.Second),
			UserStopLatch:           Duration(5 * time.Second),
			BreakerFailureThreshold: 3,
			BreakerOpenFor:          Duration(30 * time.Second),
			SpeakingGrace:           Duration(5 * time.Second),
			SpeakingExtension:       Duration(3 * time.Second),
			ResponseCreateDelay:     Duration(1 * time.Second),
			ICERecoveryWait:         Duration(2 * time.Second),
			ICEMaxRecoveries:        3,
			VADThreshold:            0.5,
			VADPrefixPadding:        Duration(300 * time.Millisecond),
			VADSilence:              Duration(500 * time.Millisecond),
			Temperature:             0.8,
		},
	}
}
