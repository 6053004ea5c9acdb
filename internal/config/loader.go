package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields an explicit zero/empty value
// would leave unusable.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.TokenRequestsPerMinute <= 0 {
		cfg.Server.TokenRequestsPerMinute = def.Server.TokenRequestsPerMinute
	}
	if cfg.Backend.TokenMaxRetries <= 0 {
		cfg.Backend.TokenMaxRetries = def.Backend.TokenMaxRetries
	}
	if cfg.Session.BreakerFailureThreshold <= 0 {
		cfg.Session.BreakerFailureThreshold = def.Session.BreakerFailureThreshold
	}
	if cfg.Session.ICEMaxRecoveries <= 0 {
		cfg.Session.ICEMaxRecoveries = def.Session.ICEMaxRecoveries
	}
	s := &cfg.Session
	ds := def.Session
	for _, p := range []struct {
		field *Duration
		def   Duration
	}{
		{&s.DataChannelOpenTimeout, ds.DataChannelOpenTimeout},
		{&s.ConnectionCooldown, ds.ConnectionCooldown},
		{&s.StartDebounce, ds.StartDebounce},
		{&s.UserStopLatch, ds.UserStopLatch},
		{&s.BreakerOpenFor, ds.BreakerOpenFor},
		{&s.SpeakingGrace, ds.SpeakingGrace},
		{&s.SpeakingExtension, ds.SpeakingExtension},
		{&s.ResponseCreateDelay, ds.ResponseCreateDelay},
		{&s.ICERecoveryWait, ds.ICERecoveryWait},
		{&s.VADPrefixPadding, ds.VADPrefixPadding},
		{&s.VADSilence, ds.VADSilence},
	} {
		if *p.field <= 0 {
			*p.field = p.def
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Backend.APIBase != "" && !strings.HasPrefix(cfg.Backend.APIBase, "http://") && !strings.HasPrefix(cfg.Backend.APIBase, "https://") {
		errs = append(errs, fmt.Errorf("backend.api_base %q must be an http(s) URL", cfg.Backend.APIBase))
	}

	if cfg.Realtime.Base == "" {
		errs = append(errs, errors.New("realtime.base is required"))
	}
	if cfg.Realtime.Model == "" {
		errs = append(errs, errors.New("realtime.model is required"))
	}
	for i, s := range cfg.Realtime.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			errs = append(errs, fmt.Errorf("realtime.stun_servers[%d] %q must use a stun:/turn: scheme", i, s))
		}
	}

	if cfg.Session.VADThreshold < 0 || cfg.Session.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.vad_threshold %.2f is out of range [0, 1]", cfg.Session.VADThreshold))
	}
	if cfg.Session.Temperature < 0 || cfg.Session.Temperature > 2 {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 2]", cfg.Session.Temperature))
	}
	if cfg.Session.SpeakingExtension.Std() > cfg.Session.SpeakingGrace.Std()*2 {
		errs = append(errs, fmt.Errorf("session.speaking_extension %s is unreasonably long compared to session.speaking_grace %s",
			cfg.Session.SpeakingExtension.Std(), cfg.Session.SpeakingGrace.Std()))
	}

	return errors.Join(errs...)
}
