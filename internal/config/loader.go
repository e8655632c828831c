package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the device agent's compiled-in
// defaults. Timing constants mandated by the wire protocol (§6 of the AIA
// message-plane spec) are never defaulted here — they are package constants.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.RingBuffer.WordSizeBytes == 0 {
		cfg.RingBuffer.WordSizeBytes = 2
	}
	if cfg.RingBuffer.MaxReaders == 0 {
		cfg.RingBuffer.MaxReaders = 4
	}
	if cfg.Regulator.MaxMessageSize == 0 {
		cfg.Regulator.MaxMessageSize = 131072
	}
	if cfg.Regulator.EmitMode == "" {
		cfg.Regulator.EmitMode = EmitTrickle
	}
	if cfg.Sequencer.MaxSlots == 0 {
		cfg.Sequencer.MaxSlots = 8
	}
	if cfg.Secret.DerivationAlgorithm == "" {
		cfg.Secret.DerivationAlgorithm = DerivationHKDFSHA256
	}
	if cfg.Persist.Dir == "" {
		cfg.Persist.Dir = "."
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Device.ClientID == "" {
		errs = append(errs, errors.New("device.client_id is required"))
	}

	if cfg.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	}

	if cfg.RingBuffer.WordSizeBytes != 1 && cfg.RingBuffer.WordSizeBytes != 2 && cfg.RingBuffer.WordSizeBytes != 4 {
		errs = append(errs, fmt.Errorf("ring_buffer.word_size_bytes %d must be 1, 2, or 4", cfg.RingBuffer.WordSizeBytes))
	}
	if cfg.RingBuffer.MicrophoneWords < 0 {
		errs = append(errs, errors.New("ring_buffer.microphone_words must not be negative"))
	}
	if cfg.RingBuffer.SpeakerWords < 0 {
		errs = append(errs, errors.New("ring_buffer.speaker_words must not be negative"))
	}
	if cfg.RingBuffer.MaxReaders <= 0 {
		errs = append(errs, errors.New("ring_buffer.max_readers must be positive"))
	}

	if cfg.Regulator.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("regulator.max_message_size must be positive"))
	}
	if cfg.Regulator.EmitMode != "" && !cfg.Regulator.EmitMode.IsValid() {
		errs = append(errs, fmt.Errorf("regulator.emit_mode %q is invalid; valid values: trickle, burst", cfg.Regulator.EmitMode))
	}

	if cfg.Sequencer.MaxSlots <= 0 {
		errs = append(errs, errors.New("sequencer.max_slots must be positive"))
	}

	if cfg.Secret.DerivationAlgorithm != "" && !cfg.Secret.DerivationAlgorithm.IsValid() {
		errs = append(errs, fmt.Errorf("secret.derivation_algorithm %q is invalid; valid values: raw-ecdh, hkdf-sha256", cfg.Secret.DerivationAlgorithm))
	}

	return errors.Join(errs...)
}
