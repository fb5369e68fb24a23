package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a
// validated [Config]. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if cfg.Twitch.ClientID == "" {
		errs = append(errs, errors.New("twitch.client_id is required"))
	}
	if cfg.Twitch.ClientSecret == "" {
		errs = append(errs, errors.New("twitch.client_secret is required"))
	}
	if cfg.Twitch.BotLogin == "" {
		errs = append(errs, errors.New("twitch.bot_login is required"))
	}
	if cfg.Twitch.WebhookSecret == "" {
		errs = append(errs, errors.New("twitch.webhook_secret is required"))
	}
	if cfg.Twitch.ChatRefreshSecret == "" {
		errs = append(errs, errors.New("twitch.chat_refresh_secret is required"))
	}

	if cfg.Auth.TokenSecret == "" {
		errs = append(errs, errors.New("auth.token_secret is required"))
	}

	if cfg.TTS.APIKey == "" {
		errs = append(errs, errors.New("tts.api_key is required"))
	}
	if cfg.TTS.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("tts.max_concurrent %d must not be negative", cfg.TTS.MaxConcurrent))
	}

	return errors.Join(errs...)
}
