// Package config loads nvimhostd's configuration: an optional YAML file
// merged with environment variable overrides, the same "file, then env
// override" shape the donor's internal/config.Manager uses for
// user/project settings.json layering — collapsed here to a single layer
// since a session broker has no project-vs-user distinction (SPEC_FULL.md
// "Settings namespace").
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs the CLI entrypoint needs to construct
// the host (spec.md §6's constructor contract plus the rate limiter and
// editor spawn knobs §4.D/§4.E call for).
type Config struct {
	// BindAddr is the loopback address the connection handler listens on
	// (spec.md §6 default "127.0.0.1:9001").
	BindAddr string `yaml:"bind_addr" mapstructure:"bind_addr"`

	// ExtraOrigins are additional allowed Origin values, appended to the
	// built-in loopback/localhost defaults (spec.md §6).
	ExtraOrigins []string `yaml:"extra_origins" mapstructure:"extra_origins"`

	// IdleTimeout is how long a zero-client session survives before the
	// reaper tears it down (spec.md §3, default 1h).
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// RateLimitBurst and RateLimitRefillPerSec configure the per-session
	// token bucket (spec.md §4.D, default 1000 burst / 100 per second).
	RateLimitBurst       int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	RateLimitRefillPerSec float64 `yaml:"rate_limit_refill_per_sec" mapstructure:"rate_limit_refill_per_sec"`

	// EditorCommand and EditorArgs spawn the subprocess supervisor is
	// responsible for (spec.md §4.E).
	EditorCommand string   `yaml:"editor_command" mapstructure:"editor_command"`
	EditorArgs    []string `yaml:"editor_args" mapstructure:"editor_args"`

	// LocalRoot is the sandbox root the "local" VFS backend is rooted at.
	LocalRoot string `yaml:"local_root" mapstructure:"local_root"`

	// Settings seeds every new session's settings_get/settings_set/
	// settings_all namespace (SPEC_FULL.md "Settings namespace").
	Settings map[string]any `yaml:"settings" mapstructure:"settings"`
}

// Default returns a Config with spec.md's stated defaults.
func Default() *Config {
	return &Config{
		BindAddr:              "127.0.0.1:9001",
		IdleTimeout:            time.Hour,
		RateLimitBurst:         1000,
		RateLimitRefillPerSec:  100,
		EditorCommand:          "nvim",
		EditorArgs:             []string{"--embed", "--headless"},
		LocalRoot:              ".",
		Settings:               map[string]any{},
	}
}

// Load reads path (if it exists — a missing file is not an error, the
// defaults stand) as YAML into Default()'s values, then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var raw map[string]any
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:           cfg,
				WeaklyTypedInput: true,
				DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			})
			if err != nil {
				return nil, fmt.Errorf("config: build decoder: %w", err)
			}
			if err := dec.Decode(raw); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file: defaults stand.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment tooling override individual fields
// without touching the file, the same role the donor's env-aware config
// loading plays for secrets like API keys.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NVIMHOSTD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("NVIMHOSTD_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = d
		}
	}
	if v := os.Getenv("NVIMHOSTD_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}
	if v := os.Getenv("NVIMHOSTD_RATE_LIMIT_REFILL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRefillPerSec = f
		}
	}
	if v := os.Getenv("NVIMHOSTD_EDITOR_COMMAND"); v != "" {
		cfg.EditorCommand = v
	}
	if v := os.Getenv("NVIMHOSTD_LOCAL_ROOT"); v != "" {
		cfg.LocalRoot = v
	}
}
