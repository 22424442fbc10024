// Package config loads and saves the daemon's own configuration: the
// installation home directory, per-role model selectors, and the handful
// of runtime tunables an operator can override without touching code.
package config

import "time"

// ParseDurationOrDefault parses s as a time.Duration, falling back to
// fallback on an empty string or parse error.
func ParseDurationOrDefault(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ModelRoleConfig selects which model a role's agents use and the
// rotation watermark that overrides modelsession's default for them.
type ModelRoleConfig struct {
	Selector         string  `toml:"selector"`
	ContextWatermark float64 `toml:"context_watermark,omitempty"`
}

// Daemon holds the daemon's own tunables, persisted at
// protected/config.toml. Team charters, repo registrations, and the
// network allowlist live in their own files (internal/store,
// internal/sandbox) — this type is strictly daemon-process config.
type Daemon struct {
	// ListenAddr is the HTTP surface's bind address, e.g. "127.0.0.1:4170".
	ListenAddr string `toml:"listen_addr"`

	// Models maps role name ("manager", "engineer", "reviewer") to its
	// model configuration. A role with no entry falls back to Default.
	Models  map[string]ModelRoleConfig `toml:"models"`
	Default ModelRoleConfig            `toml:"default_model"`

	// TickInterval is the scheduler's poll interval, a Go duration string
	// (e.g. "250ms"); empty means use scheduler.DefaultConfig's default.
	TickInterval string `toml:"tick_interval,omitempty"`

	// PretestTimeout bounds a repo's pre-merge command (spec §5 default
	// 10 minutes), a Go duration string; empty means use the merge
	// package's built-in default.
	PretestTimeout string `toml:"pretest_timeout,omitempty"`

	// CORSOrigins lists the HTTP surface's allowed browser origins.
	CORSOrigins []string `toml:"cors_origins,omitempty"`
}

// Default returns the configuration a freshly initialized installation
// starts with.
func Default() Daemon {
	return Daemon{
		ListenAddr: "127.0.0.1:4170",
		Default: ModelRoleConfig{
			Selector: "claude-sonnet",
		},
		CORSOrigins: []string{"*"},
	}
}

// ModelFor resolves a role's model configuration, falling back to the
// daemon default when the role has no explicit entry.
func (d Daemon) ModelFor(role string) ModelRoleConfig {
	if cfg, ok := d.Models[role]; ok {
		return cfg
	}
	return d.Default
}
