package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// ConfigFileName is where Daemon lives inside the protected directory.
const ConfigFileName = "config.toml"

// Home resolves the installation directory: DELEGATE_HOME if set,
// otherwise ~/.delegate (spec §6).
func Home() (string, error) {
	if home := os.Getenv("DELEGATE_HOME"); home != "" {
		return home, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(dir, ".delegate"), nil
}

// ProtectedDir returns home's protected subdirectory, the daemon's
// exclusive territory (spec §3 ownership semantics).
func ProtectedDir(home string) string {
	return filepath.Join(home, "protected")
}

// Load reads protected/config.toml under home, falling back to Default()
// (not an error) if the installation hasn't been initialized yet, then
// applies any DELEGATE_-prefixed environment overrides on top — an
// operator pinning a one-off listen address or tick interval for a
// single process launch shouldn't have to rewrite the file on disk.
func Load(home string) (Daemon, error) {
	path := filepath.Join(ProtectedDir(home), ConfigFileName)
	data, err := os.ReadFile(path)
	cfg := Default()
	switch {
	case os.IsNotExist(err):
		// use Default()
	case err != nil:
		return Daemon{}, fmt.Errorf("read config: %w", err)
	default:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Daemon{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers DELEGATE_LISTEN_ADDR, DELEGATE_TICK_INTERVAL,
// and DELEGATE_PRETEST_TIMEOUT on top of cfg when set, the env/flag
// binding role viper plays for this daemon's configuration.
func applyEnvOverrides(cfg *Daemon) {
	v := viper.New()
	v.SetEnvPrefix("delegate")
	v.AutomaticEnv()

	if addr := v.GetString("listen_addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if tick := v.GetString("tick_interval"); tick != "" {
		cfg.TickInterval = tick
	}
	if timeout := v.GetString("pretest_timeout"); timeout != "" {
		cfg.PretestTimeout = timeout
	}
}

// Save writes cfg to protected/config.toml under home, creating the
// protected directory if necessary.
func Save(home string, cfg Daemon) error {
	dir := ProtectedDir(home)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create protected dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// EnsureLayout creates the directory skeleton spec §6 describes under
// home, idempotently.
func EnsureLayout(home string) error {
	dirs := []string{
		ProtectedDir(home),
		filepath.Join(ProtectedDir(home), "backups"),
		filepath.Join(home, "teams"),
		filepath.Join(home, "members"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
