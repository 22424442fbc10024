package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/delegate-dev/delegate/internal/util"
)

// NetworkAllowlistFile is the name of the global egress allowlist inside
// the protected directory (spec §4.6 layer 6).
const NetworkAllowlistFile = "network.yaml"

// NetworkAllowlist enumerates the domains agent subprocesses may reach.
type NetworkAllowlist struct {
	Domains []string `yaml:"domains"`
}

// LoadNetworkAllowlist reads the allowlist from protectedDir, returning an
// empty allowlist (not an error) if the file has never been created.
func LoadNetworkAllowlist(protectedDir string) (*NetworkAllowlist, error) {
	path := filepath.Join(protectedDir, NetworkAllowlistFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &NetworkAllowlist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read network allowlist: %w", err)
	}
	var list NetworkAllowlist
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse network allowlist: %w", err)
	}
	return &list, nil
}

// Save writes the allowlist atomically.
func (l *NetworkAllowlist) Save(protectedDir string) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal network allowlist: %w", err)
	}
	path := filepath.Join(protectedDir, NetworkAllowlistFile)
	if err := os.MkdirAll(protectedDir, 0o755); err != nil {
		return fmt.Errorf("create protected dir: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// Allow adds a domain if not already present, reporting whether the set
// changed (callers use this to decide whether a rotation is warranted).
func (l *NetworkAllowlist) Allow(domain string) (changed bool) {
	if util.ContainsString(l.Domains, domain) {
		return false
	}
	l.Domains = append(l.Domains, domain)
	return true
}

// Disallow removes a domain, reporting whether the set changed.
func (l *NetworkAllowlist) Disallow(domain string) (changed bool) {
	before := len(l.Domains)
	l.Domains = util.RemoveFromSlice(l.Domains, domain)
	return len(l.Domains) != before
}

// Reset clears the allowlist back to empty, reporting whether it changed
// anything (used by `delegate network reset`).
func (l *NetworkAllowlist) Reset() (changed bool) {
	changed = len(l.Domains) > 0
	l.Domains = nil
	return changed
}
