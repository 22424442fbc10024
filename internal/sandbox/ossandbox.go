package sandbox

import (
	"os"
	"path/filepath"
)

// OSConfig is the declarative input to whichever platform-specific sandbox
// primitive wraps an agent's bash subprocess (macOS Seatbelt, Linux
// bubblewrap/landlock, or similar). Invoking that primitive is a host
// concern outside this daemon (spec §1 Non-goals: "replacing the host OS's
// sandbox primitives") — this type is the config the daemon computes and
// hands to it.
type OSConfig struct {
	// Writable is the full writable set: the team working directory, the
	// platform temp directory, and each registered repo's .git/ directory.
	// The repo working tree and the protected directory are deliberately
	// excluded (spec §4.6 layer 4).
	Writable []string `json:"writable"`

	// AllowedHosts mirrors the network allowlist at the time the config
	// was generated (spec §4.6 layer 6); a later allowlist edit triggers
	// regeneration and a session rotation.
	AllowedHosts []string `json:"allowed_hosts"`
}

// BuildOSConfig computes the writable set for one agent's subprocess.
// gitDirs is the `.git/` directory of every repo registered to the team.
func BuildOSConfig(teamDir string, gitDirs []string, allowedHosts []string) OSConfig {
	writable := []string{teamDir, os.TempDir()}
	writable = append(writable, gitDirs...)
	return OSConfig{
		Writable:     dedupClean(writable),
		AllowedHosts: allowedHosts,
	}
}

// Equal reports whether two configs describe the same sandbox, ignoring
// ordering — used to decide whether a config change warrants a session
// rotation (spec §4.3 rotate triggers).
func (c OSConfig) Equal(other OSConfig) bool {
	return sameSet(c.Writable, other.Writable) && sameSet(c.AllowedHosts, other.AllowedHosts)
}

func dedupClean(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		clean := filepath.Clean(p)
		if !seen[clean] {
			seen[clean] = true
			out = append(out, clean)
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}
