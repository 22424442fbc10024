package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/delegate-dev/delegate/internal/config"
	"github.com/delegate-dev/delegate/internal/daemonlock"
	"github.com/delegate-dev/delegate/internal/sandbox"
)

// diagnostic is one independent health check `status --verbose` runs
// against an installation: the daemon lock, the database, and the
// sandbox's network-allowlist file, each checked without requiring the
// daemon itself to answer over HTTP.
type diagnostic struct {
	Name   string
	OK     bool
	Detail string
}

// runDiagnostics runs every check against home, continuing past a
// failing check rather than stopping at the first one, so a single
// broken piece doesn't hide the health of the rest of the installation.
func runDiagnostics(home string) []diagnostic {
	return []diagnostic{
		checkDaemonLock(home),
		checkDatabase(home),
		checkSandboxConfig(home),
	}
}

// checkDaemonLock re-checks that the PID daemonlock.Status reports as
// running still belongs to a live process. daemonlock.Status already
// reports a PID file naming a dead process as not running, so a stale
// PID file left by a crashed daemon passes here as "no daemon currently
// holds the lock"; only a process that exits between the two checks
// fails.
func checkDaemonLock(home string) diagnostic {
	pid, running := daemonlock.Status(home)
	if !running {
		return diagnostic{Name: "daemon lock", OK: true, Detail: "no daemon currently holds the lock"}
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return diagnostic{Name: "daemon lock", OK: false, Detail: fmt.Sprintf("pid %d: %v", pid, err)}
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return diagnostic{Name: "daemon lock", OK: false, Detail: fmt.Sprintf("pid file names %d, but that process is gone: %v", pid, err)}
	}
	return diagnostic{Name: "daemon lock", OK: true, Detail: fmt.Sprintf("held by live pid %d", pid)}
}

// checkDatabase opens the installation's store and runs a trivial query,
// the same connectivity surface every admin command depends on.
func checkDatabase(home string) diagnostic {
	db, err := openStore(home)
	if err != nil {
		return diagnostic{Name: "database", OK: false, Detail: err.Error()}
	}
	defer db.Close()

	teams, err := db.Teams().List()
	if err != nil {
		return diagnostic{Name: "database", OK: false, Detail: fmt.Sprintf("query failed: %v", err)}
	}
	return diagnostic{Name: "database", OK: true, Detail: fmt.Sprintf("%d team(s)", len(teams))}
}

// checkSandboxConfig confirms the network allowlist file parses, the
// same file every session's BuildOSConfig call depends on.
func checkSandboxConfig(home string) diagnostic {
	allowlist, err := sandbox.LoadNetworkAllowlist(config.ProtectedDir(home))
	if err != nil {
		return diagnostic{Name: "sandbox config", OK: false, Detail: err.Error()}
	}
	return diagnostic{Name: "sandbox config", OK: true, Detail: fmt.Sprintf("%d domain(s) allowed", len(allowlist.Domains))}
}
