package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/delegate-dev/delegate/internal/config"
	"github.com/delegate-dev/delegate/internal/daemonlock"
)

func newStartCmd() *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the delegated daemon",
		GroupID: GroupDaemon,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			if pid, running := daemonlock.Status(home); running {
				return invariantError("delegated is already running (pid %d)", pid)
			}
			if err := config.EnsureLayout(home); err != nil {
				return internalError(err)
			}

			if foreground {
				return internalError(fmt.Errorf("foreground mode runs delegated directly, not via delegate start"))
			}

			bin, err := delegatedBinaryPath()
			if err != nil {
				return internalError(err)
			}

			logPath := filepath.Join(config.ProtectedDir(home), "daemon.log")
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return internalError(fmt.Errorf("opening log file: %w", err))
			}
			defer logFile.Close()

			c := exec.Command(bin)
			c.Env = append(os.Environ(), "DELEGATE_HOME="+home)
			c.Stdout = logFile
			c.Stderr = logFile
			c.Stdin = nil
			c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

			if err := c.Start(); err != nil {
				return internalError(fmt.Errorf("starting delegated: %w", err))
			}
			if err := c.Process.Release(); err != nil {
				return internalError(err)
			}

			if !waitForPID(home, 3*time.Second) {
				return internalError(fmt.Errorf("delegated did not report ready within 3s; check %s", logPath))
			}
			fmt.Printf("delegated started (home %s)\n", home)
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "reserved; run delegated directly for foreground mode")
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stop",
		Short:   "Stop the running delegated daemon",
		GroupID: GroupDaemon,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			pid, running := daemonlock.Status(home)
			if !running {
				return invariantError("delegated is not running")
			}
			process, err := os.FindProcess(pid)
			if err != nil {
				return internalError(err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return internalError(fmt.Errorf("signaling pid %d: %w", pid, err))
			}
			for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); {
				if _, running := daemonlock.Status(home); !running {
					fmt.Println("delegated stopped")
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return internalError(fmt.Errorf("delegated (pid %d) did not exit within 10s", pid))
		},
	}
	return cmd
}

func newStatusCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Report whether the delegated daemon is running",
		GroupID: GroupDaemon,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			pid, running := daemonlock.Status(home)
			if running {
				fmt.Printf("delegated is running (pid %d, home %s)\n", pid, home)
			} else {
				fmt.Println("delegated is not running")
			}

			if verbose {
				failed := false
				for _, d := range runDiagnostics(home) {
					mark := "ok"
					if !d.OK {
						mark = "FAIL"
						failed = true
					}
					fmt.Printf("  [%s] %s: %s\n", mark, d.Name, d.Detail)
				}
				if failed {
					return invariantError("one or more diagnostics failed")
				}
			}

			if !running {
				return invariantError("not running")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "also run diagnostics against the daemon lock, database, and sandbox config")
	return cmd
}

// delegatedBinaryPath locates the delegated binary alongside the
// currently running delegate executable, falling back to $PATH.
func delegatedBinaryPath() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "delegated")
		if _, statErr := os.Stat(sibling); statErr == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("delegated")
	if err != nil {
		return "", fmt.Errorf("delegated binary not found next to %s or on PATH", self)
	}
	return path, nil
}

// waitForPID polls daemonlock.Status until it reports the daemon alive
// or the deadline passes.
func waitForPID(home string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, running := daemonlock.Status(home); running {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
