// Command delegated is the daemon process: it owns the database, the
// team worktrees, the scheduler loop, and the HTTP surface, for as long
// as it holds the singleton lock on its home directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"

	"github.com/delegate-dev/delegate/internal/config"
	"github.com/delegate-dev/delegate/internal/daemon"
)

func main() {
	os.Exit(run())
}

func run() int {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "delegated: ANTHROPIC_API_KEY (or an equivalent credential) must be set")
		return 1
	}

	home, err := config.Home()
	if err != nil {
		fmt.Fprintln(os.Stderr, "delegated:", err)
		return 3
	}

	cfg, err := config.Load(home)
	if err != nil {
		fmt.Fprintln(os.Stderr, "delegated:", err)
		return 3
	}

	d, err := daemon.New(home, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "delegated:", err)
		return 2
	}
	defer d.Close()

	charmlog.Info("delegated starting", "home", home, "addr", cfg.ListenAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "delegated: run failed:", err)
		return 3
	}
	charmlog.Info("delegated shut down")
	return 0
}
