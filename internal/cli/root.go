// Package cli implements the delegate command-line tool: daemon process
// management plus the administrative commands (team/agent/repo/workflow/
// network) that operate directly on a DELEGATE_HOME installation rather
// than through the daemon's HTTP surface, since none of those are part
// of its external interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/delegate-dev/delegate/internal/config"
)

// Exit codes (spec's external-interface section).
const (
	ExitOK          = 0
	ExitUserError   = 1
	ExitInvariant   = 2
	ExitInternalErr = 3
)

// Command group IDs, used to organize `delegate help` output.
const (
	GroupDaemon = "daemon"
	GroupAdmin  = "admin"
	GroupDiag   = "diag"
)

var rootCmd = &cobra.Command{
	Use:   "delegate",
	Short: "Delegate manages teams of coding agents",
	Long: `delegate drives the delegated daemon: teams of agents working
tasks through a review workflow against real git repositories.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.EnablePrefixMatching = true
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupDaemon, Title: "Daemon:"},
		&cobra.Group{ID: GroupAdmin, Title: "Administration:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTeamCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newRepoCmd())
	rootCmd.AddCommand(newWorkflowCmd())
	rootCmd.AddCommand(newNetworkCmd())
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if ce, ok := err.(*exitError); ok {
			if ce.Err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ce.Err)
			}
			return ce.Code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitUserError
	}
	return ExitOK
}

// exitError carries a specific process exit code through cobra's plain
// error return, since RunE only gives us an error value.
type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func userError(format string, args ...any) error {
	return &exitError{Code: ExitUserError, Err: fmt.Errorf(format, args...)}
}

func invariantError(format string, args ...any) error {
	return &exitError{Code: ExitInvariant, Err: fmt.Errorf(format, args...)}
}

func internalError(err error) error {
	return &exitError{Code: ExitInternalErr, Err: err}
}

// requireSubcommand returns a RunE for parent commands that must not
// silently succeed when invoked without a subcommand.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return userError("%q requires a subcommand; run '%s --help'", cmd.Name(), cmd.CommandPath())
	}
	return userError("unknown command %q for %q", args[0], cmd.CommandPath())
}

// resolveHome returns the installation directory as resolved by
// config.Home; no command-line flag is consulted.
func resolveHome() (string, error) {
	home, err := config.Home()
	if err != nil {
		return "", internalError(err)
	}
	return home, nil
}
