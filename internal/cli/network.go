package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/delegate-dev/delegate/internal/config"
	"github.com/delegate-dev/delegate/internal/sandbox"
)

func newNetworkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "network",
		Short:   "Manage the egress allowlist sandboxed agent subprocesses may reach",
		GroupID: GroupAdmin,
		Args:    cobra.ArbitraryArgs,
		RunE:    requireSubcommand,
	}
	cmd.AddCommand(newNetworkShowCmd(), newNetworkAllowCmd(), newNetworkDisallowCmd(), newNetworkResetCmd())
	return cmd
}

func newNetworkShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List the allowed domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := loadAllowlist()
			if err != nil {
				return internalError(err)
			}
			if len(list.Domains) == 0 {
				fmt.Println("no domains allowed")
				return nil
			}
			for _, d := range list.Domains {
				fmt.Println(d)
			}
			return nil
		},
	}
}

func newNetworkAllowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow <domain>",
		Short: "Add a domain to the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateAllowlist(func(list *sandbox.NetworkAllowlist) (bool, string) {
				changed := list.Allow(args[0])
				return changed, fmt.Sprintf("allowed %s", args[0])
			})
		},
	}
}

func newNetworkDisallowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disallow <domain>",
		Short: "Remove a domain from the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateAllowlist(func(list *sandbox.NetworkAllowlist) (bool, string) {
				changed := list.Disallow(args[0])
				return changed, fmt.Sprintf("disallowed %s", args[0])
			})
		},
	}
}

func newNetworkResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the allowlist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateAllowlist(func(list *sandbox.NetworkAllowlist) (bool, string) {
				changed := list.Reset()
				return changed, "allowlist cleared"
			})
		},
	}
}

func loadAllowlist() (*sandbox.NetworkAllowlist, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return sandbox.LoadNetworkAllowlist(config.ProtectedDir(home))
}

func mutateAllowlist(mutate func(*sandbox.NetworkAllowlist) (changed bool, message string)) error {
	home, err := resolveHome()
	if err != nil {
		return err
	}
	list, err := sandbox.LoadNetworkAllowlist(config.ProtectedDir(home))
	if err != nil {
		return internalError(err)
	}
	changed, message := mutate(list)
	if changed {
		if err := list.Save(config.ProtectedDir(home)); err != nil {
			return internalError(err)
		}
	}
	fmt.Println(message)
	return nil
}
