package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delegate-dev/delegate/internal/model"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Manage agents",
		GroupID: GroupAdmin,
		Args:    cobra.ArbitraryArgs,
		RunE:    requireSubcommand,
	}
	cmd.AddCommand(newAgentAddCmd())
	return cmd
}

func newAgentAddCmd() *cobra.Command {
	var role, modelSelector string
	cmd := &cobra.Command{
		Use:   "add <team> <name>",
		Short: "Add an agent to a team's roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := model.Role(role)
			switch r {
			case model.RoleManager, model.RoleEngineer, model.RoleReviewer:
			default:
				return userError("unknown role %q (want manager, engineer, or reviewer)", role)
			}

			home, err := resolveHome()
			if err != nil {
				return err
			}
			db, err := openStore(home)
			if err != nil {
				return internalError(err)
			}
			defer db.Close()

			team, err := resolveTeam(db, args[0])
			if err != nil {
				return userError("team %s: %v", args[0], err)
			}

			agent, err := db.Agents().Create(team.ID, args[1], r, modelSelector)
			if err != nil {
				return internalError(err)
			}

			agentDir := filepath.Join(home, "teams", team.ID, "agents", agent.Name)
			if err := os.MkdirAll(filepath.Join(agentDir, "memory"), 0o755); err != nil {
				return internalError(err)
			}

			fmt.Printf("added agent %s (%s) to team %s\n", agent.Name, agent.Role, team.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "engineer", "manager, engineer, or reviewer")
	cmd.Flags().StringVar(&modelSelector, "model", "", "model selector; empty uses the daemon's default for this role")
	return cmd
}
