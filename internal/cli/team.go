package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delegate-dev/delegate/internal/model"
)

func newTeamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "team",
		Short:   "Manage teams",
		GroupID: GroupAdmin,
		Args:    cobra.ArbitraryArgs,
		RunE:    requireSubcommand,
	}
	cmd.AddCommand(newTeamAddCmd(), newTeamListCmd(), newTeamRemoveCmd())
	return cmd
}

func newTeamAddCmd() *cobra.Command {
	var charter string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			db, err := openStore(home)
			if err != nil {
				return internalError(err)
			}
			defer db.Close()

			team, err := db.Teams().Create(args[0], charter)
			if err != nil {
				return internalError(err)
			}
			teamDir := filepath.Join(home, "teams", team.ID)
			for _, sub := range []string{"agents", "repos", "shared", "workflows"} {
				if err := os.MkdirAll(filepath.Join(teamDir, sub), 0o755); err != nil {
					return internalError(err)
				}
			}
			fmt.Printf("created team %s (%s)\n", team.Name, team.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&charter, "charter", "", "freeform markdown charter for the team")
	return cmd
}

func newTeamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			db, err := openStore(home)
			if err != nil {
				return internalError(err)
			}
			defer db.Close()

			teams, err := db.Teams().List()
			if err != nil {
				return internalError(err)
			}
			if len(teams) == 0 {
				fmt.Println("no teams")
				return nil
			}
			for _, t := range teams {
				agents, err := db.Agents().ListByTeam(t.ID)
				if err != nil {
					return internalError(err)
				}
				fmt.Printf("%s\t%s\t%d agents\n", t.ID, t.Name, len(agents))
			}
			return nil
		},
	}
}

func newTeamRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <team>",
		Short: "Destroy a team: tears down active worktrees then soft-deletes the team row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			teamID := team.ID

			tasks, err := db.Tasks().ListByTeam(teamID, "")
			if err != nil {
				return internalError(err)
			}
			worktrees := newWorktreeManager(home, db)
			for _, t := range tasks {
				if model.IsTerminal(t.Status) {
					continue
				}
				if err := worktrees.Teardown(t); err != nil {
					fmt.Fprintf(os.Stderr, "warning: tearing down task %d worktree: %v\n", t.ID, err)
				}
			}

			if err := db.Teams().Destroy(teamID); err != nil {
				return internalError(err)
			}
			fmt.Printf("destroyed team %s\n", teamID)
			return nil
		},
	}
}
