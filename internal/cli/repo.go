package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delegate-dev/delegate/internal/model"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repo",
		Short:   "Manage registered repositories",
		GroupID: GroupAdmin,
		Args:    cobra.ArbitraryArgs,
		RunE:    requireSubcommand,
	}
	cmd.AddCommand(newRepoAddCmd(), newRepoSetApprovalCmd())
	return cmd
}

func newRepoAddCmd() *cobra.Command {
	var displayName, targetBranch, pretestCommand string
	cmd := &cobra.Command{
		Use:   "add <team> <path>",
		Short: "Register a git repository with a team, symlinked under teams/<id>/repos",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}

			path, err := filepath.Abs(args[1])
			if err != nil {
				return userError("resolving path: %v", err)
			}
			if info, err := os.Stat(filepath.Join(path, ".git")); err != nil || !info.IsDir() {
				return userError("%s is not a git repository", path)
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

			name := displayName
			if name == "" {
				name = filepath.Base(path)
			}

			repo, err := db.Repos().Create(&model.Repo{
				TeamID:         team.ID,
				Path:           path,
				DisplayName:    name,
				TargetBranch:   targetBranch,
				PretestCommand: pretestCommand,
			})
			if err != nil {
				return internalError(err)
			}

			reposDir := filepath.Join(home, "teams", team.ID, "repos")
			if err := os.MkdirAll(reposDir, 0o755); err != nil {
				return internalError(err)
			}
			link := filepath.Join(reposDir, repo.DisplayName)
			_ = os.Remove(link)
			if err := os.Symlink(repo.Path, link); err != nil {
				return internalError(fmt.Errorf("symlinking repo: %w", err))
			}

			fmt.Printf("registered repo %s (id %d) -> %s, approval=%s\n", repo.DisplayName, repo.ID, repo.Path, repo.ApprovalPolicy)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name; defaults to the path's base name")
	cmd.Flags().StringVar(&targetBranch, "branch", "main", "target branch for merges")
	cmd.Flags().StringVar(&pretestCommand, "pretest", "", "pre-merge test command, run in the worktree before fast-forward")
	return cmd
}

func newRepoSetApprovalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-approval <repo-id> <human|auto>",
		Short: "Set a repo's merge approval policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := model.ApprovalPolicy(args[1])
			if policy != model.ApprovalHuman && policy != model.ApprovalAuto {
				return userError("unknown approval policy %q (want human or auto)", args[1])
			}

			var repoID int64
			if _, err := fmt.Sscanf(args[0], "%d", &repoID); err != nil {
				return userError("invalid repo id %q", args[0])
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

			if err := db.Repos().SetApprovalPolicy(repoID, policy); err != nil {
				return userError("repo %d: %v", repoID, err)
			}
			fmt.Printf("repo %d approval policy set to %s\n", repoID, policy)
			return nil
		},
	}
}
