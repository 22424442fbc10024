package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delegate-dev/delegate/internal/util"
	"github.com/delegate-dev/delegate/internal/workflow"
)

// workflowManifest is the on-disk record of a registered workflow's
// stage/transition shape, written under a team's workflows/ directory
// for operator visibility (spec's persisted-state layout). The daemon's
// actual stage resolution always goes through the code-defined
// workflow.Registry, never this file — it stamps a task's
// workflow_name/workflow_version, and the daemon resolves those against
// whatever is registered in the running process.
type workflowManifest struct {
	Name    string   `json:"name"`
	Version int      `json:"version"`
	Stages  []string `json:"stages"`
}

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Short:   "Inspect and register the workflows a team uses",
		GroupID: GroupAdmin,
		Args:    cobra.ArbitraryArgs,
		RunE:    requireSubcommand,
	}
	cmd.AddCommand(newWorkflowInitCmd(), newWorkflowAddCmd())
	return cmd
}

func newWorkflowInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <team>",
		Short: "Write the default workflow's manifest into a team's workflows directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeWorkflowManifest(args[0], workflow.Default())
		},
	}
}

func newWorkflowAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <team> <workflow-name>",
		Short: "Register an additional code-defined workflow with a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := workflow.NewRegistry()
			registry.Register(workflow.Default())

			wf, err := registry.Latest(args[1])
			if err != nil {
				return userError("%v", err)
			}
			return writeWorkflowManifest(args[0], wf)
		},
	}
}

func writeWorkflowManifest(teamRef string, wf *workflow.Workflow) error {
	home, err := resolveHome()
	if err != nil {
		return err
	}
	db, err := openStore(home)
	if err != nil {
		return internalError(err)
	}
	defer db.Close()

	team, err := resolveTeam(db, teamRef)
	if err != nil {
		return userError("team %s: %v", teamRef, err)
	}

	manifest := workflowManifest{Name: wf.Name, Version: wf.Version}
	for _, s := range wf.Stages() {
		manifest.Stages = append(manifest.Stages, s.Key())
	}

	dir := filepath.Join(home, "teams", team.ID, "workflows")
	path := filepath.Join(dir, fmt.Sprintf("%s.json", manifest.Name))
	if err := util.EnsureDirAndWriteJSON(path, manifest); err != nil {
		return internalError(err)
	}
	fmt.Printf("wrote %s (v%d, %d stages) to %s\n", manifest.Name, manifest.Version, len(manifest.Stages), path)
	return nil
}
