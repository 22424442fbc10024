package cli

import (
	"path/filepath"

	"github.com/delegate-dev/delegate/internal/config"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/resolver"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/worktree"
)

// openStore opens the installation's database for a single admin
// command. The daemon may be running concurrently; WAL mode plus the
// busy_timeout store.Open configures make that safe for the short-lived
// reads and writes an admin command performs.
func openStore(home string) (*store.DB, error) {
	dbPath := filepath.Join(config.ProtectedDir(home), "delegate.db")
	if err := store.Migrate(dbPath, filepath.Join(config.ProtectedDir(home), "backups")); err != nil {
		return nil, err
	}
	return store.Open(dbPath)
}

// newWorktreeManager builds the same worktree.Manager the daemon uses,
// rooted at home/teams, for admin commands that need to tear down or
// inspect a task's working copy.
func newWorktreeManager(home string, db *store.DB) *worktree.Manager {
	return worktree.NewManager(db, filepath.Join(home, "teams"))
}

// resolveTeam looks a team up by ref, which may be its id or its display
// name — operators type names, scripts pass ids. The id lookup is tried
// first since ids can't collide with names; resolver.TeamResolver only
// does the (cached) List-and-scan needed for the name case.
func resolveTeam(db *store.DB, ref string) (*model.Team, error) {
	if team, err := db.Teams().Get(ref); err == nil {
		return team, nil
	}
	id, err := resolver.New(db).ResolveID(ref)
	if err != nil {
		return nil, err
	}
	return db.Teams().Get(id)
}
