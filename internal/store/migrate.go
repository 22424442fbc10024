package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	migs := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		versionStr := strings.SplitN(e.Name(), "_", 2)[0]
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version prefix: %w", e.Name(), err)
		}
		data, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		migs = append(migs, migration{version: version, name: e.Name(), sql: string(data)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

// Migrate applies all pending migrations following the protocol in spec
// §4.1: snapshot the file, apply pending versions in a transaction, run a
// post-migration health check, and restore the snapshot on any failure.
//
// backupDir receives one timestamped copy of the database file per call
// that has at least one pending migration; a call with nothing pending is
// a no-op and creates no backup, so restarting a fully-migrated daemon
// never accumulates backups.
func Migrate(dbPath, backupDir string) error {
	migs, err := loadMigrations()
	if err != nil {
		return err
	}

	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`); err != nil {
		return fmt.Errorf("bootstrap schema_version: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.conn.Query(`SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	var pending []migration
	for _, m := range migs {
		if !applied[m.version] {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	backupPath, err := snapshot(dbPath, backupDir)
	if err != nil {
		return fmt.Errorf("snapshot before migration: %w", err)
	}

	if err := applyPending(db, pending); err != nil {
		restoreErr := restore(backupPath, dbPath)
		if restoreErr != nil {
			return fmt.Errorf("migration failed (%w) AND restore failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("migration failed, restored from backup: %w", err)
	}

	if err := healthCheck(db); err != nil {
		restoreErr := restore(backupPath, dbPath)
		if restoreErr != nil {
			return fmt.Errorf("post-migration health check failed (%w) AND restore failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("post-migration health check failed, restored from backup: %w", err)
	}

	return nil
}

func applyPending(db *DB, pending []migration) error {
	return db.WithTx(func(tx *sql.Tx) error {
		for _, m := range pending {
			if _, err := tx.Exec(m.sql); err != nil {
				return fmt.Errorf("apply %s: %w", m.name, err)
			}
			if _, err := tx.Exec(`INSERT INTO schema_version(version, applied_at) VALUES (?, ?)`, m.version, now()); err != nil {
				return fmt.Errorf("record schema_version for %s: %w", m.name, err)
			}
		}
		return nil
	})
}

func snapshot(dbPath, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(backupDir, fmt.Sprintf("%s.db", time.Now().UTC().Format("20060102T150405.000000000Z")))
	src, err := os.Open(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No existing file yet (first run) — nothing to snapshot.
			return "", nil
		}
		return "", err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", err
	}
	return dst, nil
}

func restore(backupPath, dbPath string) error {
	if backupPath == "" {
		// Nothing was snapshotted (fresh database); just remove the
		// half-migrated file so startup can try again from scratch.
		return os.Remove(dbPath)
	}
	src, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dbPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func healthCheck(db *DB) error {
	tables := []string{"teams", "agents", "repos", "tasks", "task_dependencies", "messages", "reviews", "events"}
	for _, t := range tables {
		if _, err := db.conn.Exec(fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", t)); err != nil {
			return fmt.Errorf("health check on table %s: %w", t, err)
		}
	}
	return nil
}
