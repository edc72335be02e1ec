package sagaway

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations_sqlite/*.sql
var sqliteMigrationFiles embed.FS

// RunSQLiteMigrations executes embedded SQLite migrations in lexical order
// within a single transaction.
func RunSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := fs.ReadDir(sqliteMigrationFiles, "migrations_sqlite")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := sqliteMigrationFiles.ReadFile("migrations_sqlite/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	tx = nil

	return nil
}
