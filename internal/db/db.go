package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbName = "questline.db"

// Config selects the workspace whose database is opened. Every
// workspace owns exactly one database under its .questline directory.
type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace's .questline directory if it
// is missing and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".questline")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database. Foreign keys are enforced and a
// busy timeout keeps concurrent writers queueing instead of failing
// immediately, so version conflicts surface through the engine's
// optimistic check rather than as driver errors.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".questline", dbName)
}
