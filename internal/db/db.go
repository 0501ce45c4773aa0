// Package db owns the workspace directory and the SQLite connection every
// local command and the server share.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultDBName = "ctrlplane.db"

// openPragmas tunes the connection for many short concurrent writers:
// concurrent ingests each append audit rows and insert into the events table,
// so writers wait out lock contention instead of surfacing SQLITE_BUSY, and
// WAL lets reads proceed while a write is in flight.
var openPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".ctrlplane", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".ctrlplane")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the workspace database with the pipeline's pragmas applied.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	params := make([]string, 0, len(openPragmas))
	for _, p := range openPragmas {
		params = append(params, "_pragma="+p)
	}
	dsn := fmt.Sprintf("file:%s?%s", dbPath(cfg.Workspace), strings.Join(params, "&"))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
