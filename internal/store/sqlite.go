package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// openSQLite opens the embedded file-backed store. Foreign-key enforcement
// is enabled at connection open via pragma, and writes are serialized on a
// single connection since SQLite allows one writer at a time.
func openSQLite(ctx context.Context, cfg Config) (*sql.DB, error) {
	path := cfg.URL
	if path == "" {
		path = DefaultDatabasePath
	}

	if !strings.HasPrefix(path, ":memory:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)"
	if strings.HasPrefix(path, ":memory:") {
		dsn = "file:" + url.PathEscape("agentgit") +
			"?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open embedded database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping embedded database: %w", err)
	}
	return db, nil
}
