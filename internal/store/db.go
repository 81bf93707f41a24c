package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// pragmas are applied by the sqlite3 driver to every pooled connection.
var pragmas = url.Values{
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
}

// DB wraps the profile's chatsync.db, which holds drafts and the contact
// cache. Messages are not stored locally; the server is authoritative.
type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path, creating its directory if needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	sqlDB, err := sql.Open("sqlite3", path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Path is the file the database was opened from.
func (db *DB) Path() string { return db.path }
