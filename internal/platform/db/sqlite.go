package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLitePrefix marks a DATABASE_URL served by the embedded SQLite backend.
const SQLitePrefix = "sqlite:"

// IsSQLiteURL reports whether databaseURL selects the SQLite backend.
func IsSQLiteURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, SQLitePrefix)
}

// OpenSQLite opens the embedded store. path is a file path or ":memory:".
// The handle is limited to one connection: SQLite serializes writers anyway
// and an in-memory database exists per connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	path = strings.TrimPrefix(path, SQLitePrefix)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// LIKE must be case-sensitive to agree with PostgreSQL.
	if err := gdb.Exec("PRAGMA case_sensitive_like = ON").Error; err != nil {
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return gdb, nil
}

// IsSQLiteBusy reports whether err is a lock contention error from SQLite.
func IsSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
