package db

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/settlement/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var ErrUnsupportedDialect = errors.New("unsupported_db_type")

// Dialect selects the gorm dialector for DATABASE_TYPE. Only postgres and
// sqlite understand the ON CONFLICT statements the repositories issue, so
// mysql is refused here rather than failing on the first upsert.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		name := cfg.DBName
		if name == "" || name == "postgres" {
			name = "settlement.db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, cfg.DBType)
	}
}

// SupportsRowLocks reports whether the dialect understands FOR UPDATE
// clauses. SQLite serializes writers instead.
func SupportsRowLocks(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	switch db.Dialector.Name() {
	case "postgres":
		return true
	default:
		return false
	}
}

// ForUpdate returns the blocking row-lock suffix for the dialect.
func ForUpdate(db *gorm.DB) string {
	if !SupportsRowLocks(db) {
		return ""
	}
	return " FOR UPDATE"
}

// ForUpdateNoWait returns a row-lock suffix that fails immediately when the
// row is held by another transaction.
func ForUpdateNoWait(db *gorm.DB) string {
	if !SupportsRowLocks(db) {
		return ""
	}
	return " FOR UPDATE NOWAIT"
}

// ForUpdateSkipLocked returns a row-lock suffix that skips held rows, used
// by sweeps that claim work.
func ForUpdateSkipLocked(db *gorm.DB) string {
	if !SupportsRowLocks(db) {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}
