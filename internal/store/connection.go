package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	xerrors "PluginHost/internal/errors"
)

// Dialects understood by SQLStore.
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLConfig describes the database behind a SQLStore.
type SQLConfig struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg SQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "store DSN must not be empty")
	}

	driver, dsn := "mysql", cfg.DSN
	switch cfg.Dialect {
	case DialectMySQL:
	case DialectSQLite:
		driver, dsn = "sqlite3", sqliteDSN(cfg.DSN)
	default:
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "unsupported SQL dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodeStorageFailure, err, "open %s", cfg.Dialect)
	}

	if cfg.Dialect == DialectSQLite {
		// One writer, and every connection of a :memory: database is a new database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else if cfg.Dialect == DialectMySQL {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrapf(xerrors.CodeStorageFailure, err, "connect to %s", cfg.Dialect)
	}
	return db, nil
}

// sqliteDSN turns a bare path into a file URI with a busy timeout and WAL.
func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"
}
