// Package store is the durable datastore of the analyzer: the theme catalog, transcripts,
// analysis results with their quotes, and the batch checkpoint. It runs on SQLite (modernc)
// or Postgres (pgx) through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // registers "sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var ErrUnknownDriver = errors.New("unknown database driver")

// Options controls pool and connectivity behavior.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultOptions suits a single batch process. SQLite gets one long-lived connection;
// its pragmas travel in the DSN so a replacement connection carries them too.
func DefaultOptions(driver string) Options {
	if driver == DriverSQLite {
		return Options{
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			PingTimeout:  5 * time.Second,
		}
	}
	return Options{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     5 * time.Second,
	}
}

// NormalizeDriver maps user-facing driver names onto registered database/sql drivers.
func NormalizeDriver(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDriver, name)
}

var openDB = sql.Open

// Open connects and verifies connectivity. A failure here is a setup error: nothing has
// been attempted yet.
func Open(ctx context.Context, driver, dsn string, opts Options) (*sql.DB, error) {
	driver, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is empty")
	}

	if driver == DriverSQLite {
		dsn = withSQLitePragmas(dsn)
	}
	db, err := openDB(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applyOptions(db, opts)

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	stats := db.Stats()
	log.Debug().
		Str("driver", driver).
		Int("open", stats.OpenConnections).
		Int("max_open", stats.MaxOpenConnections).
		Msg("database ready")
	return db, nil
}

// sqlitePragmas run on every new connection. The driver applies busy_timeout first.
var sqlitePragmas = []struct{ name, value string }{
	{"busy_timeout", "5000"},
	{"foreign_keys", "1"},
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
}

// withSQLitePragmas appends the default pragmas as _pragma query parameters, leaving any
// pragma the DSN already sets alone.
func withSQLitePragmas(dsn string) string {
	lower := strings.ToLower(dsn)
	q := url.Values{}
	for _, p := range sqlitePragmas {
		if strings.Contains(lower, "_pragma="+p.name) {
			continue
		}
		q.Add("_pragma", p.name+"("+p.value+")")
	}
	if len(q) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + q.Encode()
}

func applyOptions(db *sql.DB, opts Options) {
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
}
