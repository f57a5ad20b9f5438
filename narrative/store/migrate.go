package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// Migrate applies the embedded schema migrations for driver.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	driver, err := NormalizeDriver(driver)
	if err != nil {
		return err
	}
	dialect := "postgres"
	if driver == DriverSQLite {
		dialect = "sqlite3"
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetLogger(gooseLogger{})
	goose.SetBaseFS(migrationFiles)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// gooseLogger routes goose output through zerolog.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	log.Info().Str("component", "migrate").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (gooseLogger) Print(v ...any) {
	log.Info().Str("component", "migrate").Msg(strings.TrimSpace(fmt.Sprint(v...)))
}

func (gooseLogger) Println(v ...any) { gooseLogger{}.Print(v...) }

func (gooseLogger) Fatalf(format string, v ...any) {
	log.Fatal().Str("component", "migrate").Msgf(format, v...)
}

func (gooseLogger) Fatal(v ...any) {
	log.Fatal().Str("component", "migrate").Msg(fmt.Sprint(v...))
}
