package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed sql/mysql/*.sql sql/sqlite3/*.sql
var files embed.FS

// goose keeps its dialect and filesystem in package state.
var mu sync.Mutex

// Up applies every pending migration for the given driver name.
func Up(db *sql.DB, driver string) error {
	return run(db, driver, func(dir string) error {
		return goose.Up(db, dir)
	})
}

// Down rolls back the most recent migration.
func Down(db *sql.DB, driver string) error {
	return run(db, driver, func(dir string) error {
		return goose.Down(db, dir)
	})
}

func Status(db *sql.DB, driver string) error {
	return run(db, driver, func(dir string) error {
		return goose.Status(db, dir)
	})
}

func run(db *sql.DB, driver string, fn func(dir string) error) error {
	if db == nil {
		return fmt.Errorf("migrations: nil database")
	}

	var dir string
	switch driver {
	case "mysql":
		dir = "sql/mysql"
	case "sqlite3":
		dir = "sql/sqlite3"
	default:
		return fmt.Errorf("migrations: unsupported driver %q", driver)
	}

	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(files)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(driver); err != nil {
		return err
	}

	return fn(dir)
}
