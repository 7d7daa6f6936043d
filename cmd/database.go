package cmd

import (
	"database/sql"

	"github.com/feminafit/ms-go-payments/app/migrations"
	"github.com/feminafit/ms-go-payments/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

func mustOpenDatabase(cfg *config.Config) *sql.DB {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(db, cfg.Database.Driver); err != nil {
			_ = db.Close()
			logrus.WithError(err).Fatal("Failed to apply migrations")
		}
	}

	return db
}
