package cmd

import (
	"database/sql"

	"github.com/feminafit/ms-go-payments/app/migrations"
	"github.com/feminafit/ms-go-payments/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the payments database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(_ *cobra.Command, _ []string) {
		runMigration("migrate_up", migrations.Up)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(_ *cobra.Command, _ []string) {
		runMigration("migrate_down", migrations.Down)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the applied state of every migration",
	Run: func(_ *cobra.Command, _ []string) {
		runMigration("migrate_status", migrations.Status)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runMigration(name string, fn func(db *sql.DB, driver string) error) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	// Status and down must see the schema as found.
	cfg.Database.AutoMigrate = false
	db := mustOpenDatabase(cfg)
	defer func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}()

	log := logrus.WithField("migration", name).WithField("driver", cfg.Database.Driver)
	if err := fn(db, cfg.Database.Driver); err != nil {
		log.WithError(err).Fatal("Migration failed")
	}
	log.Info("Migration finished")
}
