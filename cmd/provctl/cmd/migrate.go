package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/templui/provenance/internal/config"
	"github.com/templui/provenance/internal/db"
)

func MigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL fingerprint catalog schema",
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := requireCatalog(cfg); err != nil {
				return err
			}
			database, err := db.Open(cmd.Context(), cfg.CatalogDriver, cfg.DBConnection)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(database) }()
			return db.Migrate(cmd.Context(), database.DB, cfg.CatalogDriver)
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := requireCatalog(cfg); err != nil {
				return err
			}
			database, err := db.Open(cmd.Context(), cfg.CatalogDriver, cfg.DBConnection)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(database) }()
			return db.Rollback(cmd.Context(), database.DB, cfg.CatalogDriver)
		},
	})

	return migrateCmd
}

func requireCatalog(cfg *config.Config) error {
	switch cfg.CatalogDriver {
	case "sqlite", "pgx":
		return nil
	default:
		return fmt.Errorf("CATALOG_DRIVER is %q, set it to sqlite or pgx", cfg.CatalogDriver)
	}
}
