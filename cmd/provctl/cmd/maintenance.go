package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/templui/provenance/internal/app"
	"github.com/templui/provenance/internal/config"
	"github.com/templui/provenance/internal/db"
	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/logger"
	"github.com/templui/provenance/internal/repository"
	"github.com/templui/provenance/internal/storage"
)

func loadApp() (*app.App, error) {
	cfg := config.Load()
	logger.Init(cfg.IsDevelopment(), cfg.SentryDSN)
	return app.New(cfg)
}

func SweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired anonymous uploads once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(10 * time.Second) }()

			result, err := a.CleanupService.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d files (%d bytes) in %s, %d errors\n",
				result.RemovedFiles, result.FreedSpace, result.Duration, result.Errors)
			return nil
		},
	}
}

func EvictCmd() *cobra.Command {
	var storageID string
	var target int64
	var keepRecent time.Duration

	evictCmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove the oldest objects of a storage identity until it fits the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storageID == "" {
				return fmt.Errorf("--storage-id is required")
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(10 * time.Second) }()

			if keepRecent == 0 {
				keepRecent = a.Cfg.EvictKeepRecent
			}
			result, err := a.BucketService.EvictToTarget(cmd.Context(), storageID, target, keepRecent)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d objects (%d bytes), %d bytes remain\n",
				result.RemovedFiles, result.FreedSpace, result.RemainingUsage)
			return nil
		},
	}
	evictCmd.Flags().StringVar(&storageID, "storage-id", "", "Owner id, or \"anonymous\" for the shared pool")
	evictCmd.Flags().Int64Var(&target, "target", 0, "Target size in bytes")
	evictCmd.Flags().DurationVar(&keepRecent, "keep-recent", 0, "Never evict objects younger than this, defaults to EVICT_KEEP_RECENT")

	return evictCmd
}

func ReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Copy every identity record from the bucket index into the SQL catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			logger.Init(cfg.IsDevelopment(), cfg.SentryDSN)
			if err := requireCatalog(cfg); err != nil {
				return err
			}

			store, err := storage.New(cfg)
			if err != nil {
				return err
			}
			database, err := db.Open(ctx, cfg.CatalogDriver, cfg.DBConnection)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(database) }()
			if err := db.Migrate(ctx, database.DB, cfg.CatalogDriver); err != nil {
				return err
			}

			fingerprints := repository.NewFingerprintRepository(database)
			idx := index.New(store, logger.For("index"))
			count := 0
			for identity, err := range idx.All(ctx) {
				if err != nil {
					return err
				}
				if err := fingerprints.SaveIdentity(ctx, identity); err != nil {
					return fmt.Errorf("save %s: %w", identity.ContentHash, err)
				}
				count++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d identities\n", count)
			return nil
		},
	}
}
