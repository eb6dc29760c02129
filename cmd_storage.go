package main

import (
	"errors"

	"github.com/spf13/cobra"

	"pipeline-board/config"
	"pipeline-board/storage"
)

func migrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("missing DATABASE_URL")
			}
			logger := newLogger(cfg)
			db, err := storage.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.ApplyMigrations(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func initStorageCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the Azure tables and events queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			if cfg.StorageConnString == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			logger := newLogger(cfg)
			logger.Info("storage init starting")
			if err := storage.Provision(cmd.Context(), cfg.StorageConnString, cfg.Tables, logger); err != nil {
				return err
			}
			logger.Info("storage init complete")
			return nil
		},
	}
}
