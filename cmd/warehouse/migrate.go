package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketwarehouse/internal/config"
	"github.com/sawpanic/marketwarehouse/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the warehouse's embedded schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.ApplySchema(context.Background(), db, store.Schema); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}
