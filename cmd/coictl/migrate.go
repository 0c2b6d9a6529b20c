package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-workflow/internal/bootstrap"
	"github.com/noah-isme/coi-workflow/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  `Apply the embedded schema to the configured Postgres database. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreDriver == config.StoreDriverMemory {
			return fmt.Errorf("migrate needs the postgres store")
		}
		store, err := bootstrap.OpenStore(rootCtx, cfg, log, true)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		fmt.Printf("schema applied to %s@%s/%s\n", cfg.Database.User, cfg.Database.Host, cfg.Database.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
