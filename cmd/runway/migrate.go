package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/madhatter5501/runway/internal/config"
	"github.com/madhatter5501/runway/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Opens the control database and applies any pending schema migrations.
Opening the database always migrates, so this exists for provisioning steps
that want migrations run (and verified) before the server starts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		version, err := database.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Database %s at schema version %d\n", database.Path(), version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
