package main

import (
	"errors"

	"github.com/spf13/cobra"

	"relay/internal/store"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back database migrations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return errors.New("database.url (RELAY_DATABASE_URL) is required")
		}
		dir := "up"
		if len(args) == 1 {
			dir = args[0]
		}
		var v uint
		switch dir {
		case "up":
			v, err = store.Migrate(cfg.Database.URL)
		case "down":
			v, err = store.MigrateDown(cfg.Database.URL, migrateSteps)
		default:
			return errors.New("direction must be up or down")
		}
		if err != nil {
			return err
		}
		log.WithField("version", v).Info("migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 1, "migrations to roll back with down")
}
