package main

import (
	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/database"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			a.sugar.Info("schema is up to date")
			return nil
		},
	}
}
