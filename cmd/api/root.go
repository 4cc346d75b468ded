package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/utilities"
)

// app holds what every subcommand needs once the root has run.
type app struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	dbCfg  database.Config
}

// NewRootCommand creates the identity-link CLI.
func NewRootCommand() *cobra.Command {
	a := &app{}
	var dbDriver, dbURL string

	cmd := &cobra.Command{
		Use:           "identity-link",
		Short:         "Chat identity resolution and account linking service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lg, err := utilities.Init(utilities.ConfigFromEnv())
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a.logger, a.sugar = lg, lg.Sugar()
			a.dbCfg = database.ConfigFromEnv()
			if dbDriver != "" {
				a.dbCfg.Driver = dbDriver
			}
			if dbURL != "" {
				a.dbCfg.DSN = dbURL
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "database driver (postgres|sqlite3), overrides DATABASE_DRIVER")
	cmd.PersistentFlags().StringVar(&dbURL, "db", "", "database DSN or SQLite path, overrides DATABASE_URL")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newSweepCommand(a))
	return cmd
}

func (a *app) openDB() (*sqlx.DB, error) {
	db, err := database.Open(a.dbCfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a.sugar.Infow("database opened", "driver", a.dbCfg.Driver)
	return db, nil
}
