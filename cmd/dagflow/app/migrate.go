package app

import (
	"github.com/spf13/cobra"

	"github.com/dagflow-dev/dagflow/pkg/logger"
	"github.com/dagflow-dev/dagflow/pkg/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply all pending schema migrations: the dagflow tables, the embedded
message queue functions, and the scheduler functions. Safe to run
repeatedly; already-applied migrations are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := databaseURL()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := postgres.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("database is up to date")
			return nil
		},
	}
}
