// Package app provides the entry point for the dagflow command-line
// application. Programs embedding the engine build their own binary by
// registering their workflows and handing the registry to NewRootCmd.
package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dagflow-dev/dagflow/pkg/logger"
	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

// registry holds the workflows this binary can run and serve.
var registry = workflow.NewRegistry()

var rootCmd = &cobra.Command{
	Use:               "dagflow",
	DisableAutoGenTag: true,
	Short:             "dagflow is a durable DAG workflow engine backed by Postgres",
	Long: `dagflow runs workflows defined as DAGs of steps. All coordination state
lives in Postgres: runs, step states, tasks, and the message queue that
hands tasks to workers. Workers are stateless and can be scaled by simply
starting more of them.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize(viper.GetBool("debug"))
	},
}

// NewRootCmd creates the root command. reg supplies the workflows served by
// the worker and run subcommands; pass an empty registry for a binary that
// only migrates and inspects.
func NewRootCmd(reg *workflow.Registry) *cobra.Command {
	if reg != nil {
		registry = reg
	}

	// Flags resolve through viper so every option can also come from the
	// environment as DAGFLOW_<FLAG> with dashes mapped to underscores.
	viper.SetEnvPrefix("DAGFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	if err := viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url")); err != nil {
		logger.Errorf("Error binding database-url flag: %v", err)
	}

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

// databaseURL resolves the connection string or fails with a usage hint.
func databaseURL() (string, error) {
	dsn := viper.GetString("database-url")
	if dsn == "" {
		return "", fmt.Errorf("no database configured, set --database-url or DAGFLOW_DATABASE_URL")
	}
	return dsn, nil
}
