package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dagflow-dev/dagflow/pkg/engine"
	"github.com/dagflow-dev/dagflow/pkg/queue"
	"github.com/dagflow-dev/dagflow/pkg/store/postgres"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker for one workflow",
		Long: `Poll the workflow's queue and execute its tasks until interrupted.
Workers are stateless; start as many as the load needs. The workflow must
be registered in this binary.`,
		RunE: runWorker,
	}

	defaults := engine.DefaultWorkerConfig()
	cmd.Flags().String("workflow", "", "Workflow slug to serve (required)")
	cmd.Flags().Int("batch-size", defaults.BatchSize, "Messages claimed per poll")
	cmd.Flags().Int("max-concurrency", defaults.MaxConcurrency, "Tasks executed in parallel")
	cmd.Flags().Duration("visibility-timeout", defaults.VisibilityTimeout, "How long claimed messages stay invisible")
	cmd.Flags().Duration("max-poll", defaults.MaxPoll, "How long one poll cycle blocks")
	cmd.Flags().Duration("poll-interval", defaults.PollInterval, "Sleep between queue re-checks")
	_ = cmd.MarkFlagRequired("workflow")

	for _, flag := range []string{
		"workflow", "batch-size", "max-concurrency",
		"visibility-timeout", "max-poll", "poll-interval",
	} {
		if err := viper.BindPFlag("worker."+flag, cmd.Flags().Lookup(flag)); err != nil {
			return cmd
		}
	}
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	dsn, err := databaseURL()
	if err != nil {
		return err
	}

	def, err := registry.Get(viper.GetString("worker.workflow"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	w := engine.NewWorker(def, postgres.New(db, nil), queue.NewPostgresQueue(db, nil),
		engine.WithWorkerConfig(engine.WorkerConfig{
			BatchSize:         viper.GetInt("worker.batch-size"),
			MaxConcurrency:    viper.GetInt("worker.max-concurrency"),
			VisibilityTimeout: viper.GetDuration("worker.visibility-timeout"),
			MaxPoll:           viper.GetDuration("worker.max-poll"),
			PollInterval:      viper.GetDuration("worker.poll-interval"),
		}))

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
