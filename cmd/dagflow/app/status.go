package app

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dagflow-dev/dagflow/pkg/engine"
	"github.com/dagflow-dev/dagflow/pkg/store"
	"github.com/dagflow-dev/dagflow/pkg/store/postgres"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state of a run",
		Long: `Print the run, its per-step states, and aggregate metrics as JSON.
Works for running and finished runs alike.`,
		Args: cobra.ExactArgs(1),
		RunE: runStatus,
	}
	return cmd
}

// statusReport is the JSON shape printed by the status command.
type statusReport struct {
	Run     *store.Run        `json:"run"`
	Steps   []store.StepState `json:"steps"`
	Metrics *runMetricsReport `json:"metrics"`
}

type runMetricsReport struct {
	ExecutionTimeMS int64   `json:"execution_time_ms"`
	TotalTasks      int     `json:"total_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	TotalAttempts   int     `json:"total_attempts"`
	SuccessRate     float64 `json:"success_rate"`
	ErrorRate       float64 `json:"error_rate"`
	Throughput      float64 `json:"throughput"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing run ID %q: %w", args[0], err)
	}

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

	exec := engine.NewExecutor(postgres.New(db, nil))
	snap, err := exec.Status(ctx, runID)
	if err != nil {
		return err
	}
	metrics, err := exec.Metrics(ctx, runID)
	if err != nil {
		return err
	}

	report := statusReport{
		Run:   snap.Run,
		Steps: snap.Steps,
		Metrics: &runMetricsReport{
			ExecutionTimeMS: metrics.ExecutionTime.Milliseconds(),
			TotalTasks:      metrics.TotalTasks,
			CompletedTasks:  metrics.CompletedTasks,
			FailedTasks:     metrics.FailedTasks,
			TotalAttempts:   metrics.TotalAttempts,
			SuccessRate:     metrics.SuccessRate,
			ErrorRate:       metrics.ErrorRate,
			Throughput:      metrics.Throughput,
		},
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
