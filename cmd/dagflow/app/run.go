package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dagflow-dev/dagflow/pkg/engine"
	"github.com/dagflow-dev/dagflow/pkg/store/postgres"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a workflow run",
		Long: `Start a run of a registered workflow. By default the command returns the
run ID immediately; with --wait it blocks until the run finishes and
prints the run output as JSON. Workers must be running for the run to
make progress.`,
		RunE: runRun,
	}

	cmd.Flags().String("workflow", "", "Workflow slug to run (required)")
	cmd.Flags().String("input", "{}", "Run input as a JSON object")
	cmd.Flags().Bool("wait", false, "Block until the run finishes")
	cmd.Flags().Duration("timeout", 5*time.Minute, "How long --wait blocks before giving up")
	_ = cmd.MarkFlagRequired("workflow")

	for _, flag := range []string{"workflow", "input", "wait", "timeout"} {
		if err := viper.BindPFlag("run."+flag, cmd.Flags().Lookup(flag)); err != nil {
			return cmd
		}
	}
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	dsn, err := databaseURL()
	if err != nil {
		return err
	}

	def, err := registry.Get(viper.GetString("run.workflow"))
	if err != nil {
		return err
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(viper.GetString("run.input")), &input); err != nil {
		return fmt.Errorf("parsing --input: %w", err)
	}

	ctx := cmd.Context()
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	exec := engine.NewExecutor(postgres.New(db, nil))
	runID, err := exec.Start(ctx, def, input)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), runID)

	if !viper.GetBool("run.wait") {
		return nil
	}

	run, err := exec.Await(ctx, runID, viper.GetDuration("run.timeout"))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(run.Output, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
