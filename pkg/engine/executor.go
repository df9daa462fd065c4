// Package engine runs workflows: the worker loop that executes tasks and
// the executor facade that starts runs, waits for them, and reports status.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dagflow-dev/dagflow/pkg/clock"
	"github.com/dagflow-dev/dagflow/pkg/logger"
	"github.com/dagflow-dev/dagflow/pkg/store"
	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

// defaultAwaitPoll is how often Await re-reads the run.
const defaultAwaitPoll = 100 * time.Millisecond

// Executor is the client-facing facade. It only touches the store; task
// execution happens in whatever workers poll the workflow's queue.
type Executor struct {
	store     store.Store
	clk       clock.Clock
	awaitPoll time.Duration
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock injects a clock, used by tests.
func WithExecutorClock(clk clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clk = clk }
}

// WithAwaitPollInterval overrides how often Await polls the run state.
func WithAwaitPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.awaitPoll = d }
}

// NewExecutor creates an executor over st.
func NewExecutor(st store.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     st,
		clk:       clock.New(),
		awaitPoll: defaultAwaitPoll,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates the definition, creates the run, and returns immediately
// with its ID. Root steps are queued before Start returns.
func (e *Executor) Start(ctx context.Context, def *workflow.Definition, input map[string]any) (uuid.UUID, error) {
	runID, err := e.store.CreateRun(ctx, def, input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("starting workflow %s: %w", def.Slug(), err)
	}
	logger.Infow("run started", "workflow", def.Slug(), "run_id", runID)
	return runID, nil
}

// Await blocks until the run reaches a terminal state or timeout passes.
// A failed run returns the run alongside ErrRunFailed; hitting the deadline
// returns the latest snapshot alongside ErrInProgress while the run keeps
// executing in the background.
func (e *Executor) Await(ctx context.Context, runID uuid.UUID, timeout time.Duration) (*store.Run, error) {
	deadline := e.clk.Now().Add(timeout)
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case store.RunStatusCompleted:
			return run, nil
		case store.RunStatusFailed:
			return run, fmt.Errorf("%w: %s", ErrRunFailed, run.ErrorMessage)
		case store.RunStatusStarted:
		}

		if !e.clk.Now().Add(e.awaitPoll).Before(deadline) {
			return run, fmt.Errorf("%w: run %s", ErrInProgress, runID)
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-e.clk.After(e.awaitPoll):
		}
	}
}

// Execute starts the workflow and waits for its output.
func (e *Executor) Execute(ctx context.Context, def *workflow.Definition, input map[string]any, timeout time.Duration) (map[string]any, error) {
	runID, err := e.Start(ctx, def, input)
	if err != nil {
		return nil, err
	}
	run, err := e.Await(ctx, runID, timeout)
	if err != nil {
		return nil, err
	}
	return run.Output, nil
}

// RunSnapshot is the full observable state of one run.
type RunSnapshot struct {
	Run   *store.Run
	Steps []store.StepState
}

// Status returns the run and its step states.
func (e *Executor) Status(ctx context.Context, runID uuid.UUID) (*RunSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepStates(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{Run: run, Steps: steps}, nil
}

// RunMetrics aggregates task-level accounting for one run.
type RunMetrics struct {
	// ExecutionTime is terminal-timestamp minus start for finished runs,
	// elapsed-so-far for running ones.
	ExecutionTime time.Duration

	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	TotalAttempts  int

	// SuccessRate is completed tasks over total tasks.
	SuccessRate float64

	// ErrorRate is failed attempts over total attempts; a task that
	// succeeded on its third attempt contributes two failed attempts.
	ErrorRate float64

	// Throughput is completed tasks per second of run wall time.
	Throughput float64
}

// Metrics computes run metrics from the stored task rows.
func (e *Executor) Metrics(ctx context.Context, runID uuid.UUID) (*RunMetrics, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepStates(ctx, runID)
	if err != nil {
		return nil, err
	}

	m := &RunMetrics{}
	for _, st := range steps {
		tasks, err := e.store.ListTasks(ctx, runID, st.StepSlug)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			m.TotalTasks++
			m.TotalAttempts += t.AttemptsCount
			switch t.Status {
			case store.TaskStatusCompleted:
				m.CompletedTasks++
			case store.TaskStatusFailed:
				m.FailedTasks++
			case store.TaskStatusQueued, store.TaskStatusStarted:
			}
		}
	}

	switch {
	case run.CompletedAt != nil:
		m.ExecutionTime = run.CompletedAt.Sub(run.StartedAt)
	case run.FailedAt != nil:
		m.ExecutionTime = run.FailedAt.Sub(run.StartedAt)
	default:
		m.ExecutionTime = e.clk.Since(run.StartedAt)
	}

	if m.TotalTasks > 0 {
		m.SuccessRate = float64(m.CompletedTasks) / float64(m.TotalTasks)
	}
	if m.TotalAttempts > 0 {
		// Every completed task consumed exactly one successful attempt.
		m.ErrorRate = float64(m.TotalAttempts-m.CompletedTasks) / float64(m.TotalAttempts)
	}
	if secs := m.ExecutionTime.Seconds(); secs > 0 {
		m.Throughput = float64(m.CompletedTasks) / secs
	}
	return m, nil
}
