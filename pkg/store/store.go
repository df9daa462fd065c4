// Package store defines the persistence contract for workflow runs: the
// run initializer, the DAG scheduler transitions, and the read surface the
// facade builds status and metrics from.
//
// The database is the ordering authority. Every scheduler method runs its
// transition atomically; workers coordinate exclusively through these
// calls and the queue, never through shared memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

// Run status values.
type RunStatus string

const (
	// RunStatusStarted is the initial state of a run.
	RunStatusStarted RunStatus = "started"

	// RunStatusCompleted means every step completed and the output is set.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed means a task exhausted its attempts.
	RunStatusFailed RunStatus = "failed"
)

// StepStatus values for per-run step states.
type StepStatus string

const (
	// StepStatusCreated means the step waits on unfinished parents.
	StepStatusCreated StepStatus = "created"

	// StepStatusStarted means the step's tasks are materialized.
	StepStatusStarted StepStatus = "started"

	// StepStatusCompleted means all of the step's tasks completed.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed means one of the step's tasks failed permanently.
	StepStatusFailed StepStatus = "failed"
)

// TaskStatus values for individual tasks.
type TaskStatus string

const (
	// TaskStatusQueued means the task awaits a claim.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusStarted means a worker holds the claim.
	TaskStatusStarted TaskStatus = "started"

	// TaskStatusCompleted means the task produced an output.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed means the task exhausted its attempts.
	TaskStatusFailed TaskStatus = "failed"
)

// Run is a single execution instance of a workflow.
type Run struct {
	ID             uuid.UUID
	WorkflowSlug   string
	Status         RunStatus
	Input          map[string]any
	Output         map[string]any
	RemainingSteps int
	ErrorMessage   string
	StartedAt      time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
}

// StepState is the per-run state of one step.
type StepState struct {
	RunID          uuid.UUID
	StepSlug       string
	Status         StepStatus
	RemainingDeps  int
	InitialTasks   int
	RemainingTasks int

	// AttemptsCount totals the claim attempts across the step's tasks,
	// incremented whenever one of them is claimed.
	AttemptsCount int

	ErrorMessage string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
}

// Task is the unit of execution: one invocation of a user step function.
type Task struct {
	RunID         uuid.UUID
	StepSlug      string
	TaskIndex     int
	WorkflowSlug  string
	Status        TaskStatus
	Input         map[string]any
	Output        map[string]any
	ErrorMessage  string
	AttemptsCount int
	MaxAttempts   int
	ClaimedBy     string
	ClaimedAt     *time.Time
	QueuedAt      time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
}

// TaskMessage is the queue payload identifying one task.
type TaskMessage struct {
	RunID     uuid.UUID `json:"run_id"`
	StepSlug  string    `json:"step_slug"`
	TaskIndex int       `json:"task_index"`
}

// ClaimedTask is returned by StartTasks for every message whose task was
// successfully claimed.
type ClaimedTask struct {
	RunID     uuid.UUID
	StepSlug  string
	TaskIndex int
	Input     map[string]any

	// MsgID is the queue message that delivered the task; CompleteTask
	// acknowledges it.
	MsgID int64
}

// Errors surfaced by stores. Check with errors.Is.
var (
	// ErrRunNotFound indicates an unknown run ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound indicates an unknown (run, step, index) triple.
	ErrTaskNotFound = errors.New("task not found")
)

// Store is the persistence and scheduling contract. Implementations:
// postgres (stored procedures over pgx) and memory (embedded, used by
// tests and single-process mode).
type Store interface {
	// CreateRun persists a new run for def with the given input: the run
	// row, one step state per step with remaining_deps preset, the
	// per-run dependency edges, the workflow's queue, and the initial
	// StartReadySteps call. Atomic; on error nothing is visible.
	CreateRun(ctx context.Context, def *workflow.Definition, input map[string]any) (uuid.UUID, error)

	// StartReadySteps starts every step of the run whose remaining_deps
	// is zero: materializes its tasks with merged inputs, enqueues one
	// message per task, and returns the awakened step slugs. Steps with
	// zero initial tasks complete immediately and cascade.
	StartReadySteps(ctx context.Context, runID uuid.UUID) ([]string, error)

	// StartTasks claims the tasks behind msgIDs for workerID. Tasks
	// already claimed elsewhere are skipped. Each successful claim moves
	// the task to started and increments attempts_count.
	StartTasks(ctx context.Context, workflowSlug string, msgIDs []int64, workerID string) ([]ClaimedTask, error)

	// CompleteTask records a task's output and cascades: decrements the
	// step's remaining_tasks, completes the step when it hits zero,
	// notifies children, completes the run when its last step finishes,
	// starts newly-ready steps, and acknowledges the queue message.
	// Calling it again for an already-completed task is a no-op.
	CompleteTask(ctx context.Context, runID uuid.UUID, stepSlug string, taskIndex int, output map[string]any) error

	// FailTask records a task failure. While attempts remain the task is
	// requeued; otherwise task, step, and run fail atomically.
	FailTask(ctx context.Context, runID uuid.UUID, stepSlug string, taskIndex int, errMsg string) error

	// GetRun returns the run row, or ErrRunNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (*Run, error)

	// ListStepStates returns the run's step states in step order.
	ListStepStates(ctx context.Context, runID uuid.UUID) ([]StepState, error)

	// ListTasks returns the tasks of one step in index order.
	ListTasks(ctx context.Context, runID uuid.UUID, stepSlug string) ([]Task, error)
}
