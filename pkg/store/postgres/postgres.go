// Package postgres implements the store contract on top of the scheduler
// functions installed by the embedded migrations. Every Store method maps
// to a single SQL call, so each transition is atomic without any
// transaction management on the Go side.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dagflow-dev/dagflow/pkg/clock"
	"github.com/dagflow-dev/dagflow/pkg/store"
	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

// statementTimeout caps every scheduler call so a stuck transition cannot
// wedge a worker loop.
const statementTimeout = 15 * time.Second

// Store implements the persistence contract against Postgres.
type Store struct {
	db  *sql.DB
	ids clock.IDGen
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// New creates a Postgres-backed store. The schema must already be migrated.
func New(db *sql.DB, ids clock.IDGen) *Store {
	if ids == nil {
		ids = clock.NewIDGen()
	}
	return &Store{db: db, ids: ids}
}

var _ store.Store = (*Store)(nil)

// stepJSON is the wire shape create_run expects for each step.
type stepJSON struct {
	Slug           string   `json:"slug"`
	Index          int      `json:"index"`
	Type           string   `json:"type"`
	DependsOn      []string `json:"depends_on"`
	InitialTasks   int      `json:"initial_tasks"`
	MaxAttempts    int      `json:"max_attempts"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// CreateRun validates the definition, refreshes the stored workflow shape,
// and creates and starts the run in one database call.
func (s *Store) CreateRun(ctx context.Context, def *workflow.Definition, input map[string]any) (uuid.UUID, error) {
	if err := def.Validate(); err != nil {
		return uuid.Nil, err
	}

	steps := make([]stepJSON, 0, len(def.Steps()))
	for _, sd := range def.Steps() {
		deps := sd.DependsOn
		if deps == nil {
			deps = []string{}
		}
		steps = append(steps, stepJSON{
			Slug:           sd.Slug,
			Index:          sd.Index,
			Type:           string(sd.Type),
			DependsOn:      deps,
			InitialTasks:   sd.InitialTasks,
			MaxAttempts:    sd.MaxAttempts,
			TimeoutSeconds: sd.TimeoutSeconds,
		})
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding workflow shape: %w", err)
	}
	inputJSON, err := marshalMap(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding run input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	runID := s.ids.NewRunID()
	var created uuid.UUID
	err = s.db.QueryRowContext(ctx,
		`SELECT dagflow.create_run($1, $2, $3::jsonb, $4::jsonb)`,
		runID, def.Slug(), string(stepsJSON), string(inputJSON),
	).Scan(&created)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating run for workflow %s: %w", def.Slug(), err)
	}
	return created, nil
}

// StartReadySteps starts every step of the run whose dependencies have all
// completed and returns their slugs.
func (s *Store) StartReadySteps(ctx context.Context, runID uuid.UUID) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT dagflow.start_ready_steps($1)`, runID)
	if err != nil {
		return nil, fmt.Errorf("starting ready steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scanning started step: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// StartTasks claims the tasks behind msgIDs for workerID.
func (s *Store) StartTasks(ctx context.Context, workflowSlug string, msgIDs []int64, workerID string) ([]store.ClaimedTask, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_slug, task_index, input, msg_id
		 FROM dagflow.start_tasks($1, $2, $3)`,
		workflowSlug, msgIDs, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming tasks for workflow %s: %w", workflowSlug, err)
	}
	defer rows.Close()

	var claimed []store.ClaimedTask
	for rows.Next() {
		var (
			c     store.ClaimedTask
			input []byte
		)
		if err := rows.Scan(&c.RunID, &c.StepSlug, &c.TaskIndex, &input, &c.MsgID); err != nil {
			return nil, fmt.Errorf("scanning claimed task: %w", err)
		}
		if c.Input, err = unmarshalMap(input); err != nil {
			return nil, fmt.Errorf("decoding input of task %s[%d]: %w", c.StepSlug, c.TaskIndex, err)
		}
		claimed = append(claimed, c)
	}
	return claimed, rows.Err()
}

// CompleteTask records the task output and cascades completion.
func (s *Store) CompleteTask(ctx context.Context, runID uuid.UUID, stepSlug string, taskIndex int, output map[string]any) error {
	outputJSON, err := marshalMap(output)
	if err != nil {
		return fmt.Errorf("encoding output of task %s[%d]: %w", stepSlug, taskIndex, err)
	}

	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`SELECT * FROM dagflow.complete_task($1, $2, $3, $4::jsonb)`,
		runID, stepSlug, taskIndex, string(outputJSON),
	)
	if err != nil {
		return fmt.Errorf("completing task %s[%d] of run %s: %w", stepSlug, taskIndex, runID, err)
	}
	return nil
}

// FailTask records a task failure, requeueing while attempts remain.
func (s *Store) FailTask(ctx context.Context, runID uuid.UUID, stepSlug string, taskIndex int, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`SELECT * FROM dagflow.fail_task($1, $2, $3, $4)`,
		runID, stepSlug, taskIndex, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failing task %s[%d] of run %s: %w", stepSlug, taskIndex, runID, err)
	}
	return nil
}

// GetRun returns the run row.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var (
		r        store.Run
		input    []byte
		output   []byte
		errMsg   sql.NullString
		complete sql.NullTime
		failed   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_slug, status, input, output, remaining_steps,
		        error_message, started_at, completed_at, failed_at
		 FROM dagflow.workflow_runs WHERE run_id = $1`,
		runID,
	).Scan(&r.ID, &r.WorkflowSlug, &r.Status, &input, &output,
		&r.RemainingSteps, &errMsg, &r.StartedAt, &complete, &failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching run %s: %w", runID, err)
	}

	if r.Input, err = unmarshalMap(input); err != nil {
		return nil, fmt.Errorf("decoding input of run %s: %w", runID, err)
	}
	if output != nil {
		if r.Output, err = unmarshalMap(output); err != nil {
			return nil, fmt.Errorf("decoding output of run %s: %w", runID, err)
		}
	}
	r.ErrorMessage = errMsg.String
	r.CompletedAt = nullTime(complete)
	r.FailedAt = nullTime(failed)
	return &r, nil
}

// ListStepStates returns the run's step states in declaration order.
func (s *Store) ListStepStates(ctx context.Context, runID uuid.UUID) ([]store.StepState, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_slug, status, remaining_deps, initial_tasks,
		        remaining_tasks, attempts_count, error_message, created_at,
		        started_at, completed_at, failed_at
		 FROM dagflow.workflow_step_states
		 WHERE run_id = $1
		 ORDER BY step_index`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing step states of run %s: %w", runID, err)
	}
	defer rows.Close()

	var states []store.StepState
	for rows.Next() {
		var (
			st       store.StepState
			errMsg   sql.NullString
			started  sql.NullTime
			complete sql.NullTime
			failed   sql.NullTime
		)
		if err := rows.Scan(&st.RunID, &st.StepSlug, &st.Status, &st.RemainingDeps,
			&st.InitialTasks, &st.RemainingTasks, &st.AttemptsCount, &errMsg,
			&st.CreatedAt, &started, &complete, &failed); err != nil {
			return nil, fmt.Errorf("scanning step state: %w", err)
		}
		st.ErrorMessage = errMsg.String
		st.StartedAt = nullTime(started)
		st.CompletedAt = nullTime(complete)
		st.FailedAt = nullTime(failed)
		states = append(states, st)
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	return states, rows.Err()
}

// ListTasks returns one step's tasks in index order.
func (s *Store) ListTasks(ctx context.Context, runID uuid.UUID, stepSlug string) ([]store.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_slug, task_index, workflow_slug, status, input,
		        output, error_message, attempts_count, max_attempts,
		        claimed_by, claimed_at, queued_at, completed_at, failed_at
		 FROM dagflow.workflow_step_tasks
		 WHERE run_id = $1 AND step_slug = $2
		 ORDER BY task_index`,
		runID, stepSlug,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tasks of %s/%s: %w", runID, stepSlug, err)
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		var (
			t         store.Task
			input     []byte
			output    []byte
			errMsg    sql.NullString
			claimedBy sql.NullString
			claimedAt sql.NullTime
			complete  sql.NullTime
			failed    sql.NullTime
		)
		if err := rows.Scan(&t.RunID, &t.StepSlug, &t.TaskIndex, &t.WorkflowSlug,
			&t.Status, &input, &output, &errMsg, &t.AttemptsCount, &t.MaxAttempts,
			&claimedBy, &claimedAt, &t.QueuedAt, &complete, &failed); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if t.Input, err = unmarshalMap(input); err != nil {
			return nil, fmt.Errorf("decoding input of task %s[%d]: %w", t.StepSlug, t.TaskIndex, err)
		}
		if output != nil {
			if t.Output, err = unmarshalMap(output); err != nil {
				return nil, fmt.Errorf("decoding output of task %s[%d]: %w", t.StepSlug, t.TaskIndex, err)
			}
		}
		t.ErrorMessage = errMsg.String
		t.ClaimedBy = claimedBy.String
		t.ClaimedAt = nullTime(claimedAt)
		t.CompletedAt = nullTime(complete)
		t.FailedAt = nullTime(failed)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
