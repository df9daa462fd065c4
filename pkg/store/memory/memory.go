// Package memory implements the store contract entirely in process. It
// mirrors the Postgres implementation's transition semantics exactly, so
// tests and the embedded single-process mode observe the same behavior a
// database-backed deployment would.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dagflow-dev/dagflow/pkg/clock"
	"github.com/dagflow-dev/dagflow/pkg/logger"
	"github.com/dagflow-dev/dagflow/pkg/queue"
	"github.com/dagflow-dev/dagflow/pkg/store"
	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

type memTask struct {
	task  store.Task
	msgID int64
}

type memStep struct {
	state  store.StepState
	def    *workflow.StepDef
	output map[string]any
	tasks  []*memTask
}

type memRun struct {
	run      store.Run
	order    []string
	steps    map[string]*memStep
	children map[string][]string
	leaves   []string
}

// Store holds every run behind one mutex; each exported method is one
// atomic transition, matching the per-call transaction boundary of the
// Postgres implementation.
type Store struct {
	mu   sync.Mutex
	q    queue.Queue
	clk  clock.Clock
	ids  clock.IDGen
	runs map[uuid.UUID]*memRun
}

// New creates an in-memory store that enqueues task messages on q.
func New(q queue.Queue, clk clock.Clock, ids clock.IDGen) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if ids == nil {
		ids = clock.NewIDGen()
	}
	return &Store{
		q:    q,
		clk:  clk,
		ids:  ids,
		runs: make(map[uuid.UUID]*memRun),
	}
}

var _ store.Store = (*Store)(nil)

// CreateRun materializes the run, its step states, and the dependency
// edges, then starts every root step.
func (s *Store) CreateRun(ctx context.Context, def *workflow.Definition, input map[string]any) (uuid.UUID, error) {
	if err := def.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := s.q.Ensure(ctx, def.Slug()); err != nil {
		return uuid.Nil, fmt.Errorf("ensuring queue for workflow %s: %w", def.Slug(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	runID := s.ids.NewRunID()

	r := &memRun{
		run: store.Run{
			ID:             runID,
			WorkflowSlug:   def.Slug(),
			Status:         store.RunStatusStarted,
			Input:          store.MergeMaps(input),
			RemainingSteps: len(def.Steps()),
			StartedAt:      now,
		},
		steps:    make(map[string]*memStep),
		children: make(map[string][]string),
	}
	for _, leaf := range def.Leaves() {
		r.leaves = append(r.leaves, leaf.Slug)
	}

	for _, sd := range def.Steps() {
		r.order = append(r.order, sd.Slug)
		r.steps[sd.Slug] = &memStep{
			state: store.StepState{
				RunID:          runID,
				StepSlug:       sd.Slug,
				Status:         store.StepStatusCreated,
				RemainingDeps:  len(sd.DependsOn),
				InitialTasks:   sd.InitialTasks,
				RemainingTasks: sd.InitialTasks,
				CreatedAt:      now,
			},
			def: sd,
		}
		for _, parent := range sd.DependsOn {
			r.children[parent] = append(r.children[parent], sd.Slug)
		}
	}

	s.runs[runID] = r
	if _, err := s.startReadyLocked(ctx, r); err != nil {
		delete(s.runs, runID)
		return uuid.Nil, err
	}
	return runID, nil
}

// StartReadySteps starts every step whose dependencies have all completed.
func (s *Store) StartReadySteps(ctx context.Context, runID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	return s.startReadyLocked(ctx, r)
}

// startReadyLocked scans until no step is ready, since a zero-task step
// completes on start and may ready its children in the same pass.
func (s *Store) startReadyLocked(ctx context.Context, r *memRun) ([]string, error) {
	var started []string
	for {
		progressed := false
		for _, slug := range r.order {
			st := r.steps[slug]
			if st.state.Status != store.StepStatusCreated || st.state.RemainingDeps > 0 {
				continue
			}
			if err := s.startStepLocked(ctx, r, st); err != nil {
				return started, err
			}
			started = append(started, slug)
			progressed = true
		}
		if !progressed {
			return started, nil
		}
	}
}

func (s *Store) startStepLocked(ctx context.Context, r *memRun, st *memStep) error {
	now := s.clk.Now()
	st.state.Status = store.StepStatusStarted
	st.state.StartedAt = &now

	if st.def.InitialTasks == 0 {
		s.completeStepLocked(r, st)
		return nil
	}

	inputs := s.taskInputsLocked(r, st)
	for i := 0; i < st.def.InitialTasks; i++ {
		body, err := json.Marshal(store.TaskMessage{
			RunID:     r.run.ID,
			StepSlug:  st.def.Slug,
			TaskIndex: i,
		})
		if err != nil {
			return fmt.Errorf("encoding task message: %w", err)
		}
		msgID, err := s.q.Send(ctx, r.run.WorkflowSlug, body)
		if err != nil {
			return fmt.Errorf("enqueueing task %s[%d]: %w", st.def.Slug, i, err)
		}
		st.tasks = append(st.tasks, &memTask{
			task: store.Task{
				RunID:        r.run.ID,
				StepSlug:     st.def.Slug,
				TaskIndex:    i,
				WorkflowSlug: r.run.WorkflowSlug,
				Status:       store.TaskStatusQueued,
				Input:        inputs[i],
				MaxAttempts:  st.def.MaxAttempts,
				QueuedAt:     now,
			},
			msgID: msgID,
		})
	}
	return nil
}

// taskInputsLocked builds the merged input for each of the step's tasks.
func (s *Store) taskInputsLocked(r *memRun, st *memStep) []map[string]any {
	inputs := make([]map[string]any, st.def.InitialTasks)

	if st.def.Type == workflow.StepTypeMap {
		items := store.ExtractItems(r.run.Input)
		if len(st.def.DependsOn) == 1 {
			items = store.ExtractItems(r.steps[st.def.DependsOn[0]].output)
		}
		for i := range inputs {
			inputs[i] = store.MapTaskInput(r.run.Input, items, i)
		}
		return inputs
	}

	parentOutputs := make([]map[string]any, 0, len(st.def.DependsOn))
	for _, parent := range st.def.DependsOn {
		parentOutputs = append(parentOutputs, r.steps[parent].output)
	}
	inputs[0] = store.SingleTaskInput(r.run.Input, parentOutputs)
	return inputs
}

// completeStepLocked folds the step's task outputs, notifies children, and
// completes the run when this was its last step.
func (s *Store) completeStepLocked(r *memRun, st *memStep) {
	now := s.clk.Now()

	outputs := make([]map[string]any, 0, len(st.tasks))
	for _, tk := range st.tasks {
		outputs = append(outputs, tk.task.Output)
	}
	st.output = store.StepOutput(outputs)
	st.state.Status = store.StepStatusCompleted
	st.state.RemainingTasks = 0
	st.state.CompletedAt = &now

	for _, child := range r.children[st.def.Slug] {
		r.steps[child].state.RemainingDeps--
	}

	r.run.RemainingSteps--
	if r.run.RemainingSteps == 0 {
		leafOutputs := make([]map[string]any, 0, len(r.leaves))
		for _, leaf := range r.leaves {
			leafOutputs = append(leafOutputs, r.steps[leaf].output)
		}
		r.run.Output = store.RunOutput(r.run.Input, leafOutputs)
		r.run.Status = store.RunStatusCompleted
		r.run.CompletedAt = &now
	}
}

// StartTasks claims the tasks behind the given queue messages. Messages for
// tasks that already finished, or whose run is no longer running, are
// acknowledged and skipped so they cannot poison the queue.
func (s *Store) StartTasks(ctx context.Context, workflowSlug string, msgIDs []int64, workerID string) ([]store.ClaimedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMsg := make(map[int64]*taskRef)
	for _, r := range s.runs {
		if r.run.WorkflowSlug != workflowSlug {
			continue
		}
		for _, slug := range r.order {
			st := r.steps[slug]
			for _, tk := range st.tasks {
				byMsg[tk.msgID] = &taskRef{run: r, step: st, task: tk}
			}
		}
	}

	now := s.clk.Now()
	var claimed []store.ClaimedTask
	for _, msgID := range msgIDs {
		ref, ok := byMsg[msgID]
		if !ok {
			continue
		}
		tk := ref.task
		finished := tk.task.Status == store.TaskStatusCompleted || tk.task.Status == store.TaskStatusFailed
		if finished || ref.run.run.Status != store.RunStatusStarted {
			_ = s.q.Delete(ctx, workflowSlug, msgID)
			continue
		}

		tk.task.Status = store.TaskStatusStarted
		tk.task.AttemptsCount++
		ref.step.state.AttemptsCount++
		tk.task.ClaimedBy = workerID
		tk.task.ClaimedAt = &now
		claimed = append(claimed, store.ClaimedTask{
			RunID:     ref.run.run.ID,
			StepSlug:  tk.task.StepSlug,
			TaskIndex: tk.task.TaskIndex,
			Input:     tk.task.Input,
			MsgID:     msgID,
		})
	}
	return claimed, nil
}

type taskRef struct {
	run  *memRun
	step *memStep
	task *memTask
}

// CompleteTask records output for a started task and cascades completion.
// Stale completions (task already finished, or run no longer running) are
// acknowledged no-ops.
func (s *Store) CompleteTask(ctx context.Context, runID uuid.UUID, stepSlug string, taskIndex int, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, st, tk, err := s.lookupLocked(runID, stepSlug, taskIndex)
	if err != nil {
		return err
	}
	if tk.task.Status != store.TaskStatusStarted || r.run.Status != store.RunStatusStarted {
		s.retireStaleLocked(ctx, r, tk)
		return nil
	}

	now := s.clk.Now()
	tk.task.Status = store.TaskStatusCompleted
	tk.task.Output = store.MergeMaps(output)
	tk.task.CompletedAt = &now

	st.state.RemainingTasks--
	if st.state.RemainingTasks == 0 {
		s.completeStepLocked(r, st)
		if _, err := s.startReadyLocked(ctx, r); err != nil {
			return err
		}
	}

	// The completion is already recorded; a failed acknowledgement only
	// means the message lapses via its visibility timeout and is retired
	// as stale on redelivery.
	if err := s.q.Delete(ctx, r.run.WorkflowSlug, tk.msgID); err != nil {
		logger.Warnw("acknowledging task message failed",
			"run_id", runID, "step", stepSlug, "task_index", taskIndex, "error", err)
	}
	return nil
}

// FailTask requeues the task while attempts remain; otherwise it fails the
// task, its step, and the run in one transition.
func (s *Store) FailTask(ctx context.Context, runID uuid.UUID, stepSlug string, taskIndex int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, st, tk, err := s.lookupLocked(runID, stepSlug, taskIndex)
	if err != nil {
		return err
	}
	if tk.task.Status != store.TaskStatusStarted || r.run.Status != store.RunStatusStarted {
		s.retireStaleLocked(ctx, r, tk)
		return nil
	}

	now := s.clk.Now()
	tk.task.ErrorMessage = errMsg

	if tk.task.AttemptsCount < tk.task.MaxAttempts {
		if err := s.q.Delete(ctx, r.run.WorkflowSlug, tk.msgID); err != nil {
			return fmt.Errorf("retiring message for task %s[%d]: %w", stepSlug, taskIndex, err)
		}
		body, err := json.Marshal(store.TaskMessage{RunID: runID, StepSlug: stepSlug, TaskIndex: taskIndex})
		if err != nil {
			return fmt.Errorf("encoding task message: %w", err)
		}
		msgID, err := s.q.Send(ctx, r.run.WorkflowSlug, body)
		if err != nil {
			return fmt.Errorf("requeueing task %s[%d]: %w", stepSlug, taskIndex, err)
		}
		tk.msgID = msgID
		tk.task.Status = store.TaskStatusQueued
		tk.task.ClaimedBy = ""
		tk.task.ClaimedAt = nil
		tk.task.QueuedAt = now
		return nil
	}

	tk.task.Status = store.TaskStatusFailed
	tk.task.FailedAt = &now
	st.state.Status = store.StepStatusFailed
	st.state.ErrorMessage = errMsg
	st.state.FailedAt = &now
	r.run.Status = store.RunStatusFailed
	r.run.ErrorMessage = fmt.Sprintf("step %s task %d: %s", stepSlug, taskIndex, errMsg)
	r.run.FailedAt = &now

	if err := s.q.Delete(ctx, r.run.WorkflowSlug, tk.msgID); err != nil {
		return fmt.Errorf("retiring message for task %s[%d]: %w", stepSlug, taskIndex, err)
	}
	return nil
}

// GetRun returns a copy of the run row.
func (s *Store) GetRun(_ context.Context, runID uuid.UUID) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	run := r.run
	run.Input = store.MergeMaps(r.run.Input)
	if r.run.Output != nil {
		run.Output = store.MergeMaps(r.run.Output)
	}
	return &run, nil
}

// ListStepStates returns the run's step states in declaration order.
func (s *Store) ListStepStates(_ context.Context, runID uuid.UUID) ([]store.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	states := make([]store.StepState, 0, len(r.order))
	for _, slug := range r.order {
		states = append(states, r.steps[slug].state)
	}
	return states, nil
}

// ListTasks returns one step's tasks in index order.
func (s *Store) ListTasks(_ context.Context, runID uuid.UUID, stepSlug string) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	st, ok := r.steps[stepSlug]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", store.ErrTaskNotFound, stepSlug)
	}
	tasks := make([]store.Task, 0, len(st.tasks))
	for _, tk := range st.tasks {
		tasks = append(tasks, tk.task)
	}
	return tasks, nil
}

// retireStaleLocked handles an outcome report that arrived after the task
// moved on. A report against a running run's queued task must not touch the
// queue: the task was requeued by a newer claimer and its pending message
// is still live. Everything else is a harmless duplicate acknowledgement.
func (s *Store) retireStaleLocked(ctx context.Context, r *memRun, tk *memTask) {
	if r.run.Status == store.RunStatusStarted && tk.task.Status == store.TaskStatusQueued {
		return
	}
	_ = s.q.Delete(ctx, r.run.WorkflowSlug, tk.msgID)
}

func (s *Store) lookupLocked(runID uuid.UUID, stepSlug string, taskIndex int) (*memRun, *memStep, *memTask, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	st, ok := r.steps[stepSlug]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s/%s", store.ErrTaskNotFound, runID, stepSlug)
	}
	if taskIndex < 0 || taskIndex >= len(st.tasks) {
		return nil, nil, nil, fmt.Errorf("%w: %s/%s[%d]", store.ErrTaskNotFound, runID, stepSlug, taskIndex)
	}
	return r, st, st.tasks[taskIndex], nil
}
