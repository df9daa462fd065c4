package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dagflow-dev/dagflow/pkg/clock"
	"github.com/dagflow-dev/dagflow/pkg/logger"
	"github.com/dagflow-dev/dagflow/pkg/queue"
	"github.com/dagflow-dev/dagflow/pkg/store"
	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

// WorkerConfig tunes one worker loop.
type WorkerConfig struct {
	// BatchSize is the maximum number of messages claimed per poll.
	BatchSize int

	// MaxConcurrency bounds how many tasks of one batch execute at once.
	MaxConcurrency int

	// VisibilityTimeout is how long claimed messages stay invisible. It
	// must exceed the longest step timeout or a still-running task's
	// message will be redelivered.
	VisibilityTimeout time.Duration

	// MaxPoll is how long one poll cycle blocks waiting for messages.
	MaxPoll time.Duration

	// PollInterval is the sleep between queue re-checks within a cycle.
	PollInterval time.Duration
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         10,
		MaxConcurrency:    10,
		VisibilityTimeout: 30 * time.Second,
		MaxPoll:           5 * time.Second,
		PollInterval:      200 * time.Millisecond,
	}
}

// Worker polls one workflow's queue, claims tasks, executes the step
// functions with bounded parallelism, and reports outcomes back to the
// scheduler. Workers are stateless; run as many as the load needs.
type Worker struct {
	def     *workflow.Definition
	store   store.Store
	q       queue.Queue
	clk     clock.Clock
	id      string
	cfg     WorkerConfig
	metrics *workerMetrics
	sem     chan struct{}
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerConfig replaces the default configuration.
func WithWorkerConfig(cfg WorkerConfig) WorkerOption {
	return func(w *Worker) { w.cfg = cfg }
}

// WithWorkerClock injects a clock, used by tests.
func WithWorkerClock(clk clock.Clock) WorkerOption {
	return func(w *Worker) { w.clk = clk }
}

// WithWorkerID pins the worker identity instead of generating one.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) { w.id = id }
}

// WithWorkerRegisterer registers the worker's metrics on reg instead of the
// default Prometheus registerer.
func WithWorkerRegisterer(reg prometheus.Registerer) WorkerOption {
	return func(w *Worker) { w.metrics = newWorkerMetrics(reg) }
}

// NewWorker creates a worker for def's queue.
func NewWorker(def *workflow.Definition, st store.Store, q queue.Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		def:   def,
		store: st,
		q:     q,
		clk:   clock.New(),
		id:    clock.NewIDGen().NewWorkerID(),
		cfg:   DefaultWorkerConfig(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = defaultWorkerMetrics()
	}
	if w.cfg.MaxConcurrency < 1 {
		w.cfg.MaxConcurrency = 1
	}
	w.sem = make(chan struct{}, w.cfg.MaxConcurrency)
	return w
}

// ID returns the worker identity recorded on claimed tasks.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. It returns a BatchFailureError when
// most outcome reports of a batch fail, which points at the backend rather
// than at step code; everything else is logged and retried on the next
// cycle.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.q.Ensure(ctx, w.def.Slug()); err != nil {
		return fmt.Errorf("ensuring queue for workflow %s: %w", w.def.Slug(), err)
	}
	logger.Infow("worker started",
		"worker_id", w.id,
		"workflow", w.def.Slug(),
		"batch_size", w.cfg.BatchSize,
		"max_concurrency", w.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			logger.Infow("worker stopping", "worker_id", w.id)
			return ctx.Err()
		default:
		}

		msgs, err := w.readBatch(ctx)
		w.metrics.pollCycles.Inc()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnw("reading queue failed", "worker_id", w.id, "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		msgIDs := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			msgIDs = append(msgIDs, m.ID)
		}
		claimed, err := w.store.StartTasks(ctx, w.def.Slug(), msgIDs, w.id)
		if err != nil {
			// The messages stay claimed until their visibility timeout
			// lapses, then another worker picks them up.
			logger.Warnw("claiming tasks failed", "worker_id", w.id, "error", err)
			continue
		}
		w.metrics.batchSize.Observe(float64(len(claimed)))
		if len(claimed) == 0 {
			continue
		}

		if err := w.processBatch(ctx, claimed); err != nil {
			logger.Errorw("worker terminating", "worker_id", w.id, "error", err)
			return err
		}
	}
}

// readBatch polls the queue, retrying transient failures with exponential
// backoff. A missing queue is permanent: it means the schema is gone.
func (w *Worker) readBatch(ctx context.Context) ([]queue.Message, error) {
	op := func() ([]queue.Message, error) {
		msgs, err := w.q.ReadWithPoll(ctx, w.def.Slug(), queue.ReadOptions{
			VisibilityTimeout: w.cfg.VisibilityTimeout,
			Quantity:          w.cfg.BatchSize,
			MaxPoll:           w.cfg.MaxPoll,
			PollInterval:      w.cfg.PollInterval,
		})
		if errors.Is(err, queue.ErrQueueMissing) {
			return nil, backoff.Permanent(err)
		}
		return msgs, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))
}

// processBatch executes the claimed tasks with bounded parallelism and
// reports every outcome. A failed report leaves the message unacknowledged,
// so the task is retried after the visibility timeout; only a majority of
// failed reports aborts the worker.
func (w *Worker) processBatch(ctx context.Context, claimed []store.ClaimedTask) error {
	var (
		mu         sync.Mutex
		reportErrs []error
	)

	g, groupCtx := errgroup.WithContext(ctx)
	for _, task := range claimed {
		g.Go(func() error {
			select {
			case w.sem <- struct{}{}:
				defer func() { <-w.sem }()
			case <-groupCtx.Done():
				return groupCtx.Err()
			}

			if err := w.processTask(ctx, task); err != nil {
				mu.Lock()
				reportErrs = append(reportErrs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(reportErrs)*2 > len(claimed) {
		return &BatchFailureError{
			Total:  len(claimed),
			Failed: len(reportErrs),
			Errs:   reportErrs,
		}
	}
	for _, err := range reportErrs {
		logger.Warnw("task report failed, awaiting redelivery", "worker_id", w.id, "error", err)
	}
	return nil
}

// processTask runs one task and reports its outcome. The returned error is
// a report failure, never a step failure.
func (w *Worker) processTask(ctx context.Context, task store.ClaimedTask) error {
	sd := w.def.Lookup(task.StepSlug)
	if sd == nil {
		// The stored run references a step this binary does not carry.
		logger.Errorw("unknown step in claimed task",
			"worker_id", w.id, "step", task.StepSlug, "run_id", task.RunID)
		return w.store.FailTask(ctx, task.RunID, task.StepSlug, task.TaskIndex,
			fmt.Sprintf("step %s not found in workflow %s", task.StepSlug, w.def.Slug()))
	}

	start := w.clk.Now()
	output, outcome, execErr := w.executeStep(ctx, sd, task.Input)
	if execErr != nil && ctx.Err() != nil {
		// Worker shutdown, not a task fault: report nothing and let the
		// message lapse via its visibility timeout, so the attempt is not
		// charged against the task.
		logger.Debugw("task abandoned on shutdown",
			"worker_id", w.id, "run_id", task.RunID, "step", task.StepSlug,
			"task_index", task.TaskIndex)
		return nil
	}
	w.metrics.taskDuration.WithLabelValues(w.def.Slug(), task.StepSlug).
		Observe(w.clk.Since(start).Seconds())
	w.metrics.tasksProcessed.WithLabelValues(w.def.Slug(), outcome).Inc()

	if execErr != nil {
		logger.Debugw("task failed",
			"worker_id", w.id, "run_id", task.RunID, "step", task.StepSlug,
			"task_index", task.TaskIndex, "outcome", outcome, "error", execErr)
		return w.store.FailTask(ctx, task.RunID, task.StepSlug, task.TaskIndex, execErr.Error())
	}
	return w.store.CompleteTask(ctx, task.RunID, task.StepSlug, task.TaskIndex, output)
}

type stepResult struct {
	output  map[string]any
	outcome string
	err     error
}

// executeStep invokes the user step function under the step's deadline,
// containing panics so one bad task cannot take the worker down. On
// timeout the runner goroutine is abandoned; the cancelled context tells
// well-behaved steps to return promptly.
func (w *Worker) executeStep(ctx context.Context, sd *workflow.StepDef, input map[string]any) (map[string]any, string, error) {
	timeout := time.Duration(sd.TimeoutSeconds) * time.Second
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	step, err := w.def.Resolve(sd.Slug)
	if err != nil {
		return nil, outcomeFailed, err
	}

	ch := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- stepResult{
					outcome: outcomePanic,
					err:     fmt.Errorf("step %s panicked: %v", sd.Slug, r),
				}
			}
		}()
		out, err := step.Run(tctx, input)
		if err != nil {
			ch <- stepResult{outcome: outcomeFailed, err: err}
			return
		}
		ch <- stepResult{output: out, outcome: outcomeCompleted}
	}()

	select {
	case <-tctx.Done():
		return nil, outcomeTimeout, fmt.Errorf("step %s timed out after %s", sd.Slug, timeout)
	case r := <-ch:
		return r.output, r.outcome, r.err
	}
}
