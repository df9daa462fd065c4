package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dagflow-dev/dagflow/pkg/queue"
	"github.com/dagflow-dev/dagflow/pkg/store"
	"github.com/dagflow-dev/dagflow/pkg/store/memory"
	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

// Embedded is a single-process engine: state, queue, and workers all live
// in memory. It behaves exactly like the database-backed deployment minus
// durability, which makes it the right tool for tests and for programs
// that want workflow semantics without operating Postgres.
type Embedded struct {
	exec       *Executor
	q          *queue.InMemoryQueue
	st         store.Store
	workerOpts []WorkerOption
}

// NewEmbedded creates an embedded engine. The worker options are applied to
// every worker Execute spawns.
func NewEmbedded(workerOpts ...WorkerOption) *Embedded {
	q := queue.NewInMemoryQueue(nil)
	st := memory.New(q, nil, nil)
	return &Embedded{
		exec:       NewExecutor(st, WithAwaitPollInterval(5 * time.Millisecond)),
		q:          q,
		st:         st,
		workerOpts: workerOpts,
	}
}

// Execute runs def to completion in this process: it starts a worker for
// the workflow, initializes the run, and waits for the outcome. The worker
// stops when Execute returns.
func (e *Embedded) Execute(ctx context.Context, def *workflow.Definition, input map[string]any, timeout time.Duration) (map[string]any, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := NewWorker(def, e.st, e.q, e.workerOpts...)
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		runErr = w.Run(wctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	out, err := e.exec.Execute(ctx, def, input, timeout)
	if err == nil {
		return out, nil
	}

	// A worker that died mid-run explains a stalled run better than the
	// deadline does.
	select {
	case <-done:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return nil, runErr
		}
	default:
	}
	return nil, err
}

// Start initializes a run without executing it; call Serve (or Execute on
// another definition) to drive it.
func (e *Embedded) Start(ctx context.Context, def *workflow.Definition, input map[string]any) (uuid.UUID, error) {
	return e.exec.Start(ctx, def, input)
}

// Serve runs a worker for def until ctx is cancelled.
func (e *Embedded) Serve(ctx context.Context, def *workflow.Definition) error {
	return NewWorker(def, e.st, e.q, e.workerOpts...).Run(ctx)
}

// Executor exposes the facade for Await, Status, and Metrics.
func (e *Embedded) Executor() *Executor {
	return e.exec
}
