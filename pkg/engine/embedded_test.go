package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagflow-dev/dagflow/pkg/queue"
	"github.com/dagflow-dev/dagflow/pkg/store"
	"github.com/dagflow-dev/dagflow/pkg/store/memory"
	"github.com/dagflow-dev/dagflow/pkg/workflow"
)

// The embedded engine creates a worker per Execute call, so these tests
// lean on the shared default collectors instead of a per-worker registry.
func embeddedTestOpts() []WorkerOption {
	return []WorkerOption{WithWorkerConfig(testWorkerConfig())}
}

func TestEmbedded_ExecuteRunsToCompletion(t *testing.T) {
	t.Parallel()

	e := NewEmbedded(embeddedTestOpts()...)

	def := workflow.New("embedded_chain").
		Add(workflow.NewStep("a", func(_ context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"a": 1}, nil
		})).
		Add(workflow.NewStep("b", func(_ context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"b": in["a"].(int) + 1}, nil
		}), workflow.After("a"))

	out, err := e.Execute(context.Background(), def, map[string]any{}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, 2, out["b"])

	// The engine is reusable: a second run on the same instance works and
	// keeps its own state.
	out, err = e.Execute(context.Background(), def, map[string]any{}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, 2, out["b"])
}

func TestEmbedded_StartAndServe(t *testing.T) {
	t.Parallel()

	e := NewEmbedded(embeddedTestOpts()...)

	def := workflow.New("embedded_async").
		Add(workflow.NewStep("only", func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		}))

	runID, err := e.Start(context.Background(), def, map[string]any{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Serve(ctx, def)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	run, err := e.Executor().Await(context.Background(), runID, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Equal(t, true, run.Output["done"])

	snap, err := e.Executor().Status(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, store.StepStatusCompleted, snap.Steps[0].Status)
}

func TestEmbedded_ExecuteSurfacesWorkerFailure(t *testing.T) {
	t.Parallel()

	q := queue.NewInMemoryQueue(nil)
	st := reportFailStore{memory.New(q, nil, nil)}
	e := &Embedded{
		exec:       NewExecutor(st, WithAwaitPollInterval(2*time.Millisecond)),
		q:          q,
		st:         st,
		workerOpts: embeddedTestOpts(),
	}

	def := workflow.New("embedded_bad_backend").
		Add(workflow.NewStep("only", func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}))

	// The worker dies on the rejected outcome report; Execute returns its
	// error instead of a bare deadline.
	_, err := e.Execute(context.Background(), def, map[string]any{}, 500*time.Millisecond)
	var batchErr *BatchFailureError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Total)
	assert.Equal(t, 1, batchErr.Failed)
}

func TestEmbedded_AwaitPollIsBoundedByDeadline(t *testing.T) {
	t.Parallel()

	e := NewEmbedded(embeddedTestOpts()...)

	def := workflow.New("embedded_slow").
		Add(workflow.NewStep("slow", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(time.Minute):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	start := time.Now()
	_, err := e.Execute(context.Background(), def, map[string]any{}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrInProgress)
	assert.Less(t, time.Since(start), 5*time.Second)
}
