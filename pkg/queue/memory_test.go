package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagflow-dev/dagflow/pkg/clock"
)

func body(s string) json.RawMessage { return json.RawMessage(s) }

// shortRead returns options that poll once and return immediately when the
// queue is empty.
func shortRead(quantity int) ReadOptions {
	return ReadOptions{
		VisibilityTimeout: 30 * time.Second,
		Quantity:          quantity,
		MaxPoll:           0,
		PollInterval:      time.Millisecond,
	}
}

func TestInMemoryQueue_FIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)
	require.NoError(t, q.Ensure(ctx, "wf"))

	id1, err := q.Send(ctx, "wf", body(`{"n":1}`))
	require.NoError(t, err)
	id2, err := q.Send(ctx, "wf", body(`{"n":2}`))
	require.NoError(t, err)
	assert.Less(t, id1, id2)

	msgs, err := q.ReadWithPoll(ctx, "wf", shortRead(10))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, id2, msgs[1].ID)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Body))
}

func TestInMemoryQueue_VisibilityTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewFake()
	q := NewInMemoryQueue(clk)
	require.NoError(t, q.Ensure(ctx, "wf"))

	_, err := q.Send(ctx, "wf", body(`{}`))
	require.NoError(t, err)

	opts := shortRead(1)
	opts.VisibilityTimeout = 10 * time.Second

	msgs, err := q.ReadWithPoll(ctx, "wf", opts)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// While the claim is held the message is invisible.
	msgs2, err := q.ReadWithPoll(ctx, "wf", opts)
	require.NoError(t, err)
	assert.Empty(t, msgs2)

	// After the visibility timeout lapses it is redelivered.
	clk.Advance(11 * time.Second)
	msgs3, err := q.ReadWithPoll(ctx, "wf", opts)
	require.NoError(t, err)
	require.Len(t, msgs3, 1)
	assert.Equal(t, msgs[0].ID, msgs3[0].ID)
}

func TestInMemoryQueue_DeleteAcknowledges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)
	require.NoError(t, q.Ensure(ctx, "wf"))

	id, err := q.Send(ctx, "wf", body(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Delete(ctx, "wf", id))
	assert.Zero(t, q.Depth("wf"))

	// Deleting again is a no-op.
	require.NoError(t, q.Delete(ctx, "wf", id))
}

func TestInMemoryQueue_SendCreatesMissingQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)

	_, err := q.Send(ctx, "never_ensured", body(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Depth("never_ensured"))
}

func TestInMemoryQueue_ReadMissingQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)

	_, err := q.ReadWithPoll(ctx, "ghost", shortRead(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueMissing)
}

func TestInMemoryQueue_DropIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)
	require.NoError(t, q.Ensure(ctx, "wf"))
	_, err := q.Send(ctx, "wf", body(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Drop(ctx, "wf"))
	require.NoError(t, q.Drop(ctx, "wf"))
	assert.Zero(t, q.Depth("wf"))
}

func TestInMemoryQueue_QuantityBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)
	require.NoError(t, q.Ensure(ctx, "wf"))

	for i := 0; i < 5; i++ {
		_, err := q.Send(ctx, "wf", body(`{}`))
		require.NoError(t, err)
	}

	msgs, err := q.ReadWithPoll(ctx, "wf", shortRead(3))
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestInMemoryQueue_ConcurrentReadersPartition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)
	require.NoError(t, q.Ensure(ctx, "wf"))

	const total = 50
	for i := 0; i < total; i++ {
		_, err := q.Send(ctx, "wf", body(`{}`))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := q.ReadWithPoll(ctx, "wf", shortRead(7))
				require.NoError(t, err)
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every message claimed exactly once while its visibility timeout holds.
	require.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d claimed %d times", id, n)
	}
}

func TestInMemoryQueue_PollWaitsForMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewInMemoryQueue(nil)
	require.NoError(t, q.Ensure(ctx, "wf"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Send(ctx, "wf", body(`{}`))
	}()

	opts := ReadOptions{
		VisibilityTimeout: time.Second,
		Quantity:          1,
		MaxPoll:           2 * time.Second,
		PollInterval:      5 * time.Millisecond,
	}
	msgs, err := q.ReadWithPoll(ctx, "wf", opts)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
