package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dagflow-dev/dagflow/pkg/clock"
)

// memoryMessage is a queued message plus its delivery bookkeeping.
type memoryMessage struct {
	id         int64
	body       json.RawMessage
	enqueuedAt time.Time
	// vt is the instant the current claim lapses. A message is claimable
	// when vt is not after now.
	vt     time.Time
	readCt int
}

// memoryQueue holds one named queue's messages in enqueue order.
type memoryQueue struct {
	nextID int64
	msgs   []*memoryMessage
}

// InMemoryQueue implements Queue with in-process storage.
//
// Semantics mirror the Postgres backend: FIFO per queue, visibility
// timeouts, at-least-once delivery. State is lost on process exit, which
// makes this suitable for tests and for the embedded single-process mode.
//
// Thread-safety: safe for concurrent use by multiple worker goroutines.
type InMemoryQueue struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	clk    clock.Clock
}

// NewInMemoryQueue creates an empty in-memory queue set.
func NewInMemoryQueue(clk clock.Clock) *InMemoryQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &InMemoryQueue{
		queues: make(map[string]*memoryQueue),
		clk:    clk,
	}
}

var _ Queue = (*InMemoryQueue)(nil)

// Ensure creates the named queue if it does not exist.
func (q *InMemoryQueue) Ensure(_ context.Context, queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[queue]; !ok {
		q.queues[queue] = &memoryQueue{}
	}
	return nil
}

// Send enqueues a message and returns its ID.
func (q *InMemoryQueue) Send(ctx context.Context, queue string, body json.RawMessage) (int64, error) {
	q.mu.Lock()
	mq, ok := q.queues[queue]
	if !ok {
		q.mu.Unlock()
		// Missing queues are created and the send retried once, per the
		// adapter contract.
		if err := q.Ensure(ctx, queue); err != nil {
			return 0, err
		}
		q.mu.Lock()
		mq = q.queues[queue]
	}
	defer q.mu.Unlock()

	mq.nextID++
	mq.msgs = append(mq.msgs, &memoryMessage{
		id:         mq.nextID,
		body:       body,
		enqueuedAt: q.clk.Now(),
	})
	return mq.nextID, nil
}

// ReadWithPoll blocks up to opts.MaxPoll for claimable messages.
func (q *InMemoryQueue) ReadWithPoll(ctx context.Context, queue string, opts ReadOptions) ([]Message, error) {
	deadline := q.clk.Now().Add(opts.MaxPoll)
	for {
		msgs, err := q.read(queue, opts.VisibilityTimeout, opts.Quantity)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if !q.clk.Now().Add(opts.PollInterval).Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.clk.After(opts.PollInterval):
		}
	}
}

// read claims up to quantity visible messages in FIFO order.
func (q *InMemoryQueue) read(queue string, vt time.Duration, quantity int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq, ok := q.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueMissing, queue)
	}

	now := q.clk.Now()
	var out []Message
	for _, m := range mq.msgs {
		if len(out) >= quantity {
			break
		}
		if m.vt.After(now) {
			continue
		}
		m.vt = now.Add(vt)
		m.readCt++
		out = append(out, Message{
			ID:          m.id,
			Body:        m.body,
			EnqueuedAt:  m.enqueuedAt,
			VTExpiresAt: m.vt,
		})
	}
	return out, nil
}

// Delete acknowledges a message. Deleting an unknown message is not an
// error, matching the idempotent re-processing paths in the scheduler.
func (q *InMemoryQueue) Delete(_ context.Context, queue string, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq, ok := q.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueMissing, queue)
	}

	for i, m := range mq.msgs {
		if m.id == msgID {
			mq.msgs = append(mq.msgs[:i], mq.msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Drop removes the queue and all of its messages.
func (q *InMemoryQueue) Drop(_ context.Context, queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queues, queue)
	return nil
}

// Depth returns the number of messages (visible or not) in the queue.
// Test helper.
func (q *InMemoryQueue) Depth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq, ok := q.queues[queue]
	if !ok {
		return 0
	}
	return len(mq.msgs)
}
