// Package queue defines the embedded message queue contract used to hand
// tasks to workers, plus its Postgres and in-memory implementations.
//
// Each workflow owns one named FIFO queue. Delivery is at-least-once: a
// read makes a message invisible to other readers for the visibility
// timeout, and a reader that dies simply lets the timeout lapse so another
// worker can claim the message. Deleting a message acknowledges it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks -source=queue.go Queue

// Message is a queued task notification.
type Message struct {
	// ID is the queue-local, monotonically increasing message identifier.
	ID int64

	// Body is the message payload.
	Body json.RawMessage

	// EnqueuedAt is when the message was first enqueued.
	EnqueuedAt time.Time

	// VTExpiresAt is when the current reader's visibility timeout lapses
	// and the message becomes claimable again.
	VTExpiresAt time.Time
}

// ReadOptions bound a ReadWithPoll call.
type ReadOptions struct {
	// VisibilityTimeout is how long returned messages stay invisible to
	// other readers.
	VisibilityTimeout time.Duration

	// Quantity is the maximum number of messages to return.
	Quantity int

	// MaxPoll is how long to block waiting for at least one message.
	MaxPoll time.Duration

	// PollInterval is the sleep between re-checks within a poll cycle.
	PollInterval time.Duration
}

// Queue is the embedded message queue contract.
//
// Any call may fail transiently (callers retry on the next loop iteration)
// or with ErrQueueMissing; Send must transparently Ensure and retry once on
// a missing queue.
type Queue interface {
	// Ensure creates the named queue if it does not exist. Idempotent.
	Ensure(ctx context.Context, queue string) error

	// Send enqueues a message and returns its ID. Durable and FIFO per
	// queue.
	Send(ctx context.Context, queue string, body json.RawMessage) (int64, error)

	// ReadWithPoll blocks up to opts.MaxPoll and returns up to
	// opts.Quantity messages whose visibility timeout is not held by
	// another reader. Returned messages become invisible for
	// opts.VisibilityTimeout.
	ReadWithPoll(ctx context.Context, queue string, opts ReadOptions) ([]Message, error)

	// Delete acknowledges a message, removing it from the queue.
	Delete(ctx context.Context, queue string, msgID int64) error

	// Drop removes the queue and all of its messages. Idempotent.
	Drop(ctx context.Context, queue string) error
}

// ErrQueueMissing indicates an operation against a queue that was never
// created or has been dropped.
var ErrQueueMissing = errors.New("queue does not exist")

// DefaultReadOptions returns the worker-loop defaults.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		VisibilityTimeout: 30 * time.Second,
		Quantity:          10,
		MaxPoll:           5 * time.Second,
		PollInterval:      200 * time.Millisecond,
	}
}
