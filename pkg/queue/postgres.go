package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dagflow-dev/dagflow/pkg/clock"
	"github.com/dagflow-dev/dagflow/pkg/logger"
)

// PostgresQueue implements Queue on top of per-queue tables managed by SQL
// functions in the dagflow schema (see pkg/store/postgres/migrations).
// Visibility timeouts are rows' vt timestamps; claiming uses
// FOR UPDATE SKIP LOCKED so concurrent readers partition messages without
// blocking each other.
type PostgresQueue struct {
	db  *sql.DB
	clk clock.Clock
}

// NewPostgresQueue creates a queue adapter over db. The schema and queue
// functions must already be migrated.
func NewPostgresQueue(db *sql.DB, clk clock.Clock) *PostgresQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &PostgresQueue{db: db, clk: clk}
}

var _ Queue = (*PostgresQueue)(nil)

// Ensure creates the named queue if it does not exist.
func (q *PostgresQueue) Ensure(ctx context.Context, queue string) error {
	if _, err := q.db.ExecContext(ctx, `SELECT dagflow.queue_ensure($1)`, queue); err != nil {
		return fmt.Errorf("ensuring queue %s: %w", queue, err)
	}
	return nil
}

// Send enqueues a message. A missing queue is created and the send retried
// once before the error is surfaced.
func (q *PostgresQueue) Send(ctx context.Context, queue string, body json.RawMessage) (int64, error) {
	id, err := q.send(ctx, queue, body)
	if errors.Is(err, ErrQueueMissing) {
		logger.Warnw("queue missing on send, creating and retrying", "queue", queue)
		if ensureErr := q.Ensure(ctx, queue); ensureErr != nil {
			return 0, ensureErr
		}
		return q.send(ctx, queue, body)
	}
	return id, err
}

func (q *PostgresQueue) send(ctx context.Context, queue string, body json.RawMessage) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx,
		`SELECT dagflow.queue_send($1, $2::jsonb)`, queue, string(body),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sending to queue %s: %w", queue, mapQueueError(err, queue))
	}
	return id, nil
}

// ReadWithPoll blocks up to opts.MaxPoll, polling the queue every
// opts.PollInterval until at least one message is claimable.
func (q *PostgresQueue) ReadWithPoll(ctx context.Context, queue string, opts ReadOptions) ([]Message, error) {
	deadline := q.clk.Now().Add(opts.MaxPoll)
	for {
		msgs, err := q.read(ctx, queue, opts)
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

func (q *PostgresQueue) read(ctx context.Context, queue string, opts ReadOptions) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT msg_id, message, enqueued_at, vt
		 FROM dagflow.queue_read($1, $2, $3)`,
		queue, int(opts.VisibilityTimeout.Seconds()), opts.Quantity,
	)
	if err != nil {
		return nil, fmt.Errorf("reading queue %s: %w", queue, mapQueueError(err, queue))
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var body []byte
		if err := rows.Scan(&m.ID, &body, &m.EnqueuedAt, &m.VTExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning message from queue %s: %w", queue, err)
		}
		m.Body = body
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue %s: %w", queue, err)
	}
	return msgs, nil
}

// Delete acknowledges a message.
func (q *PostgresQueue) Delete(ctx context.Context, queue string, msgID int64) error {
	if _, err := q.db.ExecContext(ctx,
		`SELECT dagflow.queue_delete($1, $2)`, queue, msgID,
	); err != nil {
		return fmt.Errorf("deleting message %d from queue %s: %w", msgID, queue, mapQueueError(err, queue))
	}
	return nil
}

// Drop removes the queue and all of its messages.
func (q *PostgresQueue) Drop(ctx context.Context, queue string) error {
	if _, err := q.db.ExecContext(ctx, `SELECT dagflow.queue_drop($1)`, queue); err != nil {
		return fmt.Errorf("dropping queue %s: %w", queue, err)
	}
	return nil
}

// undefinedTable is the SQLSTATE raised when a queue's backing table does
// not exist.
const undefinedTable = "42P01"

// mapQueueError converts a missing backing table into ErrQueueMissing so
// callers can distinguish it from transient backend failures.
func mapQueueError(err error, queue string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("%w: %s", ErrQueueMissing, queue)
	}
	return err
}
