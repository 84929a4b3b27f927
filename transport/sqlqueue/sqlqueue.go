// Package sqlqueue implements a message queue on top of a database/sql
// table. Subscribers poll the table and claim one row at a time, so several
// subscribers of a topic compete for its messages. It backs the sqlite and
// postgres transports.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrpc/internal/runtime/jsoncodec"
)

const (
	// DefaultTable is the queue table name.
	DefaultTable = "flowrpc_messages"
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the number of redeliveries before a message is buried.
	DefaultMaxRetries = 3
	// DefaultLockTimeout is how long a claimed message stays invisible.
	DefaultLockTimeout = 30 * time.Second
	// DefaultRetryBackoff delays a nacked message before redelivery.
	DefaultRetryBackoff = 100 * time.Millisecond
)

// ErrClosed is returned when publishing or subscribing on a closed queue.
var ErrClosed = errors.New("sql queue is closed")

// Config holds queue tuning.
type Config struct {
	Table        string
	PollInterval time.Duration
	MaxRetries   int
	LockTimeout  time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Queue implements message.Publisher and message.Subscriber.
type Queue struct {
	db     *sql.DB
	stmts  statements
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New creates the queue tables if needed and returns a Queue owning db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	q := &Queue{
		db:      db,
		stmts:   dialect.statements(cfg.Table),
		config:  cfg,
		logger:  logger.With(watermill.LogFields{"dialect": dialect.Name, "table": cfg.Table}),
		now:     time.Now,
		closing: make(chan struct{}),
	}
	for _, stmt := range q.stmts.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return q, nil
}

// Publish inserts messages in one transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("Failed to rollback transaction", err, nil)
		}
	}()

	availableAt := q.now().UnixNano()
	for _, msg := range messages {
		metadata, err := jsoncodec.MarshalStrings(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		payload := []byte(msg.Payload)
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.Exec(q.stmts.insert, msg.UUID, topic, payload, string(metadata), availableAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Subscribe starts a poll loop for topic. The loop delivers one message at a
// time and waits for its ack or nack before claiming the next.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}

	output := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, output)
	return output, nil
}

func (q *Queue) poll(ctx context.Context, topic string, output chan<- *message.Message) {
	defer q.wg.Done()
	defer close(output)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		for q.deliverNext(ctx, topic, output) {
		}

		select {
		case <-ctx.Done():
			return
		case <-q.closing:
			return
		case <-ticker.C:
		}
	}
}

type claimed struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
	attempts int
}

func (q *Queue) claim(ctx context.Context, topic string) (claimed, bool) {
	now := q.now()
	var c claimed
	err := q.db.QueryRowContext(ctx, q.stmts.claim,
		now.Add(q.config.LockTimeout).UnixNano(), topic, now.UnixNano(), now.UnixNano(),
	).Scan(&c.id, &c.uuid, &c.payload, &c.metadata, &c.attempts)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil && !q.isClosed() {
			q.logger.Error("Failed to claim message", err, watermill.LogFields{"topic": topic})
		}
		return claimed{}, false
	}
	return c, true
}

// deliverNext claims and delivers one message. It reports whether the loop
// should try again immediately.
func (q *Queue) deliverNext(ctx context.Context, topic string, output chan<- *message.Message) bool {
	if ctx.Err() != nil || q.isClosed() {
		return false
	}
	c, ok := q.claim(ctx, topic)
	if !ok {
		return false
	}

	msg := message.NewMessage(c.uuid, c.payload)
	if c.metadata != "" {
		metadata, err := jsoncodec.UnmarshalStrings([]byte(c.metadata))
		if err != nil {
			q.logger.Error("Failed to unmarshal metadata", err, watermill.LogFields{"uuid": c.uuid})
		}
		for k, v := range metadata {
			msg.Metadata.Set(k, v)
		}
	}
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		q.exec(q.stmts.unlock, c.id)
		return false
	case <-q.closing:
		q.exec(q.stmts.unlock, c.id)
		return false
	}

	select {
	case <-msg.Acked():
		q.exec(q.stmts.ack, c.id)
	case <-msg.Nacked():
		q.nack(c)
	case <-ctx.Done():
		q.exec(q.stmts.unlock, c.id)
		return false
	case <-q.closing:
		q.exec(q.stmts.unlock, c.id)
		return false
	}
	return true
}

func (q *Queue) nack(c claimed) {
	if c.attempts > q.config.MaxRetries {
		q.logger.Info("Burying message after max retries", watermill.LogFields{"uuid": c.uuid, "attempts": c.attempts})
		if err := q.bury(c); err != nil {
			q.logger.Error("Failed to bury message", err, watermill.LogFields{"uuid": c.uuid})
		}
		return
	}
	q.exec(q.stmts.retry, q.now().Add(q.config.RetryBackoff).UnixNano(), c.id)
}

// bury moves a claimed message to the dead letter table in one transaction,
// so it is never both dead and deliverable.
func (q *Queue) bury(c claimed) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("Failed to rollback transaction", err, nil)
		}
	}()

	if _, err := tx.Exec(q.stmts.bury, c.id); err != nil {
		return fmt.Errorf("failed to copy message to dead letters: %w", err)
	}
	if _, err := tx.Exec(q.stmts.ack, c.id); err != nil {
		return fmt.Errorf("failed to delete buried message: %w", err)
	}
	return tx.Commit()
}

func (q *Queue) exec(query string, args ...any) {
	if _, err := q.db.Exec(query, args...); err != nil {
		q.logger.Error("Failed to update message", err, nil)
	}
}

// GetPendingCount returns the number of messages queued on topic, claimed or not.
func (q *Queue) GetPendingCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, q.stmts.pending, topic).Scan(&count)
	return count, err
}

// GetDeadLetterCount returns the number of buried messages of topic.
func (q *Queue) GetDeadLetterCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, q.stmts.deadLetter, topic).Scan(&count)
	return count, err
}

// DB returns the underlying database handle.
func (q *Queue) DB() *sql.DB {
	return q.db
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops every poll loop and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closing)
	q.mu.Unlock()

	q.wg.Wait()
	return q.db.Close()
}
