package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. Returning nil marks it processed.
type Handler func(ctx context.Context, msg Message) error

// DB is the subset of pgxpool.Pool the relay uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ClaimLease hides a claimed row from other relays while its handler
	// runs. A relay that dies mid-batch leaves rows that reappear after it.
	ClaimLease time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	return c
}

// Relay drains pending outbox rows. Rows are claimed with FOR UPDATE SKIP
// LOCKED and a short lease in one statement, so several relays can share the
// table and no transaction stays open while handlers run.
type Relay struct {
	db     DB
	cfg    RelayConfig
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRelay(db DB, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		db:       db,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		clock:    time.Now,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a topic. Rows of unregistered topics stay pending.
func (r *Relay) Handle(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

func (r *Relay) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Relay) handler(topic string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[topic]
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox relay pass failed",
				slog.String("event", "outbox_relay_failed"),
				slog.String("error", err.Error()),
			)
		}
		// A full batch likely means more work is waiting.
		if n >= r.cfg.BatchSize && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

const claimSQL = `
UPDATE outbox o
SET next_attempt_at = now() + make_interval(secs => $3)
FROM (
    SELECT id
    FROM outbox
    WHERE status = 'pending'
      AND topic = ANY($1)
      AND next_attempt_at <= now()
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT $2
) claimed
WHERE o.id = claimed.id
RETURNING o.id::text, o.topic, o.payload, o.attempts, o.created_at
`

// RunOnce claims one batch and runs its handlers concurrently, each result
// written on its own. A slow message delays only itself. It returns the
// number of claimed messages.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	topics := r.topics()
	if len(topics) == 0 {
		return 0, nil
	}

	rows, err := r.db.Query(ctx, claimSQL, topics, r.cfg.BatchSize, r.cfg.ClaimLease.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs := make([]Message, 0, r.cfg.BatchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	// One failed write must not cancel the other handlers.
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, m := range msgs {
		g.Go(func() error { return r.process(ctx, m) })
	}
	if err := g.Wait(); err != nil {
		return len(msgs), err
	}
	return len(msgs), nil
}

func (r *Relay) process(ctx context.Context, m Message) error {
	h := r.handler(m.Topic)
	if h == nil {
		return nil
	}

	herr := h(ctx, m)
	if herr == nil {
		const doneSQL = `
UPDATE outbox
SET status = 'processed', attempts = attempts + 1, last_attempt = now(), last_error = NULL
WHERE id = $1
`
		if _, err := r.db.Exec(ctx, doneSQL, m.ID); err != nil {
			return fmt.Errorf("outbox: mark processed: %w", err)
		}
		return nil
	}
	if errors.Is(herr, context.Canceled) && ctx.Err() != nil {
		// The claim lease brings the row back.
		return ctx.Err()
	}

	if after, ok := Deferral(herr); ok {
		const deferSQL = `
UPDATE outbox
SET last_attempt = now(), last_error = $2, next_attempt_at = $3
WHERE id = $1
`
		if _, err := r.db.Exec(ctx, deferSQL, m.ID, herr.Error(), r.clock().Add(after)); err != nil {
			return fmt.Errorf("outbox: defer message: %w", err)
		}
		r.logger.InfoContext(ctx, "outbox message deferred",
			slog.String("event", "outbox_message_deferred"),
			slog.String("id", m.ID),
			slog.String("topic", m.Topic),
			slog.Duration("after", after),
			slog.String("reason", herr.Error()),
		)
		return nil
	}

	attempt := m.Attempts + 1
	status := "pending"
	if IsPermanent(herr) || attempt >= r.cfg.MaxAttempts {
		status = "dead"
	}
	next := r.clock().Add(r.retryDelay(attempt))

	const failSQL = `
UPDATE outbox
SET status = $2, attempts = $3, last_attempt = now(), last_error = $4, next_attempt_at = $5
WHERE id = $1
`
	if _, err := r.db.Exec(ctx, failSQL, m.ID, status, attempt, herr.Error(), next); err != nil {
		return fmt.Errorf("outbox: record failure: %w", err)
	}

	level := slog.LevelWarn
	if status == "dead" {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "outbox message failed",
		slog.String("event", "outbox_message_failed"),
		slog.String("id", m.ID),
		slog.String("topic", m.Topic),
		slog.Int("attempt", attempt),
		slog.String("status", status),
		slog.String("error", herr.Error()),
	)
	return nil
}

// retryDelay is the capped exponential delay before the given attempt is retried.
func (r *Relay) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
