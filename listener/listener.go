// Package listener turns Postgres ballot_changed notifications into engine checks.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// DefaultChannel is the channel the ballots trigger notifies on.
const DefaultChannel = "ballot_changed"

// Handler runs one check for the item named in a notification.
type Handler func(ctx context.Context, itemID string) error

// Config tunes the listener.
type Config struct {
	Channel     string
	Concurrency int
	// MaxReconnectWait caps the delay between reconnect attempts.
	MaxReconnectWait time.Duration
	// CatchUp runs after every (re)subscribe to cover notifications sent
	// while no connection was listening.
	CatchUp func(ctx context.Context) error
}

// Listener holds one dedicated connection in LISTEN mode and runs the
// handler for each notification in its own goroutine, bounded by Concurrency.
type Listener struct {
	pool    *pgxpool.Pool
	handler Handler
	cfg     Config
	logger  *slog.Logger
}

func New(pool *pgxpool.Pool, handler Handler, cfg Config, logger *slog.Logger) *Listener {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{pool: pool, handler: handler, cfg: cfg, logger: logger}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops.
func (l *Listener) Run(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxInterval = l.cfg.MaxReconnectWait
	exp.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := l.listen(ctx, exp.Reset)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}, backoff.WithContext(exp, ctx), func(err error, wait time.Duration) {
		l.logger.WarnContext(ctx, "ballot listener reconnecting",
			slog.String("event", "voting_listener_reconnect"),
			slog.String("channel", l.cfg.Channel),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}

func (l *Listener) listen(ctx context.Context, connected func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("listener: acquire conn: %w", err)
	}
	// A LISTEN connection must not go back to the pool still subscribed.
	defer func() {
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.cfg.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listener: listen: %w", err)
	}
	connected()
	l.logger.InfoContext(ctx, "ballot listener subscribed",
		slog.String("event", "voting_listener_subscribed"),
		slog.String("channel", l.cfg.Channel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	defer g.Wait()

	if l.cfg.CatchUp != nil {
		g.Go(func() error {
			if err := l.cfg.CatchUp(gctx); err != nil && gctx.Err() == nil {
				l.logger.WarnContext(gctx, "ballot listener catch-up failed",
					slog.String("event", "voting_listener_catchup_failed"),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("listener: wait: %w", err)
		}
		itemID, ok := ParsePayload(n)
		if !ok {
			l.logger.WarnContext(ctx, "malformed ballot notification",
				slog.String("event", "voting_listener_bad_payload"),
				slog.String("payload", n.Payload),
			)
			continue
		}
		g.Go(func() error {
			if err := l.handler(gctx, itemID); err != nil {
				l.logger.WarnContext(gctx, "ballot change check failed",
					slog.String("event", "voting_listener_check_failed"),
					slog.String("item_id", itemID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
}

// ParsePayload extracts the item id from a ballot_changed notification.
// The trigger sends "<item_type>:<item_id>"; a bare id is accepted too.
func ParsePayload(n *pgconn.Notification) (string, bool) {
	if n == nil {
		return "", false
	}
	p := strings.TrimSpace(n.Payload)
	if i := strings.LastIndexByte(p, ':'); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return "", false
	}
	return p, true
}
