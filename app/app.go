package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/Gilbert4525/arcc-sub000/config"
	"github.com/Gilbert4525/arcc-sub000/db"
	"github.com/Gilbert4525/arcc-sub000/listener"
	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/outbox"
	"github.com/Gilbert4525/arcc-sub000/scheduler"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

// App owns the pool and every long-running component.
type App struct {
	logger *slog.Logger
	pool   *pgxpool.Pool

	Votes      *voting.Repository
	Engine     *voting.Engine
	Records    *notify.Repository
	Dispatcher *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	Relay      *outbox.Relay
	Listener   *listener.Listener
}

// New connects to Postgres, applies migrations when configured and wires
// the components.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx, cfg.Database.DSN, logger); err != nil {
			return nil, err
		}
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	return Wire(pool, cfg, logger), nil
}

// Wire builds the components on an existing pool.
func Wire(pool *pgxpool.Pool, cfg *config.Config, logger *slog.Logger) *App {
	a := &App{logger: logger, pool: pool}

	a.Votes = voting.NewRepository(pool)
	a.Records = notify.NewRepository(pool)

	var notifier notify.Notifier
	switch cfg.Dispatch.Transport {
	case "log":
		notifier = notify.NewLogNotifier(logger)
	default:
		notifier = notify.NewOutboxNotifier(pool)
	}

	a.Dispatcher = notify.NewDispatcher(a.Records, a.Records, a.Votes, notifier, notify.Policy{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		Concurrency:    cfg.Dispatch.Concurrency,
		Lease:          cfg.Dispatch.Lease,
		Language:       cfg.Dispatch.Tag(),
	}, logger)

	// The repository records completion events in the outbox, so the engine
	// needs no in-process publisher; the relay feeds the dispatcher.
	a.Engine = voting.NewEngine(a.Votes,
		voting.WithLogger(logger),
		voting.WithCheckTimeout(cfg.Scheduler.CheckTimeout),
	)

	a.Scheduler = scheduler.New(a.Engine, a.Votes, a.Dispatcher, scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		Concurrency: cfg.Scheduler.Concurrency,
	}, logger)

	a.Relay = outbox.NewRelay(pool, outbox.RelayConfig{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: cfg.Outbox.InitialBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		Concurrency:    cfg.Outbox.Concurrency,
		ClaimLease:     cfg.Outbox.ClaimLease,
	}, logger)
	a.Relay.Handle(voting.OutboxTopicCompleted, CompletionHandler(a.Dispatcher, cfg.Dispatch.Lease))

	if cfg.Listener.Enabled {
		a.Listener = listener.New(pool, BallotHandler(a.Engine, checkBackOff), listener.Config{
			Channel:     cfg.Listener.Channel,
			Concurrency: cfg.Listener.Concurrency,
			CatchUp: func(ctx context.Context) error {
				_, err := a.Scheduler.Sweep(ctx)
				return err
			},
		}, logger)
	}

	return a
}

// Checker is the part of voting.Engine a ballot event drives.
type Checker interface {
	OnChange(ctx context.Context, itemID string) (voting.Result, error)
}

var errCheckTimedOut = errors.New("app: ballot check timed out")

func checkBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = time.Minute
	return exp
}

// BallotHandler runs OnChange for one ballot event and retries the whole
// check while the store fails transiently or the check times out. Other
// errors are returned at once.
func BallotHandler(c Checker, newBackOff func() backoff.BackOff) listener.Handler {
	return func(ctx context.Context, itemID string) error {
		return backoff.Retry(func() error {
			res, err := c.OnChange(ctx, itemID)
			switch {
			case err != nil && voting.IsTransient(err):
				return err
			case err != nil:
				return backoff.Permanent(err)
			case res.Skipped == voting.SkipTimeout:
				return errCheckTimedOut
			}
			return nil
		}, backoff.WithContext(newBackOff(), ctx))
	}
}

// Dispatcher is the part of notify.Dispatcher the outbox handler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev voting.CompletionEvent) (notify.Report, error)
}

// CompletionHandler decodes voting.completed outbox rows and dispatches
// them. Undecodable payloads are dead-lettered. A dispatch claimed by
// another worker is retried once its lease can have expired, without
// spending an attempt.
func CompletionHandler(d Dispatcher, lease time.Duration) outbox.Handler {
	return func(ctx context.Context, msg outbox.Message) error {
		ev, err := voting.DecodeEvent(msg.Payload)
		if err != nil {
			return outbox.Permanent(err)
		}
		if _, err := d.Dispatch(ctx, ev); err != nil {
			err = fmt.Errorf("dispatch %s: %w", ev.Key(), err)
			if errors.Is(err, notify.ErrDispatchInProgress) {
				return outbox.Defer(err, lease)
			}
			return err
		}
		return nil
	}
}

// Pool exposes the shared pool for the HTTP layer.
func (a *App) Pool() *pgxpool.Pool {
	return a.pool
}

// Run starts the scheduler, the outbox relay and the ballot listener and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.logger.InfoContext(ctx, "workers started",
		slog.String("event", "app_workers_started"),
		slog.Bool("listener", a.Listener != nil),
	)

	g.Go(func() error { return a.Scheduler.Run(gctx) })
	g.Go(func() error { return a.Relay.Run(gctx) })
	if a.Listener != nil {
		g.Go(func() error { return a.Listener.Run(gctx) })
	}

	return g.Wait()
}

// Close releases the pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
