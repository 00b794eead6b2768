package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

// Engine is the part of voting.Engine the scheduler drives.
type Engine interface {
	OnChange(ctx context.Context, itemID string) (voting.Result, error)
	Lookup(ctx context.Context, itemType voting.ItemType, itemID string) (voting.VotingItem, error)
	Reevaluate(ctx context.Context, itemID string) (voting.CompletionEvent, error)
}

// Resender re-sends a summary, bypassing the already-sent check.
type Resender interface {
	Resend(ctx context.Context, ev voting.CompletionEvent) (notify.Report, error)
}

// Config tunes the sweep loop.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Stats describes one sweep.
type Stats struct {
	Scanned      int
	Transitioned int
	Failed       int
}

// Scheduler closes items whose deadline has passed and re-checks open
// items a failed ballot event left behind. Delivery is at-least-once; the
// engine makes repeated checks harmless.
type Scheduler struct {
	engine   Engine
	store    voting.VoteStore
	resender Resender
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	running  atomic.Bool
}

func New(engine Engine, store voting.VoteStore, resender Resender, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		resender: resender,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/Gilbert4525/arcc-sub000/scheduler"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer s.running.Store(false)

	s.logger.InfoContext(ctx, "deadline scheduler started",
		slog.String("event", "voting_scheduler_started"),
		slog.Duration("interval", s.cfg.Interval),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "deadline sweep failed",
				slog.String("event", "voting_sweep_failed"),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(context.WithoutCancel(ctx), "deadline scheduler stopped",
				slog.String("event", "voting_scheduler_stopped"))
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep checks every open item: all of them when the store can list items
// without a deadline, otherwise those with one. A failure on one item is
// logged and does not stop the others.
func (s *Scheduler) Sweep(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Sweep")
	defer span.End()

	items, err := s.openItems(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("scheduler: list open items: %w", err)
	}

	var transitioned, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			res, err := s.engine.OnChange(gctx, it.ID)
			if err != nil {
				failed.Add(1)
				s.logger.WarnContext(gctx, "sweep check failed",
					slog.String("event", "voting_deadline_check_failed"),
					slog.String("item_id", it.ID),
					slog.Bool("transient", voting.IsTransient(err)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if res.Transitioned {
				transitioned.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	st := Stats{
		Scanned:      len(items),
		Transitioned: int(transitioned.Load()),
		Failed:       int(failed.Load()),
	}
	span.SetAttributes(
		attribute.Int("scheduler.scanned", st.Scanned),
		attribute.Int("scheduler.transitioned", st.Transitioned),
	)
	if st.Scanned > 0 {
		s.logger.DebugContext(ctx, "deadline sweep finished",
			slog.String("event", "voting_sweep_finished"),
			slog.Int("scanned", st.Scanned),
			slog.Int("transitioned", st.Transitioned),
			slog.Int("failed", st.Failed),
		)
	}
	return st, ctx.Err()
}

func (s *Scheduler) openItems(ctx context.Context) ([]voting.VotingItem, error) {
	if l, ok := s.store.(voting.OpenItemLister); ok {
		return l.ListOpenItems(ctx, voting.ListFilter{IncludeUndated: true})
	}
	return s.store.ListOpenItemsWithDeadline(ctx)
}

// CheckResult is returned by CheckNow.
type CheckResult struct {
	Item   voting.VotingItem
	Result voting.Result
	Forced bool
	Report *notify.Report
}

// CheckNow evaluates one item on demand. With force set, an item that is
// already closed is re-evaluated from its current ballots and its summary
// is sent again.
func (s *Scheduler) CheckNow(ctx context.Context, itemType voting.ItemType, itemID string, force bool) (CheckResult, error) {
	item, err := s.engine.Lookup(ctx, itemType, itemID)
	if err != nil {
		return CheckResult{}, err
	}
	out := CheckResult{Item: item, Forced: force}

	if item.Status == voting.StatusVoting || !force {
		res, err := s.engine.OnChange(ctx, itemID)
		out.Result = res
		if err != nil {
			return out, err
		}
		return out, nil
	}

	if !item.Status.IsTerminal() {
		out.Result = voting.Result{ItemID: itemID, Skipped: voting.SkipNotVoting}
		return out, nil
	}

	s.logger.WarnContext(ctx, "forced re-check of closed item",
		slog.String("event", "voting_forced_recheck"),
		slog.String("item_type", string(itemType)),
		slog.String("item_id", itemID),
		slog.String("status", string(item.Status)),
	)

	ev, err := s.engine.Reevaluate(ctx, itemID)
	if err != nil {
		return out, err
	}
	out.Result = voting.Result{ItemID: itemID, Skipped: voting.SkipNotVoting, Event: &ev}

	if s.resender == nil {
		return out, nil
	}
	rep, err := s.resender.Resend(ctx, ev)
	if err != nil {
		return out, fmt.Errorf("scheduler: resend summary: %w", err)
	}
	out.Report = &rep
	return out, nil
}
