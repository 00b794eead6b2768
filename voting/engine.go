package voting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultCheckTimeout = 5 * time.Second

// VoteStore is the persistence the engine depends on. CompareAndSetStatus
// must be a single atomic conditional write: it reports false when the
// current status is not expected.
type VoteStore interface {
	GetItem(ctx context.Context, itemID string) (VotingItem, error)
	CurrentBallots(ctx context.Context, itemID string) ([]Ballot, error)
	ListOpenItemsWithDeadline(ctx context.Context) ([]VotingItem, error)
	CompareAndSetStatus(ctx context.Context, itemID string, expected, next Status) (bool, error)
}

// EventRecorder is implemented by stores that can persist the completion
// event in the same transaction as the status transition. When the store
// implements it the engine does not publish in-process.
type EventRecorder interface {
	CompareAndSetStatusWithEvent(ctx context.Context, itemID string, expected, next Status, ev CompletionEvent) (bool, error)
}

// OpenItemLister is implemented by stores that can list open items without
// a deadline, so periodic sweeps also heal items whose last check failed.
type OpenItemLister interface {
	ListOpenItems(ctx context.Context, f ListFilter) ([]VotingItem, error)
}

// Publisher receives completion events emitted by the engine.
type Publisher interface {
	Publish(ctx context.Context, ev CompletionEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev CompletionEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev CompletionEvent) error { return f(ctx, ev) }

// SkipReason explains why OnChange left an item untouched.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipNotVoting  SkipReason = "not_voting"
	SkipIncomplete SkipReason = "incomplete"
	SkipRaceLost   SkipReason = "race_lost"
	SkipTimeout    SkipReason = "timeout"
)

// Result describes one OnChange invocation.
type Result struct {
	ItemID       string
	Transitioned bool
	Skipped      SkipReason
	Event        *CompletionEvent
	// Durable is set when the event was written to the outbox with the transition.
	Durable bool
}

// Engine drives the voting -> terminal transition. It holds no per-item
// state; concurrent callers are arbitrated by the store's conditional write.
type Engine struct {
	store     VoteStore
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time
	newID     func() string
	timeout   time.Duration
}

// Option customises an Engine.
type Option func(*Engine)

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for deadline checks and completedAt.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithCheckTimeout bounds a single OnChange call.
func WithCheckTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func NewEngine(store VoteStore, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/Gilbert4525/arcc-sub000/voting"),
		clock:   func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		timeout: defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnChange re-examines one item after a ballot write or a scheduler tick.
// It is idempotent: once the item is terminal every further call is a no-op.
// A call that exceeds the check timeout is abandoned and reported as
// SkipTimeout; the next trigger retries.
func (e *Engine) OnChange(ctx context.Context, itemID string) (Result, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "voting.OnChange",
		trace.WithAttributes(attribute.String("voting.item_id", itemID)))
	defer span.End()

	res, err := e.onChange(ctx, itemID)
	if err != nil && !res.Transitioned && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logger.WarnContext(ctx, "voting check abandoned",
			slog.String("event", "voting_check_timeout"),
			slog.String("item_id", itemID),
			slog.Duration("timeout", e.timeout),
		)
		span.SetAttributes(attribute.String("voting.skipped", string(SkipTimeout)))
		return Result{ItemID: itemID, Skipped: SkipTimeout}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	span.SetAttributes(
		attribute.Bool("voting.transitioned", res.Transitioned),
		attribute.String("voting.skipped", string(res.Skipped)),
	)
	return res, nil
}

func (e *Engine) onChange(ctx context.Context, itemID string) (Result, error) {
	if itemID == "" {
		return Result{}, fmt.Errorf("voting: missing item id")
	}

	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return Result{ItemID: itemID}, storeError("get item", err)
	}
	return e.evaluate(ctx, item)
}

func (e *Engine) evaluate(ctx context.Context, item VotingItem) (Result, error) {
	res := Result{ItemID: item.ID}

	if item.Status != StatusVoting {
		res.Skipped = SkipNotVoting
		return res, nil
	}

	if err := item.Validate(); err != nil {
		e.logger.ErrorContext(ctx, "voting item misconfigured",
			slog.String("event", "voting_item_misconfigured"),
			slog.String("item_id", item.ID),
			slog.String("item_type", string(item.Type)),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	ballots, err := e.store.CurrentBallots(ctx, item.ID)
	if err != nil {
		return res, storeError("current ballots", err)
	}

	tally := Compute(ballots)
	now := e.clock()

	complete, reason := IsComplete(item, tally, now)
	if !complete {
		res.Skipped = SkipIncomplete
		return res, nil
	}

	eval := EvaluateItem(item, tally)
	next := item.Type.Outcome(eval.Verdict)

	ev := CompletionEvent{
		ID:                 e.newID(),
		ItemType:           item.Type,
		ItemID:             item.ID,
		Title:              item.Title,
		Outcome:            next,
		Tally:              tally,
		EligibleVoterCount: item.EligibleVoterCount,
		QuorumPercent:      item.QuorumPercent,
		ApprovalPercent:    item.ApprovalPercent,
		CompletedAt:        now,
		Reason:             reason,
	}

	var ok bool
	recorder, durable := e.store.(EventRecorder)
	if durable {
		ok, err = recorder.CompareAndSetStatusWithEvent(ctx, item.ID, StatusVoting, next, ev)
	} else {
		ok, err = e.store.CompareAndSetStatus(ctx, item.ID, StatusVoting, next)
	}
	if err != nil {
		return res, storeError("compare and set status", err)
	}
	if !ok {
		e.logger.DebugContext(ctx, "voting transition lost race",
			slog.String("event", "voting_race_lost"),
			slog.String("item_id", item.ID),
		)
		res.Skipped = SkipRaceLost
		return res, nil
	}

	res.Transitioned = true
	res.Event = &ev
	res.Durable = durable

	e.logger.InfoContext(ctx, "voting item closed",
		slog.String("event", "voting_item_closed"),
		slog.String("item_id", item.ID),
		slog.String("item_type", string(item.Type)),
		slog.String("outcome", string(next)),
		slog.String("reason", string(reason)),
		slog.Int("total", tally.Total),
		slog.Int("approve", tally.Approve),
		slog.Int("reject", tally.Reject),
		slog.Int("abstain", tally.Abstain),
		slog.Int("eligible", item.EligibleVoterCount),
		slog.Float64("participation", eval.Participation),
		slog.Float64("approval", eval.Approval),
	)

	if durable || e.publisher == nil {
		return res, nil
	}

	// Dispatch outlives the check timeout.
	// The transition stands either way; Resend covers a lost summary.
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.ErrorContext(ctx, "completion publish failed",
			slog.String("event", "voting_publish_failed"),
			slog.String("item_id", item.ID),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
	return res, nil
}

// Lookup loads an item and checks that it is of the expected type.
func (e *Engine) Lookup(ctx context.Context, itemType ItemType, itemID string) (VotingItem, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return VotingItem{}, storeError("get item", err)
	}
	if item.Type != itemType {
		return VotingItem{}, fmt.Errorf("%w: %s is a %s, not a %s", ErrItemTypeMismatch, itemID, item.Type, itemType)
	}
	return item, nil
}

// Reevaluate rebuilds the completion event for an already closed item from
// its current ballots. The stored status is kept as the outcome; a
// disagreeing recomputation is logged and never written back.
func (e *Engine) Reevaluate(ctx context.Context, itemID string) (CompletionEvent, error) {
	ctx, span := e.tracer.Start(ctx, "voting.Reevaluate",
		trace.WithAttributes(attribute.String("voting.item_id", itemID)))
	defer span.End()

	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return CompletionEvent{}, storeError("get item", err)
	}
	if !item.Status.IsTerminal() {
		return CompletionEvent{}, fmt.Errorf("%w: %s is %s", ErrItemStillOpen, itemID, item.Status)
	}
	if err := item.Validate(); err != nil {
		return CompletionEvent{}, err
	}

	ballots, err := e.store.CurrentBallots(ctx, item.ID)
	if err != nil {
		return CompletionEvent{}, storeError("current ballots", err)
	}
	tally := Compute(ballots)

	if recomputed := item.Type.Outcome(EvaluateItem(item, tally).Verdict); recomputed != item.Status {
		e.logger.WarnContext(ctx, "recomputed outcome differs from stored status",
			slog.String("event", "voting_outcome_drift"),
			slog.String("item_id", item.ID),
			slog.String("stored", string(item.Status)),
			slog.String("recomputed", string(recomputed)),
		)
	}

	completedAt := e.clock()
	if item.ClosedAt != nil {
		completedAt = *item.ClosedAt
	}

	return CompletionEvent{
		ID:                 e.newID(),
		ItemType:           item.Type,
		ItemID:             item.ID,
		Title:              item.Title,
		Outcome:            item.Status,
		Tally:              tally,
		EligibleVoterCount: item.EligibleVoterCount,
		QuorumPercent:      item.QuorumPercent,
		ApprovalPercent:    item.ApprovalPercent,
		CompletedAt:        completedAt,
		Reason:             ReasonManualRecheck,
	}, nil
}
