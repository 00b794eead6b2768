package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/Gilbert4525/arcc-sub000/voting"
)

// Policy tunes delivery.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Concurrency    int
	Lease          time.Duration
	Language       language.Tag
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 8
	}
	if p.Lease <= 0 {
		p.Lease = 2 * time.Minute
	}
	if p.Language == language.Und {
		p.Language = language.English
	}
	return p
}

// Dispatcher sends the summary for a completion event to every stakeholder
// at most once per item, unless a resend is forced.
type Dispatcher struct {
	records   RecordStore
	directory RecipientDirectory
	ballots   BallotSource
	notifier  Notifier
	policy    Policy
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time
}

func NewDispatcher(records RecordStore, directory RecipientDirectory, ballots BallotSource, notifier Notifier, policy Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		records:   records,
		directory: directory,
		ballots:   ballots,
		notifier:  notifier,
		policy:    policy.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer("github.com/Gilbert4525/arcc-sub000/notify"),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Publish lets the dispatcher act as the engine's completion hook.
func (d *Dispatcher) Publish(ctx context.Context, ev voting.CompletionEvent) error {
	_, err := d.Dispatch(ctx, ev)
	return err
}

// Dispatch sends the summary unless the item's record is already sent.
func (d *Dispatcher) Dispatch(ctx context.Context, ev voting.CompletionEvent) (Report, error) {
	return d.dispatch(ctx, ev, false)
}

// Resend bypasses the sent check and delivers to every recipient again.
func (d *Dispatcher) Resend(ctx context.Context, ev voting.CompletionEvent) (Report, error) {
	return d.dispatch(ctx, ev, true)
}

// Record returns the dispatch ledger for an item.
func (d *Dispatcher) Record(ctx context.Context, itemType voting.ItemType, itemID string) (Record, error) {
	return d.records.Get(ctx, itemType, itemID)
}

func (d *Dispatcher) dispatch(ctx context.Context, ev voting.CompletionEvent, forced bool) (rep Report, err error) {
	ctx, span := d.tracer.Start(ctx, "notify.Dispatch", trace.WithAttributes(
		attribute.String("voting.item_type", string(ev.ItemType)),
		attribute.String("voting.item_id", ev.ItemID),
		attribute.Bool("notify.forced", forced),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rep = Report{ItemType: ev.ItemType, ItemID: ev.ItemID, Forced: forced}
	log := d.logger.With(
		slog.String("item_type", string(ev.ItemType)),
		slog.String("item_id", ev.ItemID),
		slog.String("event_id", ev.ID),
	)

	var delivered map[string]bool
	if forced {
		log.WarnContext(ctx, "forced summary resend",
			slog.String("event", "voting_dispatch_forced_resend"),
			slog.String("outcome", string(ev.Outcome)),
		)
	} else {
		claim, err := d.records.Claim(ctx, ev, d.policy.Lease)
		if err != nil {
			return rep, fmt.Errorf("notify: claim dispatch: %w", err)
		}
		switch claim.State {
		case ClaimAlreadySent:
			log.InfoContext(ctx, "summary already sent",
				slog.String("event", "voting_dispatch_skipped"))
			rep.Skipped = true
			return rep, nil
		case ClaimBusy:
			return rep, ErrDispatchInProgress
		}
		delivered = claim.Delivered
	}

	// From here on a failure hands the claim back so a retry can proceed.
	defer func() {
		if err != nil && !forced {
			if rerr := d.records.Release(context.WithoutCancel(ctx), ev); rerr != nil {
				log.ErrorContext(ctx, "release dispatch claim",
					slog.String("event", "voting_dispatch_release_failed"),
					slog.String("error", rerr.Error()))
			}
		}
	}()

	recipients, err := d.directory.Recipients(ctx, ev.ItemType, ev.ItemID)
	if err != nil {
		return rep, fmt.Errorf("notify: resolve recipients: %w", err)
	}
	ballots, err := d.ballots.CurrentBallots(ctx, ev.ItemID)
	if err != nil {
		return rep, fmt.Errorf("notify: load ballots: %w", err)
	}
	summary := Compose(ev, ballots, recipients, d.policy.Language)

	if len(recipients) == 0 {
		log.WarnContext(ctx, "no recipients for summary",
			slog.String("event", "voting_dispatch_no_recipients"))
	}

	outcomes := make([]RecipientOutcome, len(recipients))
	g := new(errgroup.Group)
	g.SetLimit(d.policy.Concurrency)
	for i, r := range recipients {
		if delivered[r.ID] {
			outcomes[i] = RecipientOutcome{RecipientID: r.ID, Status: DeliveryDelivered}
			continue
		}
		g.Go(func() error {
			o := d.deliver(ctx, r, summary, forced)
			outcomes[i] = o
			if err := d.records.RecordOutcome(ctx, ev, o); err != nil {
				return fmt.Errorf("notify: record outcome for %s: %w", r.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	rep.Outcomes = outcomes

	if err := d.records.MarkSent(ctx, ev, forced); err != nil {
		return rep, fmt.Errorf("notify: mark sent: %w", err)
	}

	event := "voting_dispatch_sent"
	if forced {
		event = "voting_dispatch_forced_sent"
	}
	log.InfoContext(ctx, "summary dispatched",
		slog.String("event", event),
		slog.Int("recipients", len(recipients)),
		slog.Int("failed", rep.Failed()),
		slog.Int("resumed", len(delivered)),
	)
	return rep, nil
}

// deliver retries one recipient with capped exponential backoff. Its
// failure is recorded, never returned.
func (d *Dispatcher) deliver(ctx context.Context, r Recipient, s Summary, forced bool) RecipientOutcome {
	o := RecipientOutcome{RecipientID: r.ID, Forced: forced}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.policy.InitialBackoff
	exp.MaxInterval = d.policy.MaxBackoff
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(d.policy.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		o.Attempts++
		return d.notifier.SendSummary(ctx, r, s)
	}, policy)

	o.At = d.clock()
	if err == nil {
		o.Status = DeliveryDelivered
		return o
	}

	o.Status = DeliveryFailed
	o.Error = err.Error()
	level := slog.LevelWarn
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "summary delivery failed",
		slog.String("event", "voting_dispatch_recipient_failed"),
		slog.String("item_id", s.Event.ItemID),
		slog.String("recipient_id", r.ID),
		slog.Int("attempts", o.Attempts),
		slog.String("error", err.Error()),
	)
	return o
}
