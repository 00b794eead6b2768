package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/outbox"
	"github.com/Gilbert4525/arcc-sub000/scheduler"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

// Item identifies one seeded voting item.
type Item struct {
	ID   string
	Type voting.ItemType
}

// expected reports errors the actors tolerate while chaos kills backends and
// items close underneath them.
func expected(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, voting.ErrVotingClosed) || errors.Is(err, notify.ErrDispatchInProgress) ||
		voting.IsTransient(err) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "57": // connection, rollback, operator intervention
			return true
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Voter casts or changes ballots on random items and reports each change,
// racing the listener, the sweeper and every other voter.
func Voter(ctx context.Context, votes *voting.Repository, engine *voting.Engine, items []Item, voters []string, stop <-chan struct{}) error {
	choices := []voting.Choice{voting.ChoiceApprove, voting.ChoiceReject, voting.ChoiceAbstain}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		it := items[rand.Intn(len(items))]
		b := voting.Ballot{
			ItemID:  it.ID,
			VoterID: voters[rand.Intn(len(voters))],
			Choice:  choices[rand.Intn(len(choices))],
		}
		if err := votes.CastBallot(ctx, b); !expected(err) {
			return fmt.Errorf("voter cast %s: %w", it.ID, err)
		}
		if _, err := engine.OnChange(ctx, it.ID); !expected(err) {
			return fmt.Errorf("voter check %s: %w", it.ID, err)
		}
		pause(5, 20)
	}
}

// Checker fires duplicate change notifications for the same items.
func Checker(ctx context.Context, engine *voting.Engine, items []Item, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		it := items[rand.Intn(len(items))]
		if _, err := engine.OnChange(ctx, it.ID); !expected(err) {
			return fmt.Errorf("checker %s: %w", it.ID, err)
		}
		pause(2, 10)
	}
}

// Sweeper runs deadline sweeps on a short, jittered cadence.
func Sweeper(ctx context.Context, sched *scheduler.Scheduler, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := sched.Sweep(ctx); !expected(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		pause(50, 100)
	}
}

// RelayWorker drains the outbox in competition with other workers.
func RelayWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		n, err := relay.RunOnce(ctx)
		if !expected(err) {
			return fmt.Errorf("relay: %w", err)
		}
		if n == 0 {
			pause(10, 40)
		}
	}
}

// Admin issues manual checks, occasionally forcing a resend.
func Admin(ctx context.Context, sched *scheduler.Scheduler, items []Item, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		it := items[rand.Intn(len(items))]
		force := rand.Intn(10) == 0
		if _, err := sched.CheckNow(ctx, it.Type, it.ID, force); !expected(err) {
			return fmt.Errorf("admin check %s: %w", it.ID, err)
		}
		pause(100, 200)
	}
}
