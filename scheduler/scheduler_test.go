package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gilbert4525/arcc-sub000/memory"
	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store      *memory.Store
	notifier   *memory.Notifier
	engine     *voting.Engine
	dispatcher *notify.Dispatcher
	sched      *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	notifier := memory.NewNotifier()
	d := notify.NewDispatcher(memory.NewRecordStore(), store, store, notifier, notify.Policy{
		InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
	}, quiet)
	eng := voting.NewEngine(store,
		voting.WithLogger(quiet),
		voting.WithClock(func() time.Time { return now }),
		voting.WithPublisher(d),
	)
	return &harness{
		store:      store,
		notifier:   notifier,
		engine:     eng,
		dispatcher: d,
		sched:      New(eng, store, d, Config{Interval: 10 * time.Millisecond, Concurrency: 4}, quiet),
	}
}

func (h *harness) put(id string, itemType voting.ItemType, deadline time.Time, eligible int) {
	h.store.Put(voting.VotingItem{
		ID:                 id,
		Type:               itemType,
		Title:              id,
		Status:             voting.StatusVoting,
		Deadline:           &deadline,
		EligibleVoterCount: eligible,
		QuorumPercent:      50,
		ApprovalPercent:    50,
	})
	h.store.AddRecipient(id, notify.Recipient{ID: "chair", Email: "chair@board.example", EligibleVoter: true})
}

func (h *harness) status(t *testing.T, id string) voting.Status {
	t.Helper()
	it, err := h.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it.Status
}

func TestSweep_ClosesExpiredItems(t *testing.T) {
	h := newHarness(t)
	h.put("expired", voting.ItemTypeMinutes, now.Add(-time.Minute), 2)
	h.put("open", voting.ItemTypeResolution, now.Add(time.Hour), 2)
	require.NoError(t, h.store.CastBallot(context.Background(), voting.Ballot{VoterID: "chair", ItemID: "expired", Choice: voting.ChoiceApprove}))

	st, err := h.sched.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Scanned: 2, Transitioned: 1}, st)
	assert.Equal(t, voting.StatusPassed, h.status(t, "expired"))
	assert.Equal(t, voting.StatusVoting, h.status(t, "open"))
	assert.Equal(t, 1, h.notifier.CountFor("expired", "chair"))

	// A second sweep finds nothing new to close.
	st, err = h.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Transitioned)
	assert.Equal(t, 1, h.notifier.CountFor("expired", "chair"))
}

func TestSweep_OneBadItemDoesNotStopOthers(t *testing.T) {
	h := newHarness(t)
	h.put("good", voting.ItemTypeResolution, now.Add(-time.Minute), 1)
	bad := now.Add(-time.Minute)
	h.store.Put(voting.VotingItem{
		ID: "bad", Type: voting.ItemTypeResolution, Status: voting.StatusVoting,
		Deadline: &bad, EligibleVoterCount: 1, QuorumPercent: 500,
	})

	st, err := h.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Transitioned)
	assert.Equal(t, voting.StatusRejected, h.status(t, "good"))
	assert.Equal(t, voting.StatusVoting, h.status(t, "bad"))
}

func TestSweep_HealsUndatedItemAfterFailedCheck(t *testing.T) {
	h := newHarness(t)
	h.store.Put(voting.VotingItem{
		ID: "r1", Type: voting.ItemTypeResolution, Title: "Appoint auditor", Status: voting.StatusVoting,
		EligibleVoterCount: 1, QuorumPercent: 50, ApprovalPercent: 50,
	})
	h.store.AddRecipient("r1", notify.Recipient{ID: "chair", Email: "chair@board.example", EligibleVoter: true})
	require.NoError(t, h.store.CastBallot(context.Background(), voting.Ballot{VoterID: "chair", ItemID: "r1", Choice: voting.ChoiceApprove}))

	// The ballot event's own check fails and is not retried.
	h.store.FailNext(errors.New("conn reset"))
	_, err := h.engine.OnChange(context.Background(), "r1")
	require.True(t, voting.IsTransient(err), "got %v", err)
	require.Equal(t, voting.StatusVoting, h.status(t, "r1"))

	st, err := h.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Scanned: 1, Transitioned: 1}, st)
	assert.Equal(t, voting.StatusApproved, h.status(t, "r1"))
	assert.Equal(t, 1, h.notifier.CountFor("r1", "chair"))
}

func TestSweep_ListFailure(t *testing.T) {
	h := newHarness(t)
	h.store.FailNext(errors.New("db down"))

	_, err := h.sched.Sweep(context.Background())
	require.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.put("expired", voting.ItemTypeResolution, now.Add(-time.Minute), 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		it, err := h.store.GetItem(context.Background(), "expired")
		return err == nil && it.Status.IsTerminal()
	}, time.Second, 5*time.Millisecond)

	require.Error(t, h.sched.Run(ctx), "a second concurrent Run must be refused")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestCheckNow(t *testing.T) {
	t.Run("closes a complete voting item", func(t *testing.T) {
		h := newHarness(t)
		h.put("r1", voting.ItemTypeResolution, now.Add(time.Hour), 1)
		require.NoError(t, h.store.CastBallot(context.Background(), voting.Ballot{VoterID: "chair", ItemID: "r1", Choice: voting.ChoiceApprove}))

		res, err := h.sched.CheckNow(context.Background(), voting.ItemTypeResolution, "r1", false)
		require.NoError(t, err)
		assert.True(t, res.Result.Transitioned)
		assert.Equal(t, voting.StatusApproved, res.Result.Event.Outcome)
		assert.Nil(t, res.Report)
	})

	t.Run("incomplete item is left open", func(t *testing.T) {
		h := newHarness(t)
		h.put("r1", voting.ItemTypeResolution, now.Add(time.Hour), 3)

		res, err := h.sched.CheckNow(context.Background(), voting.ItemTypeResolution, "r1", true)
		require.NoError(t, err)
		assert.False(t, res.Result.Transitioned)
		assert.Equal(t, voting.SkipIncomplete, res.Result.Skipped)
		assert.Equal(t, 0, h.notifier.CountFor("r1", "chair"))
	})

	t.Run("wrong type", func(t *testing.T) {
		h := newHarness(t)
		h.put("r1", voting.ItemTypeResolution, now.Add(time.Hour), 3)

		_, err := h.sched.CheckNow(context.Background(), voting.ItemTypeMinutes, "r1", false)
		require.ErrorIs(t, err, voting.ErrItemTypeMismatch)
	})

	t.Run("closed item without force is a no-op", func(t *testing.T) {
		h := newHarness(t)
		h.put("r1", voting.ItemTypeResolution, now.Add(-time.Hour), 1)
		_, err := h.sched.Sweep(context.Background())
		require.NoError(t, err)

		res, err := h.sched.CheckNow(context.Background(), voting.ItemTypeResolution, "r1", false)
		require.NoError(t, err)
		assert.Equal(t, voting.SkipNotVoting, res.Result.Skipped)
		assert.Equal(t, 1, h.notifier.CountFor("r1", "chair"))
	})

	t.Run("forced check on closed item resends", func(t *testing.T) {
		h := newHarness(t)
		h.put("m1", voting.ItemTypeMinutes, now.Add(-time.Hour), 1)
		_, err := h.sched.Sweep(context.Background())
		require.NoError(t, err)
		require.Equal(t, voting.StatusFailed, h.status(t, "m1"))

		res, err := h.sched.CheckNow(context.Background(), voting.ItemTypeMinutes, "m1", true)
		require.NoError(t, err)
		require.NotNil(t, res.Report)
		assert.True(t, res.Forced)
		assert.True(t, res.Report.Forced)
		assert.Equal(t, voting.ReasonManualRecheck, res.Result.Event.Reason)
		assert.Equal(t, voting.StatusFailed, res.Result.Event.Outcome)
		assert.Equal(t, voting.StatusFailed, h.status(t, "m1"), "forced check never rewrites the outcome")
		assert.Equal(t, 2, h.notifier.CountFor("m1", "chair"))

		rec, err := h.dispatcher.Record(context.Background(), voting.ItemTypeMinutes, "m1")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.ForcedCount)
	})

	t.Run("forced check on draft is skipped", func(t *testing.T) {
		h := newHarness(t)
		h.store.Put(voting.VotingItem{ID: "d1", Type: voting.ItemTypeResolution, Status: voting.StatusDraft})

		res, err := h.sched.CheckNow(context.Background(), voting.ItemTypeResolution, "d1", true)
		require.NoError(t, err)
		assert.Equal(t, voting.SkipNotVoting, res.Result.Skipped)
		assert.Nil(t, res.Report)
	})
}
