package voting

import (
	"errors"
	"testing"
	"time"
)

func TestIsComplete(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	tests := []struct {
		name   string
		item   VotingItem
		tally  Tally
		done   bool
		reason Reason
	}{
		{
			name:   "deadline reached exactly",
			item:   VotingItem{EligibleVoterCount: 5, Deadline: at(0)},
			tally:  Tally{Total: 1},
			done:   true,
			reason: ReasonDeadlineExpired,
		},
		{
			name:   "deadline wins over full turnout",
			item:   VotingItem{EligibleVoterCount: 2, Deadline: at(-time.Second)},
			tally:  Tally{Total: 2},
			done:   true,
			reason: ReasonDeadlineExpired,
		},
		{
			name:   "everyone voted before deadline",
			item:   VotingItem{EligibleVoterCount: 2, Deadline: at(time.Hour)},
			tally:  Tally{Total: 2},
			done:   true,
			reason: ReasonAllVoted,
		},
		{
			name:   "more ballots than eligible voters",
			item:   VotingItem{EligibleVoterCount: 2},
			tally:  Tally{Total: 3},
			done:   true,
			reason: ReasonAllVoted,
		},
		{
			name:  "no deadline and ballots missing",
			item:  VotingItem{EligibleVoterCount: 3},
			tally: Tally{Total: 2},
		},
		{
			name:  "zero electorate never completes by turnout",
			item:  VotingItem{EligibleVoterCount: 0},
			tally: Tally{},
		},
		{
			name:   "zero electorate closes at deadline",
			item:   VotingItem{EligibleVoterCount: 0, Deadline: at(-time.Minute)},
			done:   true,
			reason: ReasonDeadlineExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, reason := IsComplete(tt.item, tt.tally, now)
			if done != tt.done || reason != tt.reason {
				t.Fatalf("expected (%v, %q), got (%v, %q)", tt.done, tt.reason, done, reason)
			}
		})
	}
}

func TestVotingItemValidate(t *testing.T) {
	valid := VotingItem{ID: "r1", Type: ItemTypeResolution, EligibleVoterCount: 3, QuorumPercent: 50, ApprovalPercent: 75}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid item, got %v", err)
	}

	broken := []VotingItem{
		{Type: ItemTypeResolution},
		{ID: "x", Type: "motion"},
		{ID: "x", Type: ItemTypeMinutes, EligibleVoterCount: -1},
		{ID: "x", Type: ItemTypeMinutes, QuorumPercent: 101},
		{ID: "x", Type: ItemTypeMinutes, ApprovalPercent: -0.5},
	}
	for _, it := range broken {
		err := it.Validate()
		if !IsConfigError(err) {
			t.Errorf("expected config error for %+v, got %v", it, err)
		}
		var ce *ConfigError
		if !errors.As(err, &ce) || ce.Msg == "" {
			t.Errorf("expected ConfigError with message, got %v", err)
		}
	}
}

func TestStatusPrecedes(t *testing.T) {
	forward := [][2]Status{
		{StatusDraft, StatusPublished},
		{StatusPublished, StatusVoting},
		{StatusVoting, StatusApproved},
		{StatusVoting, StatusFailed},
		{StatusDraft, StatusVoting},
	}
	for _, p := range forward {
		if !p[0].Precedes(p[1]) {
			t.Errorf("%s should precede %s", p[0], p[1])
		}
	}

	backward := [][2]Status{
		{StatusApproved, StatusVoting},
		{StatusVoting, StatusVoting},
		{StatusRejected, StatusApproved},
		{StatusVoting, "archived"},
	}
	for _, p := range backward {
		if p[0].Precedes(p[1]) {
			t.Errorf("%s must not precede %s", p[0], p[1])
		}
	}
}

func TestParse(t *testing.T) {
	if _, err := ParseItemType("resolution"); err != nil {
		t.Fatalf("resolution: %v", err)
	}
	if _, err := ParseItemType("Resolution"); err == nil {
		t.Fatalf("expected error for mis-cased type")
	}
	if _, err := ParseChoice("abstain"); err != nil {
		t.Fatalf("abstain: %v", err)
	}
	if _, err := ParseChoice("yes"); err == nil {
		t.Fatalf("expected error for unknown choice")
	}
}

func TestDecodeEvent(t *testing.T) {
	ok := []byte(`{"id":"e1","item_type":"minutes","item_id":"m1","outcome":"passed","tally":{"total":3,"approve":3},"reason":"all_voted"}`)
	ev, err := DecodeEvent(ok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Key() != "minutes:m1" || ev.Tally.Approve != 3 || ev.Reason != ReasonAllVoted {
		t.Fatalf("unexpected event: %+v", ev)
	}

	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"item_type":"minutes","outcome":"passed"}`),
		[]byte(`{"item_type":"motion","item_id":"m1","outcome":"passed"}`),
		[]byte(`{"item_type":"minutes","item_id":"m1","outcome":"approved"}`),
	}
	for _, b := range bad {
		if _, err := DecodeEvent(b); err == nil {
			t.Errorf("expected error for %s", b)
		}
	}
}

func TestStoreErrorClassification(t *testing.T) {
	boom := errors.New("connection reset")
	err := storeError("get item", boom)
	if !IsTransient(err) || !errors.Is(err, boom) {
		t.Fatalf("expected transient wrapper, got %v", err)
	}
	if storeError("get item", ErrItemNotFound) != ErrItemNotFound {
		t.Fatalf("not found must pass through unchanged")
	}
	if IsTransient(configErrorf("bad")) {
		t.Fatalf("config errors are not transient")
	}
	if storeError("x", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestStoreError_SinglePrefix(t *testing.T) {
	boom := errors.New("connection reset")
	err := storeError("get item", mapError(boom, "get item"))
	if got, want := err.Error(), "voting: get item: connection reset"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !IsTransient(err) || !errors.Is(err, boom) {
		t.Fatalf("expected transient wrapper, got %v", err)
	}
}
