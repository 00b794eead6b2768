package notify

import (
	"strings"
	"testing"

	"golang.org/x/text/language"

	"github.com/Gilbert4525/arcc-sub000/voting"
)

func TestCompose(t *testing.T) {
	ev := voting.CompletionEvent{
		ID:                 "e1",
		ItemType:           voting.ItemTypeMinutes,
		ItemID:             "m1",
		Title:              "February minutes",
		Outcome:            voting.StatusPassed,
		Tally:              voting.Tally{Total: 3, Approve: 3},
		EligibleVoterCount: 4,
		QuorumPercent:      50,
		ApprovalPercent:    66,
		Reason:             voting.ReasonDeadlineExpired,
	}
	ballots := []voting.Ballot{
		{VoterID: "u1", ItemID: "m1", Choice: voting.ChoiceApprove},
		{VoterID: "u2", ItemID: "m1", Choice: voting.ChoiceApprove},
		{VoterID: "u3", ItemID: "m1", Choice: voting.ChoiceApprove},
	}
	recipients := []Recipient{
		{ID: "u4", Name: "Dana Reyes", EligibleVoter: true},
		{ID: "u1", Name: "Ada", EligibleVoter: true},
		{ID: "obs", Name: "Observer"},
		{ID: "u0", Email: "zero@board.example", EligibleVoter: true},
	}

	s := Compose(ev, ballots, recipients, language.English)

	if s.Subject != `Minutes "February minutes": Passed` {
		t.Fatalf("unexpected subject %q", s.Subject)
	}
	if s.OutcomeLabel != "Passed" || s.Participation != 75 || s.Approval != 100 {
		t.Fatalf("unexpected figures: %+v", s)
	}
	if len(s.NonVoters) != 2 || s.NonVoters[0].ID != "u0" || s.NonVoters[1].ID != "u4" {
		t.Fatalf("expected non-voters u0 and u4, got %+v", s.NonVoters)
	}

	for _, want := range []string{
		"closed as Passed because the voting deadline passed",
		"Votes cast: 3 of 4 eligible",
		"Approve: 3, Reject: 0, Abstain: 0",
		"Participation: 75.0% (quorum 50.0%)",
		"Did not vote (2): zero@board.example, Dana Reyes",
	} {
		if !strings.Contains(s.Body, want) {
			t.Errorf("body missing %q:\n%s", want, s.Body)
		}
	}
}

func TestCompose_FallsBackToItemID(t *testing.T) {
	ev := voting.CompletionEvent{ItemType: voting.ItemTypeResolution, ItemID: "r9", Outcome: voting.StatusRejected}
	s := Compose(ev, nil, nil, language.Und)
	if s.Subject != `Resolution "r9": Rejected` {
		t.Fatalf("unexpected subject %q", s.Subject)
	}
	if strings.Contains(s.Body, "Did not vote") {
		t.Fatalf("no non-voter line expected:\n%s", s.Body)
	}
}

func TestReportFailed(t *testing.T) {
	r := Report{Outcomes: []RecipientOutcome{
		{RecipientID: "a", Status: DeliveryDelivered},
		{RecipientID: "b", Status: DeliveryFailed},
		{RecipientID: "c", Status: DeliveryFailed},
	}}
	if r.Failed() != 2 {
		t.Fatalf("expected 2 failures, got %d", r.Failed())
	}
}
