package notify

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Gilbert4525/arcc-sub000/voting"
)

// Summary is the rendered notification for a closed item.
type Summary struct {
	Event         voting.CompletionEvent
	Subject       string
	Body          string
	OutcomeLabel  string
	Participation float64
	Approval      float64
	NonVoters     []Recipient
}

var outcomeLabels = map[voting.Status]string{
	voting.StatusApproved: "Approved",
	voting.StatusRejected: "Rejected",
	voting.StatusPassed:   "Passed",
	voting.StatusFailed:   "Failed",
}

var itemLabels = map[voting.ItemType]string{
	voting.ItemTypeResolution: "Resolution",
	voting.ItemTypeMinutes:    "Minutes",
}

var reasonLabels = map[voting.Reason]string{
	voting.ReasonAllVoted:        "all eligible voters have voted",
	voting.ReasonDeadlineExpired: "the voting deadline passed",
	voting.ReasonManualRecheck:   "an administrator re-checked the result",
}

// Compose builds the summary for an event. Non-voters are the eligible
// recipients without a ballot.
func Compose(ev voting.CompletionEvent, ballots []voting.Ballot, recipients []Recipient, tag language.Tag) Summary {
	eval := voting.Evaluate(ev.Tally, ev.EligibleVoterCount, ev.QuorumPercent, ev.ApprovalPercent)

	voted := make(map[string]struct{}, len(ballots))
	for _, b := range ballots {
		voted[b.VoterID] = struct{}{}
	}
	nonVoters := make([]Recipient, 0)
	for _, r := range recipients {
		if !r.EligibleVoter {
			continue
		}
		if _, ok := voted[r.ID]; !ok {
			nonVoters = append(nonVoters, r)
		}
	}
	sort.Slice(nonVoters, func(i, j int) bool { return nonVoters[i].ID < nonVoters[j].ID })

	s := Summary{
		Event:         ev,
		OutcomeLabel:  label(outcomeLabels, ev.Outcome, string(ev.Outcome)),
		Participation: eval.Participation,
		Approval:      eval.Approval,
		NonVoters:     nonVoters,
	}

	p := message.NewPrinter(tag)
	kind := label(itemLabels, ev.ItemType, string(ev.ItemType))
	title := ev.Title
	if title == "" {
		title = ev.ItemID
	}
	s.Subject = p.Sprintf("%s %q: %s", kind, title, s.OutcomeLabel)

	var b strings.Builder
	b.WriteString(p.Sprintf("%s %q closed as %s because %s.\n\n", kind, title, s.OutcomeLabel,
		label(reasonLabels, ev.Reason, string(ev.Reason))))
	b.WriteString(p.Sprintf("Votes cast: %d of %d eligible\n", ev.Tally.Total, ev.EligibleVoterCount))
	b.WriteString(p.Sprintf("Approve: %d, Reject: %d, Abstain: %d\n", ev.Tally.Approve, ev.Tally.Reject, ev.Tally.Abstain))
	b.WriteString(p.Sprintf("Participation: %.1f%% (quorum %.1f%%)\n", s.Participation, ev.QuorumPercent))
	b.WriteString(p.Sprintf("Approval: %.1f%% (threshold %.1f%%)\n", s.Approval, ev.ApprovalPercent))
	if len(nonVoters) > 0 {
		names := make([]string, 0, len(nonVoters))
		for _, r := range nonVoters {
			names = append(names, displayName(r))
		}
		b.WriteString(p.Sprintf("Did not vote (%d): %s\n", len(nonVoters), strings.Join(names, ", ")))
	}
	s.Body = b.String()
	return s
}

func label[K comparable](m map[K]string, k K, fallback string) string {
	if v, ok := m[k]; ok {
		return v
	}
	return fallback
}

func displayName(r Recipient) string {
	switch {
	case r.Name != "":
		return r.Name
	case r.Email != "":
		return r.Email
	default:
		return r.ID
	}
}
