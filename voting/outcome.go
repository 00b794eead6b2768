package voting

// Evaluation is the full result of applying thresholds to a tally.
type Evaluation struct {
	Verdict       Verdict
	Participation float64
	Approval      float64
	QuorumMet     bool
	ApprovalMet   bool
}

// Evaluate applies quorum and approval thresholds. Both must hold for a
// positive verdict; a tie below threshold or an empty tally is negative.
// Thresholds are assumed validated (see VotingItem.Validate).
func Evaluate(t Tally, eligible int, quorumPercent, approvalPercent float64) Evaluation {
	var ev Evaluation

	if eligible > 0 {
		ev.Participation = float64(t.Total) / float64(eligible) * 100
	}
	if t.Total > 0 {
		ev.Approval = float64(t.Approve) / float64(t.Total) * 100
	}

	ev.QuorumMet = eligible > 0 && ev.Participation >= quorumPercent
	ev.ApprovalMet = t.Total > 0 && ev.Approval >= approvalPercent

	if ev.QuorumMet && ev.ApprovalMet {
		ev.Verdict = VerdictPositive
	}
	return ev
}

// EvaluateItem is Evaluate with the thresholds taken from the item.
func EvaluateItem(it VotingItem, t Tally) Evaluation {
	return Evaluate(t, it.EligibleVoterCount, it.QuorumPercent, it.ApprovalPercent)
}
