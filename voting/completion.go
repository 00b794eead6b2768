package voting

import "time"

// IsComplete decides whether an item should close. An expired deadline wins
// over a full turnout. The all-voted branch never fires for a zero electorate.
func IsComplete(it VotingItem, t Tally, now time.Time) (bool, Reason) {
	if it.Deadline != nil && !now.Before(*it.Deadline) {
		return true, ReasonDeadlineExpired
	}
	if it.EligibleVoterCount > 0 && t.Total >= it.EligibleVoterCount {
		return true, ReasonAllVoted
	}
	return false, ReasonNone
}
