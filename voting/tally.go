package voting

// Tally aggregates ballots for one item.
type Tally struct {
	Total   int `json:"total"`
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
}

// Compute counts ballots by choice. Ballots with an unrecognised choice are ignored.
func Compute(ballots []Ballot) Tally {
	var t Tally
	for _, b := range ballots {
		switch b.Choice {
		case ChoiceApprove:
			t.Approve++
		case ChoiceReject:
			t.Reject++
		case ChoiceAbstain:
			t.Abstain++
		default:
			continue
		}
		t.Total++
	}
	return t
}
