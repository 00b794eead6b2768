package voting

import (
	"fmt"
	"time"
)

// ItemType distinguishes the two kinds of board items that are put to a vote.
type ItemType string

const (
	ItemTypeResolution ItemType = "resolution"
	ItemTypeMinutes    ItemType = "minutes"
)

// ParseItemType maps the wire form of an item type onto ItemType.
func ParseItemType(s string) (ItemType, error) {
	switch ItemType(s) {
	case ItemTypeResolution, ItemTypeMinutes:
		return ItemType(s), nil
	default:
		return "", fmt.Errorf("voting: unknown item type %q", s)
	}
}

// Status is the lifecycle state of a voting item. It only moves forward.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusVoting    Status = "voting"

	// Terminal statuses for resolutions.
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"

	// Terminal statuses for minutes.
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// IsTerminal reports whether the status closes the item.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusPassed, StatusFailed:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusPublished:
		return 1
	case StatusVoting:
		return 2
	}
	if s.IsTerminal() {
		return 3
	}
	return -1
}

// Precedes reports whether moving from s to next goes forward in the lifecycle.
func (s Status) Precedes(next Status) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to >= 0 && from < to
}

// Verdict is the type-independent result of evaluating a tally.
type Verdict int

const (
	VerdictNegative Verdict = iota
	VerdictPositive
)

func (v Verdict) String() string {
	if v == VerdictPositive {
		return "positive"
	}
	return "negative"
}

// Outcome maps a verdict onto the terminal status vocabulary of the item type.
// This is the only place the approved/rejected and passed/failed names are chosen.
func (t ItemType) Outcome(v Verdict) Status {
	switch t {
	case ItemTypeMinutes:
		if v == VerdictPositive {
			return StatusPassed
		}
		return StatusFailed
	default:
		if v == VerdictPositive {
			return StatusApproved
		}
		return StatusRejected
	}
}

// Accepts reports whether the terminal status belongs to the item type.
func (t ItemType) Accepts(s Status) bool {
	return t.Outcome(VerdictPositive) == s || t.Outcome(VerdictNegative) == s
}

// Choice is a voter's selection on a ballot.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

// ParseChoice validates the wire form of a ballot choice.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
		return Choice(s), nil
	default:
		return "", fmt.Errorf("voting: unknown choice %q", s)
	}
}

// Ballot is one voter's vote on one item. Storage keeps at most one per (VoterID, ItemID).
type Ballot struct {
	VoterID string
	ItemID  string
	Choice  Choice
	CastAt  time.Time
}

// VotingItem mirrors the voting_items row consumed by the engine.
type VotingItem struct {
	ID       string
	Type     ItemType
	Title    string
	Status   Status
	Deadline *time.Time
	// EligibleVoterCount is snapshotted when voting opens.
	EligibleVoterCount int
	QuorumPercent      float64
	ApprovalPercent    float64
	// RequiresMajority is carried for compatibility and does not affect evaluation.
	RequiresMajority bool
	OpenedAt         *time.Time
	ClosedAt         *time.Time
}

// Validate rejects thresholds and counts that cannot be evaluated.
func (it VotingItem) Validate() error {
	if it.ID == "" {
		return configErrorf("item id is empty")
	}
	if _, err := ParseItemType(string(it.Type)); err != nil {
		return configErrorf("item %s: unknown item type %q", it.ID, it.Type)
	}
	if it.EligibleVoterCount < 0 {
		return configErrorf("item %s: eligible voter count %d is negative", it.ID, it.EligibleVoterCount)
	}
	if it.QuorumPercent < 0 || it.QuorumPercent > 100 {
		return configErrorf("item %s: quorum percent %v outside 0-100", it.ID, it.QuorumPercent)
	}
	if it.ApprovalPercent < 0 || it.ApprovalPercent > 100 {
		return configErrorf("item %s: approval percent %v outside 0-100", it.ID, it.ApprovalPercent)
	}
	return nil
}

// Reason records why an item left the voting state.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonAllVoted        Reason = "all_voted"
	ReasonDeadlineExpired Reason = "deadline_expired"
	// ReasonManualRecheck marks an event rebuilt for an already closed item.
	ReasonManualRecheck Reason = "manual_recheck"
)

// CompletionEvent is produced once, at the instant an item reaches a terminal status.
type CompletionEvent struct {
	ID                 string    `json:"id"`
	ItemType           ItemType  `json:"item_type"`
	ItemID             string    `json:"item_id"`
	Title              string    `json:"title,omitempty"`
	Outcome            Status    `json:"outcome"`
	Tally              Tally     `json:"tally"`
	EligibleVoterCount int       `json:"eligible_voter_count"`
	QuorumPercent      float64   `json:"quorum_percent"`
	ApprovalPercent    float64   `json:"approval_percent"`
	CompletedAt        time.Time `json:"completed_at"`
	Reason             Reason    `json:"reason"`
}

const (
	// OutboxTopicCompleted carries CompletionEvent payloads.
	OutboxTopicCompleted = "voting.completed"
)
