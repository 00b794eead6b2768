package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Gilbert4525/arcc-sub000/voting"
)

var (
	// ErrDispatchInProgress is returned when another dispatcher holds the claim for the item.
	ErrDispatchInProgress = errors.New("notify: dispatch in progress")
	// ErrRecordNotFound is returned when no dispatch record exists for the item.
	ErrRecordNotFound = errors.New("notify: dispatch record not found")
)

// Recipient is a stakeholder who receives the summary.
type Recipient struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EligibleVoter bool   `json:"eligible_voter"`
}

// DeliveryStatus is the final state of one recipient's delivery.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// RecipientOutcome records what happened when delivering to one recipient.
type RecipientOutcome struct {
	RecipientID string         `json:"recipient_id"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	Forced      bool           `json:"forced"`
	At          time.Time      `json:"at"`
}

// RecordStatus is the lifecycle of a dispatch record.
type RecordStatus string

const (
	RecordSending RecordStatus = "sending"
	RecordSent    RecordStatus = "sent"
)

// Record is the per-item dispatch ledger keyed by (ItemType, ItemID).
type Record struct {
	ItemType     voting.ItemType    `json:"item_type"`
	ItemID       string             `json:"item_id"`
	EventID      string             `json:"event_id"`
	Status       RecordStatus       `json:"status"`
	SentAt       *time.Time         `json:"sent_at,omitempty"`
	ForcedCount  int                `json:"forced_count"`
	LastForcedAt *time.Time         `json:"last_forced_at,omitempty"`
	Outcomes     []RecipientOutcome `json:"outcomes"`
}

// ClaimState is the result of trying to take ownership of an item's dispatch.
type ClaimState int

const (
	ClaimAcquired ClaimState = iota
	ClaimAlreadySent
	ClaimBusy
)

// Claim is returned by RecordStore.Claim. Delivered lists recipients that a
// previous, interrupted attempt already reached.
type Claim struct {
	State     ClaimState
	Delivered map[string]bool
}

// Report summarises one Dispatch or Resend call.
type Report struct {
	ItemType voting.ItemType
	ItemID   string
	Skipped  bool
	Forced   bool
	Outcomes []RecipientOutcome
}

// Failed counts recipients whose delivery exhausted its retries.
func (r Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == DeliveryFailed {
			n++
		}
	}
	return n
}

// Notifier delivers a summary to one recipient.
type Notifier interface {
	SendSummary(ctx context.Context, r Recipient, s Summary) error
}

// RecipientDirectory resolves the stakeholders of an item.
type RecipientDirectory interface {
	Recipients(ctx context.Context, itemType voting.ItemType, itemID string) ([]Recipient, error)
}

// BallotSource is satisfied by voting.VoteStore.
type BallotSource interface {
	CurrentBallots(ctx context.Context, itemID string) ([]voting.Ballot, error)
}

// RecordStore persists dispatch records. Claim must be atomic across
// processes: at most one caller holds an unexpired claim per item.
type RecordStore interface {
	Claim(ctx context.Context, ev voting.CompletionEvent, lease time.Duration) (Claim, error)
	Release(ctx context.Context, ev voting.CompletionEvent) error
	RecordOutcome(ctx context.Context, ev voting.CompletionEvent, o RecipientOutcome) error
	MarkSent(ctx context.Context, ev voting.CompletionEvent, forced bool) error
	Get(ctx context.Context, itemType voting.ItemType, itemID string) (Record, error)
}
