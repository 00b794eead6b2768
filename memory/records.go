package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

type recordEntry struct {
	rec          notify.Record
	claimedUntil time.Time
}

// RecordStore keeps dispatch records in memory with the same claim semantics
// as the Postgres table.
type RecordStore struct {
	mu      sync.Mutex
	records map[string]*recordEntry
	clock   func() time.Time
}

func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]*recordEntry),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets the time source used for leases and timestamps.
func (s *RecordStore) WithClock(clock func() time.Time) *RecordStore {
	s.clock = clock
	return s
}

func key(itemType voting.ItemType, itemID string) string {
	return string(itemType) + ":" + itemID
}

func (s *RecordStore) Claim(_ context.Context, ev voting.CompletionEvent, lease time.Duration) (notify.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.records[ev.Key()]
	if !ok {
		s.records[ev.Key()] = &recordEntry{
			rec: notify.Record{
				ItemType: ev.ItemType,
				ItemID:   ev.ItemID,
				EventID:  ev.ID,
				Status:   notify.RecordSending,
			},
			claimedUntil: now.Add(lease),
		}
		return notify.Claim{State: notify.ClaimAcquired, Delivered: map[string]bool{}}, nil
	}
	if e.rec.Status == notify.RecordSent {
		return notify.Claim{State: notify.ClaimAlreadySent}, nil
	}
	if now.Before(e.claimedUntil) {
		return notify.Claim{State: notify.ClaimBusy}, nil
	}

	e.rec.EventID = ev.ID
	e.claimedUntil = now.Add(lease)
	delivered := make(map[string]bool)
	for _, o := range e.rec.Outcomes {
		if o.Status == notify.DeliveryDelivered && !o.Forced {
			delivered[o.RecipientID] = true
		}
	}
	return notify.Claim{State: notify.ClaimAcquired, Delivered: delivered}, nil
}

func (s *RecordStore) Release(_ context.Context, ev voting.CompletionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[ev.Key()]; ok && e.rec.Status == notify.RecordSending {
		e.claimedUntil = time.Time{}
	}
	return nil
}

func (s *RecordStore) RecordOutcome(_ context.Context, ev voting.CompletionEvent, o notify.RecipientOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(ev)
	e.rec.Outcomes = append(e.rec.Outcomes, o)
	return nil
}

func (s *RecordStore) MarkSent(_ context.Context, ev voting.CompletionEvent, forced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(ev)
	now := s.clock()
	e.rec.Status = notify.RecordSent
	if e.rec.SentAt == nil {
		e.rec.SentAt = &now
	}
	e.claimedUntil = time.Time{}
	if forced {
		e.rec.ForcedCount++
		e.rec.LastForcedAt = &now
	}
	return nil
}

func (s *RecordStore) Get(_ context.Context, itemType voting.ItemType, itemID string) (notify.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[key(itemType, itemID)]
	if !ok {
		return notify.Record{}, notify.ErrRecordNotFound
	}
	rec := e.rec
	rec.Outcomes = append([]notify.RecipientOutcome(nil), e.rec.Outcomes...)
	return rec, nil
}

// Len reports how many records exist.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *RecordStore) entry(ev voting.CompletionEvent) *recordEntry {
	e, ok := s.records[ev.Key()]
	if !ok {
		e = &recordEntry{rec: notify.Record{
			ItemType: ev.ItemType,
			ItemID:   ev.ItemID,
			EventID:  ev.ID,
			Status:   notify.RecordSending,
		}}
		s.records[ev.Key()] = e
	}
	return e
}

// Notifier records every delivery and can be told to fail.
type Notifier struct {
	mu    sync.Mutex
	sent  []Delivery
	fails map[string]int
}

// Delivery is one successful SendSummary call.
type Delivery struct {
	RecipientID string
	ItemType    voting.ItemType
	ItemID      string
	Subject     string
}

// ErrInjected is the default failure returned by Notifier.
var ErrInjected = errors.New("memory: injected notifier failure")

func NewNotifier() *Notifier {
	return &Notifier{fails: make(map[string]int)}
}

// FailTimes makes the next n deliveries to recipientID fail. n < 0 fails forever.
func (n *Notifier) FailTimes(recipientID string, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fails[recipientID] = times
}

func (n *Notifier) SendSummary(ctx context.Context, r notify.Recipient, s notify.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if left, ok := n.fails[r.ID]; ok && left != 0 {
		if left > 0 {
			n.fails[r.ID] = left - 1
		}
		return ErrInjected
	}
	n.sent = append(n.sent, Delivery{
		RecipientID: r.ID,
		ItemType:    s.Event.ItemType,
		ItemID:      s.Event.ItemID,
		Subject:     s.Subject,
	})
	return nil
}

// Deliveries returns a copy of every successful delivery.
func (n *Notifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.sent...)
}

// CountFor reports how many summaries for the item reached recipientID.
func (n *Notifier) CountFor(itemID, recipientID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, d := range n.sent {
		if d.ItemID == itemID && d.RecipientID == recipientID {
			c++
		}
	}
	return c
}
