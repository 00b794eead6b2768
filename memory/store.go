// Package memory holds in-process implementations of the vote store, the
// dispatch record store and a recording notifier. They honour the same
// atomicity contracts as the Postgres versions and back tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

// Store is a VoteStore and RecipientDirectory guarded by a single mutex.
type Store struct {
	mu         sync.Mutex
	items      map[string]voting.VotingItem
	ballots    map[string]map[string]voting.Ballot
	recipients map[string][]notify.Recipient
	clock      func() time.Time

	// failNext is returned and cleared by the next store call.
	failNext error
	casCalls int
}

func NewStore() *Store {
	return &Store{
		items:      make(map[string]voting.VotingItem),
		ballots:    make(map[string]map[string]voting.Ballot),
		recipients: make(map[string][]notify.Recipient),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets the time source used for closedAt.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Put inserts or replaces an item.
func (s *Store) Put(it voting.VotingItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
}

// AddRecipient registers a stakeholder for an item.
func (s *Store) AddRecipient(itemID string, r notify.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.recipients[itemID]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return
		}
	}
	s.recipients[itemID] = append(list, r)
}

// FailNext makes the next store call return err.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// CASCalls reports how many conditional writes were attempted.
func (s *Store) CASCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casCalls
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// CastBallot records or replaces a ballot while the item is in voting.
func (s *Store) CastBallot(_ context.Context, b voting.Ballot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	it, ok := s.items[b.ItemID]
	if !ok {
		return voting.ErrItemNotFound
	}
	if it.Status != voting.StatusVoting {
		return voting.ErrVotingClosed
	}
	if _, err := voting.ParseChoice(string(b.Choice)); err != nil {
		return err
	}
	if b.CastAt.IsZero() {
		b.CastAt = s.clock()
	}
	if s.ballots[b.ItemID] == nil {
		s.ballots[b.ItemID] = make(map[string]voting.Ballot)
	}
	s.ballots[b.ItemID][b.VoterID] = b
	return nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (voting.VotingItem, error) {
	if err := ctx.Err(); err != nil {
		return voting.VotingItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return voting.VotingItem{}, err
	}
	it, ok := s.items[itemID]
	if !ok {
		return voting.VotingItem{}, voting.ErrItemNotFound
	}
	return it, nil
}

func (s *Store) CurrentBallots(ctx context.Context, itemID string) ([]voting.Ballot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]voting.Ballot, 0, len(s.ballots[itemID]))
	for _, b := range s.ballots[itemID] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out, nil
}

func (s *Store) ListOpenItemsWithDeadline(ctx context.Context) ([]voting.VotingItem, error) {
	return s.ListOpenItems(ctx, voting.ListFilter{})
}

// ListOpenItems mirrors the Postgres ordering: dated items by deadline,
// undated ones last.
func (s *Store) ListOpenItems(ctx context.Context, f voting.ListFilter) ([]voting.VotingItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]voting.VotingItem, 0)
	for _, it := range s.items {
		if it.Status != voting.StatusVoting {
			continue
		}
		if it.Deadline == nil && !f.IncludeUndated {
			continue
		}
		if f.Type != "" && it.Type != f.Type {
			continue
		}
		if f.DueBefore != nil && (it.Deadline == nil || it.Deadline.After(*f.DueBefore)) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Deadline, out[j].Deadline
		switch {
		case di == nil && dj == nil:
			return out[i].ID < out[j].ID
		case di == nil:
			return false
		case dj == nil:
			return true
		case !di.Equal(*dj):
			return di.Before(*dj)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && uint64(len(out)) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, itemID string, expected, next voting.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !expected.Precedes(next) {
		return false, fmt.Errorf("%w: %s -> %s", voting.ErrInvalidTransition, expected, next)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	it, ok := s.items[itemID]
	if !ok {
		return false, voting.ErrItemNotFound
	}
	if it.Status != expected {
		return false, nil
	}
	if next.IsTerminal() && !it.Type.Accepts(next) {
		return false, fmt.Errorf("%w: %s cannot be %s", voting.ErrInvalidTransition, it.Type, next)
	}
	it.Status = next
	if next.IsTerminal() {
		now := s.clock()
		it.ClosedAt = &now
	}
	s.items[itemID] = it
	return true, nil
}

func (s *Store) Recipients(ctx context.Context, itemType voting.ItemType, itemID string) ([]notify.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; !ok || it.Type != itemType {
		return nil, voting.ErrItemNotFound
	}
	out := make([]notify.Recipient, len(s.recipients[itemID]))
	copy(out, s.recipients[itemID])
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
