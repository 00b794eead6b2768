package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Gilbert4525/arcc-sub000/outbox"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres VoteStore. It also implements EventRecorder so
// the transition and its outbox row commit together.
type Repository struct {
	db DB
	sb sq.StatementBuilderType
}

func NewRepository(db DB) *Repository {
	return &Repository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var itemColumns = []string{
	"id::text",
	"item_type",
	"title",
	"status",
	"voting_deadline",
	"eligible_voter_count",
	"quorum_percent",
	"approval_percent",
	"requires_majority",
	"voting_opened_at",
	"closed_at",
}

const selectItemSQL = `
SELECT id::text, item_type, title, status, voting_deadline, eligible_voter_count,
       quorum_percent, approval_percent, requires_majority, voting_opened_at, closed_at
FROM voting_items
WHERE id = $1
`

func scanItem(row pgx.Row) (VotingItem, error) {
	var (
		it       VotingItem
		itemType string
		status   string
	)
	if err := row.Scan(
		&it.ID,
		&itemType,
		&it.Title,
		&status,
		&it.Deadline,
		&it.EligibleVoterCount,
		&it.QuorumPercent,
		&it.ApprovalPercent,
		&it.RequiresMajority,
		&it.OpenedAt,
		&it.ClosedAt,
	); err != nil {
		return VotingItem{}, err
	}
	it.Type = ItemType(itemType)
	it.Status = Status(status)
	return it, nil
}

// GetItem loads one voting item.
func (r *Repository) GetItem(ctx context.Context, itemID string) (VotingItem, error) {
	it, err := scanItem(r.db.QueryRow(ctx, selectItemSQL, itemID))
	if err != nil {
		return VotingItem{}, mapError(err, "get item")
	}
	return it, nil
}

// CurrentBallots returns every ballot recorded for the item.
func (r *Repository) CurrentBallots(ctx context.Context, itemID string) ([]Ballot, error) {
	const query = `
SELECT voter_id, item_id::text, choice, cast_at
FROM ballots
WHERE item_id = $1
ORDER BY cast_at, voter_id
`
	rows, err := r.db.Query(ctx, query, itemID)
	if err != nil {
		return nil, mapError(err, "list ballots")
	}
	defer rows.Close()

	out := make([]Ballot, 0, 16)
	for rows.Next() {
		var (
			b      Ballot
			choice string
		)
		if err := rows.Scan(&b.VoterID, &b.ItemID, &choice, &b.CastAt); err != nil {
			return nil, &StoreError{Op: "scan ballot", Err: err}
		}
		b.Choice = Choice(choice)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate ballots")
	}
	return out, nil
}

// ListFilter narrows ListOpenItems. Items without a deadline are left out
// unless IncludeUndated is set.
type ListFilter struct {
	Type           ItemType
	DueBefore      *time.Time
	IncludeUndated bool
	Limit          uint64
}

// ListOpenItemsWithDeadline returns every item in voting that has a deadline.
func (r *Repository) ListOpenItemsWithDeadline(ctx context.Context) ([]VotingItem, error) {
	return r.ListOpenItems(ctx, ListFilter{})
}

// ListOpenItems returns items in voting, earliest deadline first.
func (r *Repository) ListOpenItems(ctx context.Context, f ListFilter) ([]VotingItem, error) {
	q := r.sb.Select(itemColumns...).
		From("voting_items").
		Where(sq.Eq{"status": string(StatusVoting)})
	if !f.IncludeUndated {
		q = q.Where(sq.NotEq{"voting_deadline": nil})
	}
	q = q.OrderBy("voting_deadline NULLS LAST", "id")
	if f.Type != "" {
		q = q.Where(sq.Eq{"item_type": string(f.Type)})
	}
	if f.DueBefore != nil {
		q = q.Where(sq.LtOrEq{"voting_deadline": *f.DueBefore})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("voting: build open items query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list open items")
	}
	defer rows.Close()

	out := make([]VotingItem, 0, 8)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, &StoreError{Op: "scan item", Err: err}
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate open items")
	}
	return out, nil
}

const casSQL = `
UPDATE voting_items
SET status = $3,
    closed_at = CASE WHEN $3 IN ('approved', 'rejected', 'passed', 'failed') THEN COALESCE(closed_at, now()) ELSE closed_at END,
    updated_at = now()
WHERE id = $1
  AND status = $2
`

// CompareAndSetStatus moves the item from expected to next in one
// conditional UPDATE. It returns false when another writer got there first.
func (r *Repository) CompareAndSetStatus(ctx context.Context, itemID string, expected, next Status) (bool, error) {
	if !expected.Precedes(next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	tag, err := r.db.Exec(ctx, casSQL, itemID, string(expected), string(next))
	if err != nil {
		return false, mapError(err, "compare and set status")
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSetStatusWithEvent performs the conditional UPDATE and enqueues
// the completion event in the same transaction.
func (r *Repository) CompareAndSetStatusWithEvent(ctx context.Context, itemID string, expected, next Status, ev CompletionEvent) (bool, error) {
	if !expected.Precedes(next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, &StoreError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, casSQL, itemID, string(expected), string(next))
	if err != nil {
		return false, mapError(err, "compare and set status")
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if _, err := outbox.Enqueue(ctx, tx, OutboxTopicCompleted, ev); err != nil {
		return false, &StoreError{Op: "enqueue completion", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, &StoreError{Op: "commit transition", Err: err}
	}
	return true, nil
}

// CastBallot records or replaces a voter's ballot while the item is open.
func (r *Repository) CastBallot(ctx context.Context, b Ballot) error {
	if b.ItemID == "" || b.VoterID == "" {
		return fmt.Errorf("voting: ballot missing item or voter id")
	}
	if _, err := ParseChoice(string(b.Choice)); err != nil {
		return err
	}
	castAt := b.CastAt
	if castAt.IsZero() {
		castAt = time.Now().UTC()
	}

	const upsertSQL = `
INSERT INTO ballots (item_id, voter_id, choice, cast_at)
SELECT vi.id, $2, $3, $4
FROM voting_items vi
WHERE vi.id = $1 AND vi.status = 'voting'
ON CONFLICT (item_id, voter_id)
DO UPDATE SET choice = EXCLUDED.choice, cast_at = EXCLUDED.cast_at
`
	tag, err := r.db.Exec(ctx, upsertSQL, b.ItemID, b.VoterID, string(b.Choice), castAt)
	if err != nil {
		return mapError(err, "cast ballot")
	}
	if tag.RowsAffected() == 0 {
		return ErrVotingClosed
	}
	return nil
}

// OpenVoting moves a draft or published item into voting and snapshots the
// eligible voter count from its recipient list.
func (r *Repository) OpenVoting(ctx context.Context, itemID string, deadline *time.Time) (VotingItem, error) {
	const openSQL = `
UPDATE voting_items vi
SET status = 'voting',
    voting_deadline = COALESCE($2, vi.voting_deadline),
    voting_opened_at = now(),
    updated_at = now(),
    eligible_voter_count = (
        SELECT count(*)
        FROM voting_item_recipients r
        WHERE r.item_id = vi.id AND r.is_eligible_voter
    )
WHERE vi.id = $1
  AND vi.status IN ('draft', 'published')
RETURNING vi.id::text, vi.item_type, vi.title, vi.status, vi.voting_deadline, vi.eligible_voter_count,
          vi.quorum_percent, vi.approval_percent, vi.requires_majority, vi.voting_opened_at, vi.closed_at
`
	it, err := scanItem(r.db.QueryRow(ctx, openSQL, itemID, deadline))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return VotingItem{}, mapError(err, "open voting")
	}

	current, err := r.GetItem(ctx, itemID)
	if err != nil {
		return VotingItem{}, err
	}
	return VotingItem{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, StatusVoting)
}

func mapError(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrItemNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02": // invalid_text_representation: malformed uuid
			return ErrItemNotFound
		case "23503": // foreign_key_violation
			return ErrItemNotFound
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ErrInvalidTransition, pgErr.Message)
		}
	}
	return &StoreError{Op: op, Err: err}
}
