package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Gilbert4525/arcc-sub000/voting"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores dispatch records in Postgres and resolves recipients
// from voting_item_recipients.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Claim takes the item's dispatch lease. A new record is inserted on first
// use; an expired lease on an unsent record is taken over.
func (r *Repository) Claim(ctx context.Context, ev voting.CompletionEvent, lease time.Duration) (Claim, error) {
	const claimSQL = `
INSERT INTO dispatch_records (item_type, item_id, event_id, status, claimed_until)
VALUES ($1, $2, $3, 'sending', now() + make_interval(secs => $4))
ON CONFLICT (item_type, item_id) DO UPDATE
SET event_id = EXCLUDED.event_id,
    claimed_until = EXCLUDED.claimed_until,
    updated_at = now()
WHERE dispatch_records.status = 'sending'
  AND (dispatch_records.claimed_until IS NULL OR dispatch_records.claimed_until < now())
RETURNING status
`
	var status string
	err := r.db.QueryRow(ctx, claimSQL, string(ev.ItemType), ev.ItemID, ev.ID, lease.Seconds()).Scan(&status)
	switch {
	case err == nil:
		delivered, err := r.delivered(ctx, ev)
		if err != nil {
			return Claim{}, err
		}
		return Claim{State: ClaimAcquired, Delivered: delivered}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Claim{}, fmt.Errorf("notify: claim record: %w", err)
	}

	const statusSQL = `SELECT status FROM dispatch_records WHERE item_type = $1 AND item_id = $2`
	if err := r.db.QueryRow(ctx, statusSQL, string(ev.ItemType), ev.ItemID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Deleted between the two statements; let the caller retry.
			return Claim{State: ClaimBusy}, nil
		}
		return Claim{}, fmt.Errorf("notify: read record status: %w", err)
	}
	if RecordStatus(status) == RecordSent {
		return Claim{State: ClaimAlreadySent}, nil
	}
	return Claim{State: ClaimBusy}, nil
}

func (r *Repository) delivered(ctx context.Context, ev voting.CompletionEvent) (map[string]bool, error) {
	const query = `
SELECT DISTINCT recipient_id
FROM dispatch_attempts
WHERE item_type = $1 AND item_id = $2 AND status = 'delivered' AND NOT forced
`
	rows, err := r.db.Query(ctx, query, string(ev.ItemType), ev.ItemID)
	if err != nil {
		return nil, fmt.Errorf("notify: list delivered: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("notify: scan delivered: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate delivered: %w", err)
	}
	return out, nil
}

// Release drops an unsent claim so another dispatcher can retry immediately.
func (r *Repository) Release(ctx context.Context, ev voting.CompletionEvent) error {
	const releaseSQL = `
UPDATE dispatch_records
SET claimed_until = NULL, updated_at = now()
WHERE item_type = $1 AND item_id = $2 AND status = 'sending'
`
	if _, err := r.db.Exec(ctx, releaseSQL, string(ev.ItemType), ev.ItemID); err != nil {
		return fmt.Errorf("notify: release claim: %w", err)
	}
	return nil
}

// RecordOutcome appends one recipient's delivery result.
func (r *Repository) RecordOutcome(ctx context.Context, ev voting.CompletionEvent, o RecipientOutcome) error {
	const insertSQL = `
INSERT INTO dispatch_attempts (id, item_type, item_id, event_id, recipient_id, status, attempts, last_error, forced, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
`
	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := r.db.Exec(ctx, insertSQL,
		uuid.NewString(), string(ev.ItemType), ev.ItemID, ev.ID,
		o.RecipientID, string(o.Status), o.Attempts, o.Error, o.Forced, at,
	); err != nil {
		return fmt.Errorf("notify: insert attempt: %w", err)
	}
	return nil
}

// MarkSent closes the record. A forced resend bumps the forced counter and
// creates the record if the automatic dispatch never ran.
func (r *Repository) MarkSent(ctx context.Context, ev voting.CompletionEvent, forced bool) error {
	const upsertSQL = `
INSERT INTO dispatch_records (item_type, item_id, event_id, status, sent_at, forced_count, last_forced_at)
VALUES ($1, $2, $3, 'sent', now(), CASE WHEN $4::boolean THEN 1 ELSE 0 END, CASE WHEN $4::boolean THEN now() END)
ON CONFLICT (item_type, item_id) DO UPDATE
SET status = 'sent',
    sent_at = COALESCE(dispatch_records.sent_at, now()),
    claimed_until = NULL,
    forced_count = dispatch_records.forced_count + CASE WHEN $4::boolean THEN 1 ELSE 0 END,
    last_forced_at = CASE WHEN $4::boolean THEN now() ELSE dispatch_records.last_forced_at END,
    updated_at = now()
`
	if _, err := r.db.Exec(ctx, upsertSQL, string(ev.ItemType), ev.ItemID, ev.ID, forced); err != nil {
		return fmt.Errorf("notify: mark sent: %w", err)
	}
	return nil
}

// Get returns the record with its delivery history, oldest first.
func (r *Repository) Get(ctx context.Context, itemType voting.ItemType, itemID string) (Record, error) {
	const recordSQL = `
SELECT item_type, item_id, event_id, status, sent_at, forced_count, last_forced_at
FROM dispatch_records
WHERE item_type = $1 AND item_id = $2
`
	var (
		rec    Record
		typ    string
		status string
	)
	if err := r.db.QueryRow(ctx, recordSQL, string(itemType), itemID).
		Scan(&typ, &rec.ItemID, &rec.EventID, &status, &rec.SentAt, &rec.ForcedCount, &rec.LastForcedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("notify: get record: %w", err)
	}
	rec.ItemType = voting.ItemType(typ)
	rec.Status = RecordStatus(status)

	const attemptsSQL = `
SELECT recipient_id, status, attempts, COALESCE(last_error, ''), forced, created_at
FROM dispatch_attempts
WHERE item_type = $1 AND item_id = $2
ORDER BY created_at, recipient_id
`
	rows, err := r.db.Query(ctx, attemptsSQL, string(itemType), itemID)
	if err != nil {
		return Record{}, fmt.Errorf("notify: list attempts: %w", err)
	}
	defer rows.Close()

	rec.Outcomes = make([]RecipientOutcome, 0, 8)
	for rows.Next() {
		var (
			o  RecipientOutcome
			st string
		)
		if err := rows.Scan(&o.RecipientID, &st, &o.Attempts, &o.Error, &o.Forced, &o.At); err != nil {
			return Record{}, fmt.Errorf("notify: scan attempt: %w", err)
		}
		o.Status = DeliveryStatus(st)
		rec.Outcomes = append(rec.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("notify: iterate attempts: %w", err)
	}
	return rec, nil
}

// Recipients lists the stakeholders registered for an item.
func (r *Repository) Recipients(ctx context.Context, itemType voting.ItemType, itemID string) ([]Recipient, error) {
	const query = `
SELECT r.recipient_id, r.display_name, r.email, r.is_eligible_voter
FROM voting_item_recipients r
JOIN voting_items vi ON vi.id = r.item_id
WHERE vi.item_type = $1 AND vi.id = $2
ORDER BY r.recipient_id
`
	rows, err := r.db.Query(ctx, query, string(itemType), itemID)
	if err != nil {
		return nil, fmt.Errorf("notify: list recipients: %w", err)
	}
	defer rows.Close()

	out := make([]Recipient, 0, 16)
	for rows.Next() {
		var rc Recipient
		if err := rows.Scan(&rc.ID, &rc.Name, &rc.Email, &rc.EligibleVoter); err != nil {
			return nil, fmt.Errorf("notify: scan recipient: %w", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate recipients: %w", err)
	}
	return out, nil
}

// AddRecipient registers a stakeholder for an item. Re-adding updates the entry.
func (r *Repository) AddRecipient(ctx context.Context, itemID string, rc Recipient) error {
	const upsertSQL = `
INSERT INTO voting_item_recipients (item_id, recipient_id, display_name, email, is_eligible_voter)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id, recipient_id)
DO UPDATE SET display_name = EXCLUDED.display_name, email = EXCLUDED.email, is_eligible_voter = EXCLUDED.is_eligible_voter
`
	if _, err := r.db.Exec(ctx, upsertSQL, itemID, rc.ID, rc.Name, rc.Email, rc.EligibleVoter); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return voting.ErrItemNotFound
		}
		return fmt.Errorf("notify: add recipient: %w", err)
	}
	return nil
}
