package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Message is one row of the transactional outbox.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and pgxmock.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue appends a message. Callers pass their open transaction so the
// message commits or rolls back with the business write.
func Enqueue(ctx context.Context, db Execer, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("outbox: empty topic")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal payload: %w", err)
	}

	id := uuid.NewString()

	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3::jsonb);
`
	if _, err := db.Exec(ctx, insertSQL, id, topic, string(body)); err != nil {
		return "", fmt.Errorf("outbox: insert message: %w", err)
	}
	return id, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the message is dead-lettered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type deferredError struct {
	err   error
	after time.Duration
}

func (e *deferredError) Error() string { return e.err.Error() }

func (e *deferredError) Unwrap() error { return e.err }

// Defer asks the relay to retry the message after the given delay without
// spending one of its attempts. Use it when another worker is known to hold
// the work.
func Defer(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err, after: after}
}

// Deferral reports the delay requested with Defer.
func Deferral(err error) (time.Duration, bool) {
	var de *deferredError
	if !errors.As(err, &de) {
		return 0, false
	}
	return de.after, true
}
