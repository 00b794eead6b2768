package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/Gilbert4525/arcc-sub000/voting"
)

var testEvent = voting.CompletionEvent{ID: "e1", ItemType: voting.ItemTypeResolution, ItemID: "r1", Outcome: voting.StatusApproved}

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

func TestRepository_Claim(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(mock pgxmock.PgxPoolIface)
		want      ClaimState
		delivered []string
	}{
		{
			name: "fresh claim resumes delivered recipients",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO dispatch_records`).
					WithArgs("resolution", "r1", "e1", 60.0).
					WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("sending"))
				mock.ExpectQuery(`FROM dispatch_attempts`).
					WithArgs("resolution", "r1").
					WillReturnRows(pgxmock.NewRows([]string{"recipient_id"}).AddRow("u1").AddRow("u2"))
			},
			want:      ClaimAcquired,
			delivered: []string{"u1", "u2"},
		},
		{
			name: "already sent",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO dispatch_records`).
					WithArgs("resolution", "r1", "e1", 60.0).
					WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`SELECT status FROM dispatch_records`).
					WithArgs("resolution", "r1").
					WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("sent"))
			},
			want: ClaimAlreadySent,
		},
		{
			name: "claim held elsewhere",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO dispatch_records`).
					WithArgs("resolution", "r1", "e1", 60.0).
					WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`SELECT status FROM dispatch_records`).
					WithArgs("resolution", "r1").
					WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("sending"))
			},
			want: ClaimBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			tt.setup(mock)

			claim, err := repo.Claim(context.Background(), testEvent, time.Minute)
			if err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if claim.State != tt.want {
				t.Fatalf("expected state %d, got %d", tt.want, claim.State)
			}
			for _, id := range tt.delivered {
				if !claim.Delivered[id] {
					t.Errorf("expected %s to be marked delivered", id)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestRepository_MarkSent(t *testing.T) {
	for _, forced := range []bool{false, true} {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`INSERT INTO dispatch_records`).
			WithArgs("resolution", "r1", "e1", forced).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		if err := repo.MarkSent(context.Background(), testEvent, forced); err != nil {
			t.Fatalf("MarkSent(forced=%v): %v", forced, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	}
}

func TestRepository_RecordOutcome(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO dispatch_attempts`).
		WithArgs(pgxmock.AnyArg(), "resolution", "r1", "e1", "u1", "failed", 3, "timeout", false, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.RecordOutcome(context.Background(), testEvent, RecipientOutcome{
		RecipientID: "u1", Status: DeliveryFailed, Attempts: 3, Error: "timeout", At: at,
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRepository_Get(t *testing.T) {
	sent := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("with history", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`FROM dispatch_records`).
			WithArgs("resolution", "r1").
			WillReturnRows(pgxmock.NewRows([]string{"item_type", "item_id", "event_id", "status", "sent_at", "forced_count", "last_forced_at"}).
				AddRow("resolution", "r1", "e1", "sent", &sent, 1, &sent))
		mock.ExpectQuery(`FROM dispatch_attempts`).
			WithArgs("resolution", "r1").
			WillReturnRows(pgxmock.NewRows([]string{"recipient_id", "status", "attempts", "last_error", "forced", "created_at"}).
				AddRow("u1", "delivered", 1, "", false, sent).
				AddRow("u1", "delivered", 1, "", true, sent.Add(time.Hour)))

		rec, err := repo.Get(context.Background(), voting.ItemTypeResolution, "r1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != RecordSent || rec.ForcedCount != 1 || len(rec.Outcomes) != 2 || !rec.Outcomes[1].Forced {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`FROM dispatch_records`).
			WithArgs("resolution", "r1").
			WillReturnError(pgx.ErrNoRows)

		if _, err := repo.Get(context.Background(), voting.ItemTypeResolution, "r1"); !errors.Is(err, ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}
	})
}

func TestRepository_AddRecipient_UnknownItem(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO voting_item_recipients`).
		WithArgs("r404", "u1", "Ada", "ada@board.example", true).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	err := repo.AddRecipient(context.Background(), "r404", Recipient{ID: "u1", Name: "Ada", Email: "ada@board.example", EligibleVoter: true})
	if !errors.Is(err, voting.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestOutboxNotifier(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs(pgxmock.AnyArg(), OutboxTopicSummaryEmail, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n := NewOutboxNotifier(mock)
	s := Summary{Event: testEvent, Subject: "Resolution \"r1\": Approved"}
	if err := n.SendSummary(context.Background(), Recipient{ID: "u1", Email: "u1@board.example"}, s); err != nil {
		t.Fatalf("SendSummary: %v", err)
	}
	if err := n.SendSummary(context.Background(), Recipient{ID: "u2"}, s); err == nil {
		t.Fatalf("expected error for recipient without email")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
