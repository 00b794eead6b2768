package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Gilbert4525/arcc-sub000/outbox"
)

// OutboxTopicSummaryEmail carries one rendered summary per recipient for the mail worker.
const OutboxTopicSummaryEmail = "voting.summary_email"

// SummaryEmail is the outbox payload consumed by the mail worker.
type SummaryEmail struct {
	EventID     string `json:"event_id"`
	ItemType    string `json:"item_type"`
	ItemID      string `json:"item_id"`
	RecipientID string `json:"recipient_id"`
	To          string `json:"to"`
	Name        string `json:"name,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// OutboxNotifier hands each summary to the mail transport through the outbox.
type OutboxNotifier struct {
	db outbox.Execer
}

func NewOutboxNotifier(db outbox.Execer) *OutboxNotifier {
	return &OutboxNotifier{db: db}
}

func (n *OutboxNotifier) SendSummary(ctx context.Context, r Recipient, s Summary) error {
	if r.Email == "" {
		return fmt.Errorf("notify: recipient %s has no email", r.ID)
	}
	_, err := outbox.Enqueue(ctx, n.db, OutboxTopicSummaryEmail, SummaryEmail{
		EventID:     s.Event.ID,
		ItemType:    string(s.Event.ItemType),
		ItemID:      s.Event.ItemID,
		RecipientID: r.ID,
		To:          r.Email,
		Name:        r.Name,
		Subject:     s.Subject,
		Body:        s.Body,
	})
	return err
}

// LogNotifier writes summaries to the log. Used when no mail transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendSummary(ctx context.Context, r Recipient, s Summary) error {
	n.logger.InfoContext(ctx, "voting summary",
		slog.String("event", "voting_summary_logged"),
		slog.String("item_type", string(s.Event.ItemType)),
		slog.String("item_id", s.Event.ItemID),
		slog.String("recipient_id", r.ID),
		slog.String("subject", s.Subject),
		slog.Int("non_voters", len(s.NonVoters)),
	)
	return nil
}
