package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_completion_event",
			SQL: `SELECT payload->>'item_id' AS item_id, COUNT(*) FROM outbox
                  WHERE topic = 'voting.completed'
                  GROUP BY 1 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_terminal_has_event",
			SQL: `SELECT vi.id, vi.status FROM voting_items vi
                  WHERE vi.status NOT IN ('draft','published','voting')
                    AND NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic = 'voting.completed' AND o.payload->>'item_id' = vi.id::text)`,
		},
		{
			Name: "O3_event_matches_status",
			SQL: `SELECT vi.id, vi.status, o.payload->>'outcome' FROM voting_items vi
                  JOIN outbox o ON o.topic = 'voting.completed' AND o.payload->>'item_id' = vi.id::text
                  WHERE o.payload->>'outcome' <> vi.status`,
		},
		{
			Name: "O4_closed_at_set",
			SQL: `SELECT id, status FROM voting_items
                  WHERE (status IN ('draft','published','voting')) = (closed_at IS NOT NULL)`,
		},
		{
			Name: "O5_single_delivery",
			SQL: `SELECT item_id, recipient_id, COUNT(*) FROM dispatch_attempts
                  WHERE status = 'delivered' AND NOT forced
                  GROUP BY item_id, recipient_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_sent_without_attempts",
			SQL: `SELECT r.item_type, r.item_id FROM dispatch_records r
                  WHERE r.status = 'sent'
                    AND NOT EXISTS (SELECT 1 FROM dispatch_attempts a
                                    WHERE a.item_type = r.item_type AND a.item_id = r.item_id)
                    AND EXISTS (SELECT 1 FROM voting_item_recipients vr WHERE vr.item_id::text = r.item_id)`,
		},
		{
			Name: "O7_stale_completion_outbox",
			SQL: `SELECT id, attempts, last_error FROM outbox
                  WHERE topic = 'voting.completed' AND status = 'pending'
                    AND now() - created_at > interval '2 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
