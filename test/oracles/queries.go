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

// All returns the cross-table invariants that must hold at any instant,
// regardless of interleaving. Each query selects violating rows; an empty
// result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_completed_requires_all_signed",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'completed'
                    AND EXISTS (SELECT 1 FROM signers s
                                WHERE s.request_id = r.id AND s.status <> 'signed')`,
		},
		{
			Name: "O2_declined_has_decliner",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'declined'
                    AND NOT EXISTS (SELECT 1 FROM signers s
                                    WHERE s.request_id = r.id AND s.status = 'declined')`,
		},
		{
			Name: "O3_sequential_order_respected",
			SQL: `SELECT s.id FROM signers s
                  JOIN requests r ON r.id = s.request_id
                  WHERE r.mode = 'sequential' AND s.status = 'signed'
                    AND EXISTS (SELECT 1 FROM signers p
                                WHERE p.request_id = s.request_id
                                  AND p.position < s.position
                                  AND p.status <> 'signed')`,
		},
		{
			Name: "O4_terminal_request_terminal_signers",
			SQL: `SELECT s.id FROM signers s
                  JOIN requests r ON r.id = s.request_id
                  WHERE r.status IN ('completed','declined','expired','cancelled')
                    AND s.status NOT IN ('signed','declined','expired','cancelled')`,
		},
		{
			Name: "O5_no_reminders_for_terminal",
			SQL: `SELECT rs.signer_id FROM reminder_schedules rs
                  JOIN signers s ON s.id = rs.signer_id
                  WHERE s.status IN ('signed','declined','expired','cancelled')`,
		},
		{
			Name: "O6_completed_has_verification_record",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'completed'
                    AND (r.artifact_hash IS NULL
                         OR NOT EXISTS (SELECT 1 FROM verification_records v
                                        WHERE v.request_id = r.id))`,
		},
		{
			Name: "O7_single_verification_record",
			SQL: `SELECT request_id FROM verification_records
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_invite_exactly_once",
			SQL: `SELECT payload->>'signer_id' FROM outbox
                  WHERE topic = 'signer.invited'
                  GROUP BY payload->>'signer_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_signed_carries_artifact_ref",
			SQL: `SELECT id FROM signers
                  WHERE status = 'signed' AND (artifact_ref IS NULL OR signed_at IS NULL)`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
