// Package remind persists the per-signer reminder schedule. Rows exist only
// while a signer is active and non-terminal; the workflow service removes them
// the moment a signer or request terminalizes.
package remind

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Schedule is one pending reminder for a signer.
type Schedule struct {
	SignerID   string
	RequestID  string
	NextFireAt time.Time
	Attempts   int
	LastSentAt *time.Time
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Schedule creates or resets the reminder row for a newly-active signer.
func (r *Repository) Schedule(ctx context.Context, tx pgx.Tx, signerID, requestID string, nextFireAt time.Time) error {
	if _, err := tx.Exec(ctx, `
        INSERT INTO reminder_schedules (signer_id, request_id, next_fire_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (signer_id) DO UPDATE
        SET next_fire_at = EXCLUDED.next_fire_at
    `, signerID, requestID, nextFireAt); err != nil {
		return fmt.Errorf("remind: schedule: %w", err)
	}
	return nil
}

// DeleteBySigner removes the reminder for a terminalized signer.
func (r *Repository) DeleteBySigner(ctx context.Context, tx pgx.Tx, signerID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM reminder_schedules WHERE signer_id = $1`, signerID); err != nil {
		return fmt.Errorf("remind: delete by signer: %w", err)
	}
	return nil
}

// DeleteByRequest removes every reminder of a terminalized request.
func (r *Repository) DeleteByRequest(ctx context.Context, tx pgx.Tx, requestID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM reminder_schedules WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("remind: delete by request: %w", err)
	}
	return nil
}

// ClaimDue locks up to limit schedules past their fire time. SKIP LOCKED keeps
// concurrent sweep replicas from firing the same reminder.
func (r *Repository) ClaimDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Schedule, error) {
	rows, err := tx.Query(ctx, `
        SELECT signer_id, request_id, next_fire_at, attempts, last_sent_at
        FROM reminder_schedules
        WHERE next_fire_at <= $1
        ORDER BY next_fire_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("remind: claim due: %w", err)
	}
	defer rows.Close()

	out := make([]Schedule, 0, limit)
	for rows.Next() {
		var s Schedule
		if err := rows.Scan(&s.SignerID, &s.RequestID, &s.NextFireAt, &s.Attempts, &s.LastSentAt); err != nil {
			return nil, fmt.Errorf("remind: scan schedule: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remind: iterate schedules: %w", err)
	}
	return out, nil
}

// Reschedule records a fired reminder and pushes the next fire time out. It
// must only run after the dispatch intent has been enqueued in the same
// transaction so a crashed sweep never double-sends.
func (r *Repository) Reschedule(ctx context.Context, tx pgx.Tx, signerID string, attempts int, nextFireAt, sentAt time.Time) error {
	if _, err := tx.Exec(ctx, `
        UPDATE reminder_schedules
        SET attempts = $2,
            next_fire_at = $3,
            last_sent_at = $4
        WHERE signer_id = $1
    `, signerID, attempts, nextFireAt, sentAt); err != nil {
		return fmt.Errorf("remind: reschedule: %w", err)
	}
	return nil
}
