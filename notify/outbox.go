// Package notify decouples transactional state changes from best-effort
// delivery. State transitions enqueue messages into an outbox inside their own
// transaction; a dispatcher worker drains the outbox and talks to the gateway.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Outbox topics emitted by the workflow engine.
const (
	TopicSignerInvited    = "signer.invited"
	TopicSignerReminder   = "signer.reminder"
	TopicRequestCompleted = "request.completed"
	TopicRequestDeclined  = "request.declined"
	TopicRequestExpired   = "request.expired"
	TopicRequestCancelled = "request.cancelled"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
	SentAt    *time.Time
}

// PayloadField extracts a string field from the JSON payload, or "" when the
// field is absent or not a string.
func (m Message) PayloadField(key string) string {
	var payload map[string]any
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return ""
	}
	return stringField(payload, key)
}

type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue appends a message inside the caller's transaction so the
// notification intent commits or rolls back with the state change.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

// claimBatch locks up to limit pending messages for this worker. SKIP LOCKED
// keeps concurrent dispatcher replicas from double-claiming.
func (o *Outbox) claimBatch(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload, status, attempts, created_at, sent_at
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim batch: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, fmt.Errorf("notify: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate messages: %w", err)
	}
	return out, nil
}

func (o *Outbox) markSent(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE outbox SET status = 'sent', sent_at = now() WHERE id = $1
    `, id); err != nil {
		return fmt.Errorf("notify: mark sent: %w", err)
	}
	return nil
}

func (o *Outbox) markAttempt(ctx context.Context, tx pgx.Tx, id string, attempts, maxAttempts int) error {
	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
	}
	if _, err := tx.Exec(ctx, `
        UPDATE outbox SET attempts = $2, status = $3 WHERE id = $1
    `, id, attempts, status); err != nil {
		return fmt.Errorf("notify: mark attempt: %w", err)
	}
	return nil
}
