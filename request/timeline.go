package request

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signflow/signer"
)

// TimelineEvent captures an immutable business event for a request.
type TimelineEvent struct {
	ID        int64
	RequestID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Timeline event types appended by the workflow service.
const (
	EventRequestCreated   = "REQUEST_CREATED"
	EventSignerAdded      = "SIGNER_ADDED"
	EventRequestActivated = "REQUEST_ACTIVATED"
	EventSignerNotified   = "SIGNER_NOTIFIED"
	EventSignerViewed     = "SIGNER_VIEWED"
	EventSignerSigned     = "SIGNER_SIGNED"
	EventSignerDeclined   = "SIGNER_DECLINED"
	EventCodeVerified     = "CODE_VERIFIED"
	EventRequestCompleted = "REQUEST_COMPLETED"
	EventRequestDeclined  = "REQUEST_DECLINED"
	EventRequestExpired   = "REQUEST_EXPIRED"
	EventRequestCancelled = "REQUEST_CANCELLED"
)

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, requestID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("request: marshal timeline payload: %w", err)
	}
	const q = `
        INSERT INTO timeline_events (request_id, type, payload)
        VALUES ($1, $2, $3::jsonb)
    `
	if _, err := tx.Exec(ctx, q, requestID, eventType, body); err != nil {
		return fmt.Errorf("request: insert timeline event: %w", err)
	}
	return nil
}

// ListTimeline returns the request's events in append order.
func (r *Repository) ListTimeline(ctx context.Context, q signer.Querier, requestID string) ([]TimelineEvent, error) {
	rows, err := q.Query(ctx, `
        SELECT id, request_id, type, payload, created_at
        FROM timeline_events
        WHERE request_id = $1
        ORDER BY id
    `, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: list timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("request: scan timeline event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate timeline: %w", err)
	}
	return out, nil
}
