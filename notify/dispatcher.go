package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// topicTemplates maps outbox topics to gateway templates.
var topicTemplates = map[string]string{
	TopicSignerInvited:    "signer_invite",
	TopicSignerReminder:   "signer_reminder",
	TopicRequestCompleted: "request_completed",
	TopicRequestDeclined:  "request_declined",
	TopicRequestExpired:   "request_expired",
	TopicRequestCancelled: "request_cancelled",
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DeliveredFunc runs after a message has been sent and its outbox row
// committed. Used to stamp signer notified_at without coupling the dispatcher
// to the registry.
type DeliveredFunc func(ctx context.Context, msg Message) error

// LinkFunc mints the signer-facing link embedded in invite and reminder
// messages for the given (request, signer) pair.
type LinkFunc func(requestID, signerID string) (string, error)

// Dispatcher drains the outbox on a fixed interval and hands messages to the
// gateway. Delivery failures are retried up to MaxAttempts and never block
// the request-handling path.
type Dispatcher struct {
	pool        TxBeginner
	outbox      *Outbox
	gateway     Gateway
	log         *slog.Logger
	onDelivered DeliveredFunc
	link        LinkFunc

	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

func NewDispatcher(pool TxBeginner, gateway Gateway, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		outbox:      NewOutbox(),
		gateway:     gateway,
		log:         log,
		Interval:    5 * time.Second,
		BatchSize:   32,
		MaxAttempts: 5,
	}
}

// OnDelivered registers the post-delivery hook.
func (d *Dispatcher) OnDelivered(fn DeliveredFunc) *Dispatcher {
	d.onDelivered = fn
	return d
}

// WithLinks registers the link minter for signer-addressed messages.
func (d *Dispatcher) WithLinks(fn LinkFunc) *Dispatcher {
	d.link = fn
	return d
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				d.log.ErrorContext(ctx, "outbox dispatch failed", slog.Any("err", err))
			}
		}
	}
}

// DispatchOnce claims one batch, attempts delivery for each message, and
// records the outcome in the same transaction as the claim.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notify: begin dispatch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := d.outbox.claimBatch(ctx, tx, d.BatchSize)
	if err != nil {
		return err
	}

	delivered := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if err := d.deliver(ctx, msg); err != nil {
			d.log.WarnContext(ctx, "delivery attempt failed",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", msg.Attempts+1),
				slog.Any("err", err),
			)
			if err := d.outbox.markAttempt(ctx, tx, msg.ID, msg.Attempts+1, d.MaxAttempts); err != nil {
				return err
			}
			continue
		}
		if err := d.outbox.markSent(ctx, tx, msg.ID); err != nil {
			return err
		}
		delivered = append(delivered, msg)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("notify: commit dispatch tx: %w", err)
	}

	// Hooks run after commit: a crash here at worst re-runs the hook, which
	// must be idempotent (notified_at promotion is).
	for _, msg := range delivered {
		if d.onDelivered == nil {
			continue
		}
		if err := d.onDelivered(ctx, msg); err != nil {
			d.log.WarnContext(ctx, "post-delivery hook failed",
				slog.String("message_id", msg.ID),
				slog.Any("err", err),
			)
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("notify: decode payload: %w", err)
	}

	template, ok := topicTemplates[msg.Topic]
	if !ok {
		return fmt.Errorf("notify: no template for topic %q", msg.Topic)
	}

	contact := Contact{
		Name:  stringField(payload, "signer_name"),
		Email: stringField(payload, "signer_email"),
	}

	if signerID := stringField(payload, "signer_id"); signerID != "" && d.link != nil {
		link, err := d.link(stringField(payload, "request_id"), signerID)
		if err != nil {
			return fmt.Errorf("notify: mint signer link: %w", err)
		}
		payload["signing_link"] = link
	}

	res, err := d.gateway.Send(ctx, contact, template, payload)
	if err != nil {
		return err
	}
	if !res.Accepted {
		return fmt.Errorf("notify: gateway rejected delivery")
	}
	return nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
