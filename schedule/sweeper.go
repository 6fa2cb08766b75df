// Package schedule runs the background sweeps: expiring requests past their
// due timestamp and firing signer reminders. Both sweeps are safe to run on
// multiple replicas at once.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"signflow/notify"
	"signflow/ordering"
	"signflow/remind"
	"signflow/request"
	"signflow/signer"
)

type workflow interface {
	ExpireIfDue(ctx context.Context, requestID string) (bool, error)
}

// Sweeper periodically expires overdue requests and dispatches reminders.
type Sweeper struct {
	pool      request.DB
	engine    workflow
	requests  *request.Repository
	signers   *signer.Repository
	reminders *remind.Repository
	outbox    *notify.Outbox
	log       *slog.Logger
	now       func() time.Time

	Interval time.Duration
	// BatchSize caps the reminders claimed per sweep.
	BatchSize int
	// Parallelism bounds the concurrent expiration transactions.
	Parallelism int
	// MaxReminders is how many reminders a signer receives before the
	// schedule row is dropped.
	MaxReminders int
	// Backoff is the delay before the first reminder retry; it doubles with
	// each attempt.
	Backoff time.Duration
}

func NewSweeper(pool request.DB, engine workflow, log *slog.Logger) *Sweeper {
	return &Sweeper{
		pool:         pool,
		engine:       engine,
		requests:     request.NewRepository(),
		signers:      signer.NewRepository(),
		reminders:    remind.NewRepository(),
		outbox:       notify.NewOutbox(),
		log:          log,
		now:          time.Now,
		Interval:     time.Minute,
		BatchSize:    64,
		Parallelism:  4,
		MaxReminders: 3,
		Backoff:      24 * time.Hour,
	}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepExpirations(ctx); err != nil {
				s.log.ErrorContext(ctx, "expiration sweep failed", slog.Any("err", err))
			}
			if err := s.SweepReminders(ctx); err != nil {
				s.log.ErrorContext(ctx, "reminder sweep failed", slog.Any("err", err))
			}
		}
	}
}

// SweepExpirations finds requests past their due timestamp and expires each in
// its own transaction. Requests that another replica already terminalized come
// back as no-ops.
func (s *Sweeper) SweepExpirations(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
        SELECT id FROM requests
        WHERE status IN ('pending', 'in_progress')
          AND due_at IS NOT NULL
          AND due_at <= $1
        ORDER BY due_at
        LIMIT $2
    `, s.now(), s.BatchSize)
	if err != nil {
		return fmt.Errorf("schedule: query overdue requests: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, s.BatchSize)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("schedule: scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schedule: iterate overdue requests: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Parallelism)
	for _, id := range ids {
		g.Go(func() error {
			expired, err := s.engine.ExpireIfDue(gctx, id)
			if err != nil {
				return fmt.Errorf("schedule: expire %s: %w", id, err)
			}
			if expired {
				s.log.InfoContext(gctx, "request expired", slog.String("request_id", id))
			}
			return nil
		})
	}
	return g.Wait()
}

// SweepReminders claims due reminder schedules and enqueues a reminder for
// each signer that is still active. The enqueue and the reschedule commit in
// one transaction, so a crashed sweep never double-sends.
func (s *Sweeper) SweepReminders(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("schedule: begin reminder tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	due, err := s.reminders.ClaimDue(ctx, tx, now, s.BatchSize)
	if err != nil {
		return err
	}

	for _, sched := range due {
		sg, err := s.signers.Get(ctx, tx, sched.SignerID)
		if err != nil {
			return err
		}
		req, err := s.requests.Get(ctx, tx, sched.RequestID)
		if err != nil {
			return err
		}

		eligible := !sg.Status.Terminal() &&
			(req.Status == request.StatusPending || req.Status == request.StatusInProgress)
		if eligible {
			signers, err := s.signers.ListByRequest(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			eligible, err = ordering.IsActive(req.Mode, signers, sg.ID)
			if err != nil {
				return err
			}
		}
		if !eligible || sched.Attempts >= s.MaxReminders {
			// The workflow service normally deletes these rows on
			// terminalization; this catches stragglers.
			if err := s.reminders.DeleteBySigner(ctx, tx, sched.SignerID); err != nil {
				return err
			}
			continue
		}

		if err := s.outbox.Enqueue(ctx, tx, notify.TopicSignerReminder, map[string]any{
			"request_id":   req.ID,
			"title":        req.Title,
			"signer_id":    sg.ID,
			"signer_name":  sg.Name,
			"signer_email": sg.Email,
			"attempt":      sched.Attempts + 1,
		}); err != nil {
			return err
		}
		next := now.Add(s.Backoff << sched.Attempts)
		if err := s.reminders.Reschedule(ctx, tx, sg.ID, sched.Attempts+1, next, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("schedule: commit reminder tx: %w", err)
	}
	return nil
}
