// Package actors provides the concurrent workload drivers for the stress
// harness. Each actor hammers one slice of the workflow through the public
// service API and treats domain rejections as expected contention outcomes.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/notify"
	"signflow/ordering"
	"signflow/request"
	"signflow/schedule"
	"signflow/signer"
)

// tolerable reports whether an error is an expected domain rejection under
// concurrent load rather than a harness failure.
func tolerable(err error) bool {
	return errors.Is(err, request.ErrNotActive) ||
		errors.Is(err, request.ErrIllegalTransition) ||
		errors.Is(err, request.ErrVerificationRequired) ||
		errors.Is(err, request.ErrNotFound) ||
		errors.Is(err, signer.ErrAlreadyTerminal) ||
		errors.Is(err, signer.ErrConcurrentModification) ||
		errors.Is(err, signer.ErrNotFound) ||
		errors.Is(err, pgx.ErrNoRows) ||
		transient(err)
}

// transient covers connection-level failures injected by the chaos package.
// The transaction either committed or it did not; the oracles decide whether
// state stayed consistent.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		// class 08: connection exception, class 57: operator intervention
		if pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57" {
			return true
		}
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	return strings.Contains(err.Error(), "conn closed") ||
		strings.Contains(err.Error(), "connection reset")
}

func randomSigner(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
        SELECT id FROM signers
        WHERE status NOT IN ('signed','declined','expired','cancelled')
        ORDER BY random() LIMIT 1
    `).Scan(&id)
	return id, err
}

// Participant views and signs whichever signer slot is still open. Out-of-turn
// submissions are the point: they must bounce off ErrNotActive without
// corrupting state.
func Participant(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		signerID, err := randomSigner(ctx, pool)
		if err == nil {
			if rand.Intn(2) == 0 {
				if err := svc.MarkSignerViewed(ctx, signerID); err != nil && !tolerable(err) {
					return fmt.Errorf("participant view: %w", err)
				}
			}
			params := request.SubmitParams{
				SignerID:    signerID,
				ArtifactRef: fmt.Sprintf("sig-%d", rand.Int63()),
				SignerIP:    "203.0.113.7",
				SignerAgent: "stress/1.0",
			}
			_, err = svc.SubmitSignature(ctx, params)
			if errors.Is(err, request.ErrVerificationRequired) {
				err = verifyThenSubmit(ctx, svc, params)
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("participant submit: %w", err)
			}
		} else if !tolerable(err) {
			return fmt.Errorf("participant pick: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// verifyThenSubmit walks the one-time-code path: issue, verify, resubmit.
func verifyThenSubmit(ctx context.Context, svc *request.Service, params request.SubmitParams) error {
	code, _, err := svc.IssueVerificationCode(ctx, params.SignerID)
	if err != nil {
		return err
	}
	if err := svc.VerifyCode(ctx, params.SignerID, code, params.SignerIP); err != nil {
		return err
	}
	_, err = svc.SubmitSignature(ctx, params)
	return err
}

// Decliner occasionally declines an open signer slot, racing the signers.
func Decliner(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if rand.Intn(20) == 0 {
			signerID, err := randomSigner(ctx, pool)
			if err == nil {
				if _, err := svc.DeclineSignature(ctx, signerID, "stress decline"); err != nil && !tolerable(err) {
					return fmt.Errorf("decliner: %w", err)
				}
			} else if !tolerable(err) {
				return fmt.Errorf("decliner pick: %w", err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// DocumentSeeder stores a source document before a request references it.
type DocumentSeeder interface {
	PutDocument(ctx context.Context, documentID string, data []byte) error
}

// Spawner keeps the workload alive by creating and activating fresh requests,
// alternating between modes. Roughly one in four carries a short due window so
// the expiration sweep has work.
func Spawner(ctx context.Context, store DocumentSeeder, svc *request.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		docID := fmt.Sprintf("doc-%d", rand.Int63())
		if err := store.PutDocument(ctx, docID, []byte(fmt.Sprintf("contract body %s", docID))); err != nil {
			return fmt.Errorf("spawner seed document: %w", err)
		}

		mode := ordering.ModeParallel
		if rand.Intn(2) == 0 {
			mode = ordering.ModeSequential
		}
		var due *time.Time
		if rand.Intn(4) == 0 {
			d := time.Now().Add(time.Duration(1+rand.Intn(3)) * time.Second)
			due = &d
		}

		req, err := svc.Create(ctx, request.CreateParams{
			Title:       fmt.Sprintf("Stress request %s", docID),
			DocumentID:  docID,
			Mode:        mode,
			DueAt:       due,
			RequireCode: rand.Intn(4) == 0,
		})
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("spawner create: %w", err)
		}

		n := 2 + rand.Intn(3)
		for i := 1; i <= n; i++ {
			_, err := svc.AddSigner(ctx, req.ID, request.AddSignerParams{
				Name:     fmt.Sprintf("Signer %d", i),
				Email:    fmt.Sprintf("signer%d-%d@example.com", i, rand.Int63()),
				Position: i,
			})
			if err != nil && !tolerable(err) {
				return fmt.Errorf("spawner add signer: %w", err)
			}
		}
		if _, err := svc.Activate(ctx, req.ID); err != nil && !tolerable(err) {
			return fmt.Errorf("spawner activate: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// OutboxWorker drains the outbox concurrently with the mutators, exercising
// SKIP LOCKED claims and the post-delivery notified_at promotion.
func OutboxWorker(ctx context.Context, d *notify.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) && !transient(err) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

// SweepWorker runs expiration and reminder sweeps on a tight loop.
func SweepWorker(ctx context.Context, s *schedule.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := s.SweepExpirations(ctx); err != nil && !errors.Is(err, context.Canceled) && !tolerable(err) {
			return fmt.Errorf("expiration sweep: %w", err)
		}
		if err := s.SweepReminders(ctx); err != nil && !errors.Is(err, context.Canceled) && !tolerable(err) {
			return fmt.Errorf("reminder sweep: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}
