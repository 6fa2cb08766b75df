package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signflow/integrity"
	"signflow/notify"
	"signflow/ordering"
	"signflow/remind"
	"signflow/signer"
)

// DB is the subset of pgxpool.Pool the service needs: transactions for
// mutations and plain queries for reads.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	signer.Querier
}

type requestStore interface {
	Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Request, error)
	Get(ctx context.Context, q signer.Querier, requestID string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Request, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, req Request, next Status) (Request, error)
	Complete(ctx context.Context, tx pgx.Tx, req Request, artifactHash string) (Request, error)
	ListTimeline(ctx context.Context, q signer.Querier, requestID string) ([]TimelineEvent, error)
}

type signerStore interface {
	Insert(ctx context.Context, tx pgx.Tx, params signer.CreateParams) (signer.Signer, error)
	Get(ctx context.Context, q signer.Querier, signerID string) (signer.Signer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error)
	ListByRequest(ctx context.Context, q signer.Querier, requestID string) ([]signer.Signer, error)
	MarkNotified(ctx context.Context, tx pgx.Tx, s signer.Signer) (signer.Signer, error)
	MarkViewed(ctx context.Context, tx pgx.Tx, s signer.Signer) (signer.Signer, error)
	MarkSigned(ctx context.Context, tx pgx.Tx, s signer.Signer, params signer.SignParams) (signer.Signer, error)
	MarkDeclined(ctx context.Context, tx pgx.Tx, s signer.Signer, reason string) (signer.Signer, error)
	SetCodeVerified(ctx context.Context, tx pgx.Tx, s signer.Signer, verified bool) (signer.Signer, error)
	ForceTerminal(ctx context.Context, tx pgx.Tx, requestID string, to signer.Status) (int64, error)
}

type reminderStore interface {
	Schedule(ctx context.Context, tx pgx.Tx, signerID, requestID string, nextFireAt time.Time) error
	DeleteBySigner(ctx context.Context, tx pgx.Tx, signerID string) error
	DeleteByRequest(ctx context.Context, tx pgx.Tx, requestID string) error
}

type outboxStore interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type finalizer interface {
	Finalize(ctx context.Context, tx pgx.Tx, requestID, documentID string) (integrity.Record, error)
}

type codeGate interface {
	Issue(ctx context.Context, requestID, signerID string) (string, time.Time, error)
	Verify(ctx context.Context, requestID, signerID, submitted, clientIP string) error
}

// Service is the caller-facing workflow engine. Every mutation runs in a
// single transaction that locks the request row first, so the triggering
// signer update and the recompute-and-react step commit atomically.
type Service struct {
	pool      DB
	requests  requestStore
	signers   signerStore
	reminders reminderStore
	outbox    outboxStore
	finalizer finalizer
	codes     codeGate
	now       func() time.Time

	// RetryAttempts bounds the transparent retries on version conflicts.
	RetryAttempts int
	// RemindAfter is the delay before the first reminder for an active signer.
	RemindAfter time.Duration
}

func NewService(pool DB, fin finalizer, gate codeGate) *Service {
	return &Service{
		pool:          pool,
		requests:      NewRepository(),
		signers:       signer.NewRepository(),
		reminders:     remind.NewRepository(),
		outbox:        notify.NewOutbox(),
		finalizer:     fin,
		codes:         gate,
		now:           time.Now,
		RetryAttempts: 3,
		RemindAfter:   24 * time.Hour,
	}
}

// Create opens a new request in draft.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.Title == "" || params.DocumentID == "" {
		return Request{}, fmt.Errorf("%w: title and document id are required", ErrInvalidConfiguration)
	}
	if !params.Mode.Valid() {
		return Request{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfiguration, params.Mode)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.Insert(ctx, tx, params)
	if err != nil {
		return Request{}, err
	}
	if err := insertTimelineEvent(ctx, tx, req.ID, EventRequestCreated, map[string]any{
		"title": req.Title,
		"mode":  string(req.Mode),
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit create: %w", err)
	}
	return req, nil
}

// AddSigner registers a signer on a draft request.
func (s *Service) AddSigner(ctx context.Context, requestID string, params AddSignerParams) (signer.Signer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return signer.Signer{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return signer.Signer{}, err
	}
	if req.Status != StatusDraft {
		return signer.Signer{}, fmt.Errorf("%w: signers can only be added in draft", ErrIllegalTransition)
	}

	position := params.Position
	switch req.Mode {
	case ordering.ModeSequential:
		if position <= 0 {
			return signer.Signer{}, fmt.Errorf("%w: sequential signers need an explicit position", ErrInvalidConfiguration)
		}
	case ordering.ModeParallel:
		position = 0
	}

	sg, err := s.signers.Insert(ctx, tx, signer.CreateParams{
		RequestID: requestID,
		Name:      params.Name,
		Email:     params.Email,
		Position:  position,
	})
	if err != nil {
		return signer.Signer{}, err
	}
	if err := insertTimelineEvent(ctx, tx, requestID, EventSignerAdded, map[string]any{
		"signer_id": sg.ID,
		"email":     sg.Email,
		"position":  sg.Position,
	}); err != nil {
		return signer.Signer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return signer.Signer{}, fmt.Errorf("request: commit add signer: %w", err)
	}
	return sg, nil
}

// Activate moves a draft request to pending and dispatches the initial
// notifications per mode: every signer in parallel, the lowest position in
// sequential.
func (s *Service) Activate(ctx context.Context, requestID string) (Request, error) {
	var out Request
	err := s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		req, err := s.requests.GetForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusDraft {
			return fmt.Errorf("%w: activate requires draft, got %s", ErrIllegalTransition, req.Status)
		}

		signers, err := s.signers.ListByRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if len(signers) == 0 {
			return fmt.Errorf("%w: cannot activate a request with no signers", ErrInvalidConfiguration)
		}

		req, err = s.requests.UpdateStatus(ctx, tx, req, StatusPending)
		if err != nil {
			return err
		}
		if err := s.dispatchNewlyActive(ctx, tx, req, nil, signers); err != nil {
			return err
		}
		if err := insertTimelineEvent(ctx, tx, requestID, EventRequestActivated, map[string]any{
			"signers": len(signers),
		}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit activate: %w", err)
		}
		out = req
		return nil
	})
	return out, err
}

// SubmitResult reports the post-submission state of the signer and request.
type SubmitResult struct {
	Signer  signer.Signer
	Request Request
}

// SubmitSignature records a signature from an active signer and recomputes
// the aggregate status in the same transaction.
func (s *Service) SubmitSignature(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	var out SubmitResult
	err := s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		sg, err := s.signers.Get(ctx, tx, params.SignerID)
		if err != nil {
			return err
		}
		req, err := s.requests.GetForUpdate(ctx, tx, sg.RequestID)
		if err != nil {
			return err
		}
		// Re-read under the request lock; the unlocked read above only
		// resolved the request id.
		sg, err = s.signers.GetForUpdate(ctx, tx, params.SignerID)
		if err != nil {
			return err
		}

		if sg.Status.Terminal() {
			return signer.ErrAlreadyTerminal
		}
		if req.Status != StatusPending && req.Status != StatusInProgress {
			return fmt.Errorf("%w: request is %s", ErrIllegalTransition, req.Status)
		}
		if req.RequireCode && !sg.CodeVerified {
			return ErrVerificationRequired
		}

		before, err := s.signers.ListByRequest(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		active, err := ordering.IsActive(req.Mode, before, sg.ID)
		if err != nil {
			return err
		}
		if !active {
			return ErrNotActive
		}

		updated, err := s.signers.MarkSigned(ctx, tx, sg, signer.SignParams{
			ArtifactRef: params.ArtifactRef,
			SignerIP:    params.SignerIP,
			SignerAgent: params.SignerAgent,
		})
		if err != nil {
			return err
		}
		if err := s.reminders.DeleteBySigner(ctx, tx, updated.ID); err != nil {
			return err
		}
		if err := insertTimelineEvent(ctx, tx, req.ID, EventSignerSigned, map[string]any{
			"signer_id":    updated.ID,
			"artifact_ref": params.ArtifactRef,
		}); err != nil {
			return err
		}

		req, err = s.recomputeLocked(ctx, tx, req, before, replaceSigner(before, updated))
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit submit: %w", err)
		}
		out = SubmitResult{Signer: updated, Request: req}
		return nil
	})
	return out, err
}

// DeclineSignature records a decline, which dooms the whole request.
func (s *Service) DeclineSignature(ctx context.Context, signerID, reason string) (SubmitResult, error) {
	var out SubmitResult
	err := s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		sg, err := s.signers.Get(ctx, tx, signerID)
		if err != nil {
			return err
		}
		req, err := s.requests.GetForUpdate(ctx, tx, sg.RequestID)
		if err != nil {
			return err
		}
		sg, err = s.signers.GetForUpdate(ctx, tx, signerID)
		if err != nil {
			return err
		}

		if sg.Status.Terminal() {
			return signer.ErrAlreadyTerminal
		}
		if req.Status != StatusPending && req.Status != StatusInProgress {
			return fmt.Errorf("%w: request is %s", ErrIllegalTransition, req.Status)
		}

		before, err := s.signers.ListByRequest(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		updated, err := s.signers.MarkDeclined(ctx, tx, sg, reason)
		if err != nil {
			return err
		}
		if err := s.reminders.DeleteBySigner(ctx, tx, updated.ID); err != nil {
			return err
		}
		if err := insertTimelineEvent(ctx, tx, req.ID, EventSignerDeclined, map[string]any{
			"signer_id": updated.ID,
			"reason":    reason,
		}); err != nil {
			return err
		}

		req, err = s.recomputeLocked(ctx, tx, req, before, replaceSigner(before, updated))
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit decline: %w", err)
		}
		out = SubmitResult{Signer: updated, Request: req}
		return nil
	})
	return out, err
}

// IssueVerificationCode hands out the one-time code for a signer. Delivery is
// the caller's concern; the engine never logs or persists the code itself.
func (s *Service) IssueVerificationCode(ctx context.Context, signerID string) (string, time.Time, error) {
	sg, err := s.signers.Get(ctx, s.pool, signerID)
	if err != nil {
		return "", time.Time{}, err
	}
	if sg.Status.Terminal() {
		return "", time.Time{}, signer.ErrAlreadyTerminal
	}
	return s.codes.Issue(ctx, sg.RequestID, sg.ID)
}

// VerifyCode checks a submitted one-time code and, on success, grants
// verification for the signer's current signing attempt.
func (s *Service) VerifyCode(ctx context.Context, signerID, submitted, clientIP string) error {
	sg, err := s.signers.Get(ctx, s.pool, signerID)
	if err != nil {
		return err
	}
	if sg.Status.Terminal() {
		return signer.ErrAlreadyTerminal
	}
	if err := s.codes.Verify(ctx, sg.RequestID, sg.ID, submitted, clientIP); err != nil {
		return err
	}

	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := s.requests.GetForUpdate(ctx, tx, sg.RequestID); err != nil {
			return err
		}
		fresh, err := s.signers.GetForUpdate(ctx, tx, signerID)
		if err != nil {
			return err
		}
		if fresh.Status.Terminal() {
			return signer.ErrAlreadyTerminal
		}
		if _, err := s.signers.SetCodeVerified(ctx, tx, fresh, true); err != nil {
			return err
		}
		if err := insertTimelineEvent(ctx, tx, sg.RequestID, EventCodeVerified, map[string]any{
			"signer_id": signerID,
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit code grant: %w", err)
		}
		return nil
	})
}

// Cancel aborts a request that has not yet reached a terminal state. All
// non-terminal signers move to cancelled atomically. In-flight reminders may
// still deliver, but they can never revive the cancelled state.
func (s *Service) Cancel(ctx context.Context, requestID string) (Request, error) {
	var out Request
	err := s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		req, err := s.requests.GetForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: cannot cancel a %s request", ErrIllegalTransition, req.Status)
		}

		req, err = s.requests.UpdateStatus(ctx, tx, req, StatusCancelled)
		if err != nil {
			return err
		}
		if _, err := s.signers.ForceTerminal(ctx, tx, requestID, signer.StatusCancelled); err != nil {
			return err
		}
		if err := s.reminders.DeleteByRequest(ctx, tx, requestID); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestCancelled, map[string]any{
			"request_id": requestID,
			"title":      req.Title,
		}); err != nil {
			return err
		}
		if err := insertTimelineEvent(ctx, tx, requestID, EventRequestCancelled, nil); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit cancel: %w", err)
		}
		out = req
		return nil
	})
	return out, err
}

// ExpireIfDue transitions a request past its due timestamp to expired,
// forcing non-terminal signers along. It is a no-op when the request is
// already terminal or not yet due, which makes sweeps idempotent under retry.
func (s *Service) ExpireIfDue(ctx context.Context, requestID string) (bool, error) {
	expired := false
	err := s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		req, err := s.requests.GetForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() || req.DueAt == nil || s.now().Before(*req.DueAt) {
			return nil
		}

		req, err = s.requests.UpdateStatus(ctx, tx, req, StatusExpired)
		if err != nil {
			return err
		}
		if _, err := s.signers.ForceTerminal(ctx, tx, requestID, signer.StatusExpired); err != nil {
			return err
		}
		if err := s.reminders.DeleteByRequest(ctx, tx, requestID); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestExpired, map[string]any{
			"request_id": requestID,
			"title":      req.Title,
		}); err != nil {
			return err
		}
		if err := insertTimelineEvent(ctx, tx, requestID, EventRequestExpired, nil); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit expire: %w", err)
		}
		expired = true
		return nil
	})
	return expired, err
}

// MarkSignerNotified stamps a delivered invitation. Called by the outbox
// dispatcher after the gateway acknowledged the send; promotion is idempotent.
func (s *Service) MarkSignerNotified(ctx context.Context, signerID string) error {
	return s.markProgress(ctx, signerID, EventSignerNotified, s.signers.MarkNotified)
}

// MarkSignerViewed records that the signer opened the document. A view racing
// ahead of the notification ack promotes directly.
func (s *Service) MarkSignerViewed(ctx context.Context, signerID string) error {
	return s.markProgress(ctx, signerID, EventSignerViewed, s.signers.MarkViewed)
}

func (s *Service) markProgress(ctx context.Context, signerID, eventType string, mark func(context.Context, pgx.Tx, signer.Signer) (signer.Signer, error)) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		sg, err := s.signers.Get(ctx, tx, signerID)
		if err != nil {
			return err
		}
		req, err := s.requests.GetForUpdate(ctx, tx, sg.RequestID)
		if err != nil {
			return err
		}
		sg, err = s.signers.GetForUpdate(ctx, tx, signerID)
		if err != nil {
			return err
		}
		if sg.Status.Terminal() || req.Status.Terminal() {
			// Stale delivery ack after terminalization; tolerated, never revives.
			return nil
		}

		before, err := s.signers.ListByRequest(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		updated, err := mark(ctx, tx, sg)
		if err != nil {
			return err
		}
		if updated.Version != sg.Version {
			if err := insertTimelineEvent(ctx, tx, req.ID, eventType, map[string]any{
				"signer_id": signerID,
			}); err != nil {
				return err
			}
		}

		if _, err := s.recomputeLocked(ctx, tx, req, before, replaceSigner(before, updated)); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit progress: %w", err)
		}
		return nil
	})
}

// StatusView bundles everything a caller needs to render request state.
type StatusView struct {
	Request  Request
	Signers  []signer.Signer
	Timeline []TimelineEvent
}

// GetStatus returns the request, its signers, and the audit timeline.
func (s *Service) GetStatus(ctx context.Context, requestID string) (StatusView, error) {
	req, err := s.requests.Get(ctx, s.pool, requestID)
	if err != nil {
		return StatusView{}, err
	}
	signers, err := s.signers.ListByRequest(ctx, s.pool, requestID)
	if err != nil {
		return StatusView{}, err
	}
	timeline, err := s.requests.ListTimeline(ctx, s.pool, requestID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Request: req, Signers: signers, Timeline: timeline}, nil
}

// recomputeLocked derives the aggregate status from the post-mutation signer
// snapshot and fires transition side effects exactly once. The caller holds
// the request row lock; re-evaluating an unchanged snapshot is a no-op.
func (s *Service) recomputeLocked(ctx context.Context, tx pgx.Tx, req Request, before, after []signer.Signer) (Request, error) {
	next, err := DeriveStatus(req.Status, req.DueAt, after, s.now())
	if err != nil {
		return Request{}, err
	}

	if !next.Terminal() {
		if err := s.dispatchNewlyActive(ctx, tx, req, before, after); err != nil {
			return Request{}, err
		}
	}
	if next == req.Status {
		return req, nil
	}

	switch next {
	case StatusCompleted:
		rec, err := s.finalizer.Finalize(ctx, tx, req.ID, req.DocumentID)
		if err != nil {
			return Request{}, err
		}
		req, err = s.requests.Complete(ctx, tx, req, rec.ContentHash)
		if err != nil {
			return Request{}, err
		}
		if err := s.reminders.DeleteByRequest(ctx, tx, req.ID); err != nil {
			return Request{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestCompleted, map[string]any{
			"request_id":   req.ID,
			"title":        req.Title,
			"lookup_token": rec.LookupToken,
		}); err != nil {
			return Request{}, err
		}
		if err := insertTimelineEvent(ctx, tx, req.ID, EventRequestCompleted, map[string]any{
			"artifact_hash": rec.ContentHash,
		}); err != nil {
			return Request{}, err
		}

	case StatusDeclined:
		req, err = s.requests.UpdateStatus(ctx, tx, req, StatusDeclined)
		if err != nil {
			return Request{}, err
		}
		// Remaining signers are cancelled, not processed further.
		if _, err := s.signers.ForceTerminal(ctx, tx, req.ID, signer.StatusCancelled); err != nil {
			return Request{}, err
		}
		if err := s.reminders.DeleteByRequest(ctx, tx, req.ID); err != nil {
			return Request{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestDeclined, map[string]any{
			"request_id": req.ID,
			"title":      req.Title,
		}); err != nil {
			return Request{}, err
		}
		if err := insertTimelineEvent(ctx, tx, req.ID, EventRequestDeclined, nil); err != nil {
			return Request{}, err
		}

	case StatusExpired:
		req, err = s.requests.UpdateStatus(ctx, tx, req, StatusExpired)
		if err != nil {
			return Request{}, err
		}
		if _, err := s.signers.ForceTerminal(ctx, tx, req.ID, signer.StatusExpired); err != nil {
			return Request{}, err
		}
		if err := s.reminders.DeleteByRequest(ctx, tx, req.ID); err != nil {
			return Request{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestExpired, map[string]any{
			"request_id": req.ID,
			"title":      req.Title,
		}); err != nil {
			return Request{}, err
		}
		if err := insertTimelineEvent(ctx, tx, req.ID, EventRequestExpired, nil); err != nil {
			return Request{}, err
		}

	default:
		req, err = s.requests.UpdateStatus(ctx, tx, req, next)
		if err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// dispatchNewlyActive invites signers that entered the active set with this
// mutation. Sequential advancement adds at most one; parallel activation adds
// the full roster. Computing the before/after difference keeps the dispatch
// exactly-once per completion event.
func (s *Service) dispatchNewlyActive(ctx context.Context, tx pgx.Tx, req Request, before, after []signer.Signer) error {
	wasActive := map[string]bool{}
	if before != nil {
		prev, err := ordering.Active(req.Mode, before)
		if err != nil {
			return err
		}
		for _, sg := range prev {
			wasActive[sg.ID] = true
		}
	}

	nowActive, err := ordering.Active(req.Mode, after)
	if err != nil {
		return err
	}
	for _, sg := range nowActive {
		if wasActive[sg.ID] {
			continue
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicSignerInvited, map[string]any{
			"request_id":   req.ID,
			"title":        req.Title,
			"signer_id":    sg.ID,
			"signer_name":  sg.Name,
			"signer_email": sg.Email,
		}); err != nil {
			return err
		}
		if err := s.reminders.Schedule(ctx, tx, sg.ID, req.ID, s.now().Add(s.RemindAfter)); err != nil {
			return err
		}
	}
	return nil
}

// withRetry re-runs fn on optimistic version conflicts up to RetryAttempts.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.RetryAttempts; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, signer.ErrConcurrentModification) {
			return err
		}
	}
	return err
}

func replaceSigner(signers []signer.Signer, updated signer.Signer) []signer.Signer {
	out := make([]signer.Signer, len(signers))
	copy(out, signers)
	for i := range out {
		if out[i].ID == updated.ID {
			out[i] = updated
		}
	}
	return out
}
