package request

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/integrity"
	"signflow/notify"
	"signflow/ordering"
	"signflow/signer"
)

// memState is the shared in-memory backing store for the fake repositories.
type memState struct {
	request   *Request
	signers   map[string]*signer.Signer
	reminders map[string]time.Time

	outboxTopics  []string
	invited       []string
	finalizeCalls int
	events        []string
}

func newMemState(req Request) *memState {
	return &memState{
		request:   &req,
		signers:   map[string]*signer.Signer{},
		reminders: map[string]time.Time{},
	}
}

func (m *memState) addSigner(s signer.Signer) {
	cp := s
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.signers[cp.ID] = &cp
}

func (m *memState) countTopic(topic string) int {
	n := 0
	for _, t := range m.outboxTopics {
		if t == topic {
			n++
		}
	}
	return n
}

type fakeRequests struct{ st *memState }

func (f *fakeRequests) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Request, error) {
	panic("not used")
}

func (f *fakeRequests) Get(ctx context.Context, q signer.Querier, requestID string) (Request, error) {
	if f.st.request == nil || f.st.request.ID != requestID {
		return Request{}, ErrNotFound
	}
	return *f.st.request, nil
}

func (f *fakeRequests) GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	return f.Get(ctx, nil, requestID)
}

func (f *fakeRequests) UpdateStatus(ctx context.Context, tx pgx.Tx, req Request, next Status) (Request, error) {
	if f.st.request.Version != req.Version {
		return Request{}, signer.ErrConcurrentModification
	}
	f.st.request.Status = next
	f.st.request.Version++
	return *f.st.request, nil
}

func (f *fakeRequests) Complete(ctx context.Context, tx pgx.Tx, req Request, artifactHash string) (Request, error) {
	if f.st.request.Version != req.Version {
		return Request{}, signer.ErrConcurrentModification
	}
	now := time.Now()
	f.st.request.Status = StatusCompleted
	f.st.request.ArtifactHash = &artifactHash
	f.st.request.CompletedAt = &now
	f.st.request.Version++
	return *f.st.request, nil
}

func (f *fakeRequests) ListTimeline(ctx context.Context, q signer.Querier, requestID string) ([]TimelineEvent, error) {
	return nil, nil
}

type fakeSigners struct{ st *memState }

func (f *fakeSigners) Insert(ctx context.Context, tx pgx.Tx, params signer.CreateParams) (signer.Signer, error) {
	panic("not used")
}

func (f *fakeSigners) Get(ctx context.Context, q signer.Querier, signerID string) (signer.Signer, error) {
	s, ok := f.st.signers[signerID]
	if !ok {
		return signer.Signer{}, signer.ErrNotFound
	}
	return *s, nil
}

func (f *fakeSigners) GetForUpdate(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error) {
	return f.Get(ctx, nil, signerID)
}

func (f *fakeSigners) ListByRequest(ctx context.Context, q signer.Querier, requestID string) ([]signer.Signer, error) {
	out := make([]signer.Signer, 0, len(f.st.signers))
	for _, s := range f.st.signers {
		if s.RequestID == requestID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeSigners) mutate(s signer.Signer, fn func(*signer.Signer)) (signer.Signer, error) {
	cur, ok := f.st.signers[s.ID]
	if !ok {
		return signer.Signer{}, signer.ErrNotFound
	}
	if cur.Version != s.Version {
		return signer.Signer{}, signer.ErrConcurrentModification
	}
	fn(cur)
	cur.Version++
	return *cur, nil
}

func (f *fakeSigners) MarkNotified(ctx context.Context, tx pgx.Tx, s signer.Signer) (signer.Signer, error) {
	if s.Status.Terminal() || s.Status != signer.StatusPending {
		return s, nil
	}
	now := time.Now()
	return f.mutate(s, func(cur *signer.Signer) {
		cur.Status = signer.StatusNotified
		cur.NotifiedAt = &now
	})
}

func (f *fakeSigners) MarkViewed(ctx context.Context, tx pgx.Tx, s signer.Signer) (signer.Signer, error) {
	if s.Status.Terminal() || s.Status == signer.StatusViewed {
		return s, nil
	}
	now := time.Now()
	return f.mutate(s, func(cur *signer.Signer) {
		cur.Status = signer.StatusViewed
		cur.ViewedAt = &now
	})
}

func (f *fakeSigners) MarkSigned(ctx context.Context, tx pgx.Tx, s signer.Signer, params signer.SignParams) (signer.Signer, error) {
	if s.Status.Terminal() {
		return signer.Signer{}, signer.ErrAlreadyTerminal
	}
	now := time.Now()
	return f.mutate(s, func(cur *signer.Signer) {
		cur.Status = signer.StatusSigned
		cur.ArtifactRef = &params.ArtifactRef
		cur.SignedAt = &now
		cur.CodeVerified = false
	})
}

func (f *fakeSigners) MarkDeclined(ctx context.Context, tx pgx.Tx, s signer.Signer, reason string) (signer.Signer, error) {
	if s.Status.Terminal() {
		return signer.Signer{}, signer.ErrAlreadyTerminal
	}
	return f.mutate(s, func(cur *signer.Signer) {
		cur.Status = signer.StatusDeclined
		cur.DeclineReason = &reason
	})
}

func (f *fakeSigners) SetCodeVerified(ctx context.Context, tx pgx.Tx, s signer.Signer, verified bool) (signer.Signer, error) {
	if s.Status.Terminal() {
		return signer.Signer{}, signer.ErrAlreadyTerminal
	}
	return f.mutate(s, func(cur *signer.Signer) {
		cur.CodeVerified = verified
	})
}

func (f *fakeSigners) ForceTerminal(ctx context.Context, tx pgx.Tx, requestID string, to signer.Status) (int64, error) {
	var n int64
	for _, s := range f.st.signers {
		if s.RequestID == requestID && !s.Status.Terminal() {
			s.Status = to
			s.Version++
			n++
		}
	}
	return n, nil
}

type fakeReminders struct{ st *memState }

func (f *fakeReminders) Schedule(ctx context.Context, tx pgx.Tx, signerID, requestID string, nextFireAt time.Time) error {
	f.st.reminders[signerID] = nextFireAt
	return nil
}

func (f *fakeReminders) DeleteBySigner(ctx context.Context, tx pgx.Tx, signerID string) error {
	delete(f.st.reminders, signerID)
	return nil
}

func (f *fakeReminders) DeleteByRequest(ctx context.Context, tx pgx.Tx, requestID string) error {
	for id := range f.st.reminders {
		delete(f.st.reminders, id)
	}
	return nil
}

type fakeOutbox struct{ st *memState }

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.st.outboxTopics = append(f.st.outboxTopics, topic)
	if topic == notify.TopicSignerInvited {
		if id, ok := payload["signer_id"].(string); ok {
			f.st.invited = append(f.st.invited, id)
		}
	}
	return nil
}

type fakeFinalizer struct{ st *memState }

func (f *fakeFinalizer) Finalize(ctx context.Context, tx pgx.Tx, requestID, documentID string) (integrity.Record, error) {
	f.st.finalizeCalls++
	return integrity.Record{
		RequestID:   requestID,
		ContentHash: integrity.Digest([]byte("artifact")),
		LookupToken: "lookup-token",
	}, nil
}

type fakePool struct{}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }
func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}
func (f *fakeTx) Commit(context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rolled = true; return nil }
func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { panic("not implemented") }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { panic("not implemented") }
func (f *fakeTx) Conn() *pgx.Conn                                  { return nil }

func newTestService(st *memState) *Service {
	svc := NewService(&fakePool{}, &fakeFinalizer{st: st}, nil)
	svc.requests = &fakeRequests{st: st}
	svc.signers = &fakeSigners{st: st}
	svc.reminders = &fakeReminders{st: st}
	svc.outbox = &fakeOutbox{st: st}
	svc.finalizer = &fakeFinalizer{st: st}
	return svc
}

func sequentialFixture(requireCode bool) *memState {
	st := newMemState(Request{
		ID:          "req-1",
		Title:       "Lease agreement",
		DocumentID:  "doc-1",
		Mode:        ordering.ModeSequential,
		Status:      StatusInProgress,
		RequireCode: requireCode,
		Version:     1,
	})
	st.addSigner(signer.Signer{ID: "alice", RequestID: "req-1", Name: "Alice", Email: "alice@example.com", Position: 1, Status: signer.StatusNotified})
	st.addSigner(signer.Signer{ID: "bob", RequestID: "req-1", Name: "Bob", Email: "bob@example.com", Position: 2, Status: signer.StatusPending})
	return st
}

func TestSubmitSignature_SequentialAdvance(t *testing.T) {
	st := sequentialFixture(false)
	svc := newTestService(st)

	res, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "alice", ArtifactRef: "art-1"})
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if res.Signer.Status != signer.StatusSigned {
		t.Fatalf("expected alice signed, got %s", res.Signer.Status)
	}
	if res.Request.Status != StatusInProgress {
		t.Fatalf("expected request in_progress, got %s", res.Request.Status)
	}
	if len(st.invited) != 1 || st.invited[0] != "bob" {
		t.Fatalf("expected bob to be invited, got %v", st.invited)
	}
	if _, ok := st.reminders["bob"]; !ok {
		t.Fatalf("expected a reminder scheduled for bob")
	}
	if _, ok := st.reminders["alice"]; ok {
		t.Fatalf("expected alice's reminder to be removed")
	}
}

func TestSubmitSignature_IdempotentRejection(t *testing.T) {
	st := sequentialFixture(false)
	svc := newTestService(st)

	if _, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "alice", ArtifactRef: "art-1"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	for i := 0; i < 2; i++ {
		_, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "alice", ArtifactRef: "art-1"})
		if !errors.Is(err, signer.ErrAlreadyTerminal) {
			t.Fatalf("retry %d: expected ErrAlreadyTerminal, got %v", i, err)
		}
	}
	if got := st.signers["alice"].Version; got != 2 {
		t.Fatalf("expected no double transition, version=%d", got)
	}
}

func TestSubmitSignature_OutOfTurn(t *testing.T) {
	st := sequentialFixture(false)
	svc := newTestService(st)

	_, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "bob", ArtifactRef: "art-2"})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestSubmitSignature_CompletesAndFinalizesOnce(t *testing.T) {
	st := sequentialFixture(false)
	svc := newTestService(st)

	if _, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "alice", ArtifactRef: "art-1"}); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	res, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "bob", ArtifactRef: "art-2"})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	if res.Request.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Request.Status)
	}
	if st.finalizeCalls != 1 {
		t.Fatalf("expected exactly one finalize, got %d", st.finalizeCalls)
	}
	if st.request.ArtifactHash == nil {
		t.Fatalf("expected artifact hash stored on completion")
	}
	if n := st.countTopic(notify.TopicRequestCompleted); n != 1 {
		t.Fatalf("expected one completion notification, got %d", n)
	}
	if len(st.reminders) != 0 {
		t.Fatalf("expected reminders cleared on completion, got %v", st.reminders)
	}
}

func TestSubmitSignature_VerificationRequired(t *testing.T) {
	st := sequentialFixture(true)
	svc := newTestService(st)

	_, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "alice", ArtifactRef: "art-1"})
	if !errors.Is(err, ErrVerificationRequired) {
		t.Fatalf("expected ErrVerificationRequired, got %v", err)
	}

	st.signers["alice"].CodeVerified = true
	res, err := svc.SubmitSignature(context.Background(), SubmitParams{SignerID: "alice", ArtifactRef: "art-1"})
	if err != nil {
		t.Fatalf("verified submit: %v", err)
	}
	if res.Signer.CodeVerified {
		t.Fatalf("expected the verification grant to be consumed")
	}
}

func TestDecline_ParallelCancelsRemaining(t *testing.T) {
	st := newMemState(Request{
		ID:         "req-2",
		Title:      "NDA",
		DocumentID: "doc-2",
		Mode:       ordering.ModeParallel,
		Status:     StatusInProgress,
		Version:    1,
	})
	st.addSigner(signer.Signer{ID: "a", RequestID: "req-2", Email: "a@example.com", Status: signer.StatusNotified})
	st.addSigner(signer.Signer{ID: "b", RequestID: "req-2", Email: "b@example.com", Status: signer.StatusViewed})
	st.addSigner(signer.Signer{ID: "c", RequestID: "req-2", Email: "c@example.com", Status: signer.StatusNotified})
	svc := newTestService(st)

	res, err := svc.DeclineSignature(context.Background(), "b", "not authorized to sign")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if res.Request.Status != StatusDeclined {
		t.Fatalf("expected declined request, got %s", res.Request.Status)
	}
	for _, id := range []string{"a", "c"} {
		if got := st.signers[id].Status; got != signer.StatusCancelled {
			t.Fatalf("expected signer %s cancelled, got %s", id, got)
		}
	}
	if n := st.countTopic(notify.TopicRequestDeclined); n != 1 {
		t.Fatalf("expected one decline notification, got %d", n)
	}
	if st.finalizeCalls != 0 {
		t.Fatalf("declined request must not finalize")
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	st := newMemState(Request{ID: "req-3", Title: "t", DocumentID: "d", Mode: ordering.ModeParallel, Status: StatusCompleted, Version: 1})
	svc := newTestService(st)

	_, err := svc.Cancel(context.Background(), "req-3")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestCancel_ForcesSigners(t *testing.T) {
	st := sequentialFixture(false)
	svc := newTestService(st)

	req, err := svc.Cancel(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if req.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", req.Status)
	}
	for id, s := range st.signers {
		if !s.Status.Terminal() {
			t.Fatalf("expected signer %s terminal after cancel, got %s", id, s.Status)
		}
	}
	if len(st.reminders) != 0 {
		t.Fatalf("expected reminders cleared on cancel")
	}
}

func TestExpireIfDue_IdempotentSweep(t *testing.T) {
	due := time.Now().Add(-time.Hour)
	st := newMemState(Request{
		ID:         "req-4",
		Title:      "Offer letter",
		DocumentID: "doc-4",
		Mode:       ordering.ModeParallel,
		Status:     StatusInProgress,
		DueAt:      &due,
		Version:    1,
	})
	st.addSigner(signer.Signer{ID: "a", RequestID: "req-4", Email: "a@example.com", Status: signer.StatusSigned})
	st.addSigner(signer.Signer{ID: "b", RequestID: "req-4", Email: "b@example.com", Status: signer.StatusNotified})
	svc := newTestService(st)

	expired, err := svc.ExpireIfDue(context.Background(), "req-4")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !expired {
		t.Fatalf("expected the sweep to expire the request")
	}
	if st.request.Status != StatusExpired {
		t.Fatalf("expected expired request, got %s", st.request.Status)
	}
	if got := st.signers["b"].Status; got != signer.StatusExpired {
		t.Fatalf("expected pending signer expired, got %s", got)
	}
	if got := st.signers["a"].Status; got != signer.StatusSigned {
		t.Fatalf("signed signer must stay signed, got %s", got)
	}

	// A second sweep over the now-terminal request is a no-op.
	expired, err = svc.ExpireIfDue(context.Background(), "req-4")
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if expired {
		t.Fatalf("expected second sweep to be a no-op")
	}
	if n := st.countTopic(notify.TopicRequestExpired); n != 1 {
		t.Fatalf("expected one expiry notification, got %d", n)
	}
}

func TestActivate_RequiresSigners(t *testing.T) {
	st := newMemState(Request{ID: "req-5", Title: "t", DocumentID: "d", Mode: ordering.ModeSequential, Status: StatusDraft, Version: 1})
	svc := newTestService(st)

	_, err := svc.Activate(context.Background(), "req-5")
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestActivate_DispatchesPerMode(t *testing.T) {
	st := newMemState(Request{ID: "req-6", Title: "t", DocumentID: "d", Mode: ordering.ModeSequential, Status: StatusDraft, Version: 1})
	st.addSigner(signer.Signer{ID: "alice", RequestID: "req-6", Email: "alice@example.com", Position: 1, Status: signer.StatusPending})
	st.addSigner(signer.Signer{ID: "bob", RequestID: "req-6", Email: "bob@example.com", Position: 2, Status: signer.StatusPending})
	svc := newTestService(st)

	req, err := svc.Activate(context.Background(), "req-6")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if len(st.invited) != 1 || st.invited[0] != "alice" {
		t.Fatalf("sequential activation must invite only the first signer, got %v", st.invited)
	}

	// Parallel activation invites the whole roster.
	st2 := newMemState(Request{ID: "req-7", Title: "t", DocumentID: "d", Mode: ordering.ModeParallel, Status: StatusDraft, Version: 1})
	st2.addSigner(signer.Signer{ID: "a", RequestID: "req-7", Email: "a@example.com", Status: signer.StatusPending})
	st2.addSigner(signer.Signer{ID: "b", RequestID: "req-7", Email: "b@example.com", Status: signer.StatusPending})
	svc2 := newTestService(st2)

	if _, err := svc2.Activate(context.Background(), "req-7"); err != nil {
		t.Fatalf("parallel activate: %v", err)
	}
	if len(st2.invited) != 2 {
		t.Fatalf("parallel activation must invite everyone, got %v", st2.invited)
	}
}
