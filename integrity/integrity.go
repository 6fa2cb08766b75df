// Package integrity finalizes completed signature requests with a content
// digest and serves tamper-evidence lookups against the stored record.
package integrity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"signflow/signer"
)

// ErrRecordNotFound is returned for unknown lookup tokens. This is a normal
// verification outcome, not a system failure.
var ErrRecordNotFound = errors.New("integrity: verification record not found")

// ArtifactStore is the external collaborator holding document bytes.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, documentID string) ([]byte, error)
	PutFinalArtifact(ctx context.Context, requestID string, data []byte) error
}

// Record is the immutable hash-plus-token pair created at completion.
type Record struct {
	ID          string
	RequestID   string
	ContentHash string
	LookupToken string
	CreatedAt   time.Time
}

// VerifyResult reports a verification outcome with both hashes for display.
type VerifyResult struct {
	Match        bool
	StoredHash   string
	ComputedHash string
	RequestID    string
	CreatedAt    time.Time
}

// Digest computes the canonical content hash of an artifact.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Service struct {
	store ArtifactStore
}

func NewService(store ArtifactStore) *Service {
	return &Service{store: store}
}

// Finalize fetches the artifact, stores the final copy, and creates the
// verification record inside the caller's transaction. The lookup token is
// distinct from any signer-facing token. If any step fails the transaction
// rolls back and the request stays in its prior status for retry.
func (s *Service) Finalize(ctx context.Context, tx pgx.Tx, requestID, documentID string) (Record, error) {
	data, err := s.store.GetArtifact(ctx, documentID)
	if err != nil {
		return Record{}, fmt.Errorf("integrity: fetch artifact: %w", err)
	}

	hash := Digest(data)
	if err := s.store.PutFinalArtifact(ctx, requestID, data); err != nil {
		return Record{}, fmt.Errorf("integrity: store final artifact: %w", err)
	}

	rec := Record{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		ContentHash: hash,
		LookupToken: uuid.NewString(),
	}
	const insertSQL = `
        INSERT INTO verification_records (id, request_id, content_hash, lookup_token)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at
    `
	if err := tx.QueryRow(ctx, insertSQL, rec.ID, rec.RequestID, rec.ContentHash, rec.LookupToken).Scan(&rec.CreatedAt); err != nil {
		return Record{}, fmt.Errorf("integrity: insert record: %w", err)
	}
	return rec, nil
}

// Verify recomputes the digest over the provided bytes and compares it with
// the record stored under the lookup token. It never mutates state.
func (s *Service) Verify(ctx context.Context, q signer.Querier, lookupToken string, provided []byte) (VerifyResult, error) {
	const query = `
        SELECT id, request_id, content_hash, lookup_token, created_at
        FROM verification_records
        WHERE lookup_token = $1
    `
	var rec Record
	err := q.QueryRow(ctx, query, lookupToken).Scan(&rec.ID, &rec.RequestID, &rec.ContentHash, &rec.LookupToken, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VerifyResult{}, ErrRecordNotFound
		}
		return VerifyResult{}, fmt.Errorf("integrity: fetch record: %w", err)
	}
	return Compare(rec, provided), nil
}

// Compare checks provided bytes against an already-loaded record.
func Compare(rec Record, provided []byte) VerifyResult {
	computed := Digest(provided)
	return VerifyResult{
		Match:        subtle.ConstantTimeCompare([]byte(computed), []byte(rec.ContentHash)) == 1,
		StoredHash:   rec.ContentHash,
		ComputedHash: computed,
		RequestID:    rec.RequestID,
		CreatedAt:    rec.CreatedAt,
	}
}
