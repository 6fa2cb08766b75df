package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signflow/ordering"
	"signflow/signer"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const requestColumns = `id, title, document_id, mode, status, due_at, require_code,
       artifact_hash, version, created_at, updated_at, completed_at`

func scanRequest(row pgx.Row) (Request, error) {
	var r Request
	var mode, status string
	err := row.Scan(
		&r.ID, &r.Title, &r.DocumentID, &mode, &status, &r.DueAt, &r.RequireCode,
		&r.ArtifactHash, &r.Version, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		return Request{}, err
	}
	r.Mode = ordering.Mode(mode)
	r.Status = Status(status)
	return r, nil
}

// Insert creates a draft request inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Request, error) {
	insertSQL := `
        INSERT INTO requests (title, document_id, mode, due_at, require_code)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, insertSQL,
		params.Title, params.DocumentID, string(params.Mode), params.DueAt, params.RequireCode))
	if err != nil {
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}
	return req, nil
}

// Get fetches a request without locking.
func (r *Repository) Get(ctx context.Context, q signer.Querier, requestID string) (Request, error) {
	req, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

// GetForUpdate locks the request row for the transaction. Every mutation of a
// request or its signers takes this lock first, which serializes the
// recompute-and-react step across workers.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

// UpdateStatus moves the request to the derived status under the version stamp.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, req Request, next Status) (Request, error) {
	return r.stampedUpdate(ctx, tx, req, `
        UPDATE requests
        SET status = $3,
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING `+requestColumns,
		string(next))
}

// Complete stores the finalized artifact hash alongside the completed status
// so the terminal transition and its integrity evidence commit atomically.
func (r *Repository) Complete(ctx context.Context, tx pgx.Tx, req Request, artifactHash string) (Request, error) {
	return r.stampedUpdate(ctx, tx, req, `
        UPDATE requests
        SET status = 'completed',
            artifact_hash = $3,
            completed_at = now(),
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING `+requestColumns,
		artifactHash)
}

func (r *Repository) stampedUpdate(ctx context.Context, tx pgx.Tx, req Request, sql string, extra ...any) (Request, error) {
	args := append([]any{req.ID, req.Version}, extra...)
	updated, err := scanRequest(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, signer.ErrConcurrentModification
		}
		return Request{}, fmt.Errorf("request: stamped update: %w", err)
	}
	return updated, nil
}
