package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateSigner is returned when a request already holds the normalized email.
	ErrDuplicateSigner = errors.New("signer: duplicate signer email for request")
	// ErrDuplicatePosition is returned when a sequential position is already taken.
	ErrDuplicatePosition = errors.New("signer: duplicate sequence position for request")
	// ErrInvalidEmail is returned for addresses that fail validation.
	ErrInvalidEmail = errors.New("signer: invalid email address")
	// ErrNotFound is returned when no signer row exists for the identifier.
	ErrNotFound = errors.New("signer: not found")
	// ErrAlreadyTerminal rejects mutations of signed/declined/expired/cancelled signers.
	ErrAlreadyTerminal = errors.New("signer: already in a terminal status")
	// ErrConcurrentModification signals the optimistic version stamp no longer matched.
	ErrConcurrentModification = errors.New("signer: concurrent modification")
)

// Querier is the subset of pgxpool.Pool and pgx.Tx the repository reads through.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const signerColumns = `id, request_id, name, email, position, status, artifact_ref,
       code_verified, decline_reason, notified_at, viewed_at, signed_at,
       signer_ip, signer_agent, version, created_at, updated_at`

func scanSigner(row pgx.Row) (Signer, error) {
	var s Signer
	var status string
	err := row.Scan(
		&s.ID, &s.RequestID, &s.Name, &s.Email, &s.Position, &status, &s.ArtifactRef,
		&s.CodeVerified, &s.DeclineReason, &s.NotifiedAt, &s.ViewedAt, &s.SignedAt,
		&s.SignerIP, &s.SignerAgent, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return Signer{}, err
	}
	s.Status = Status(status)
	return s, nil
}

// Insert registers a signer row inside the caller's transaction. Email is
// normalized before the per-request uniqueness constraint applies.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Signer, error) {
	if params.RequestID == "" {
		return Signer{}, fmt.Errorf("signer: missing request id")
	}
	if params.Name == "" {
		return Signer{}, fmt.Errorf("signer: missing name")
	}
	email := NormalizeEmail(params.Email)
	if err := ValidateEmail(email); err != nil {
		return Signer{}, err
	}

	insertSQL := `
        INSERT INTO signers (request_id, name, email, position)
        VALUES ($1, $2, $3, $4)
        RETURNING ` + signerColumns

	s, err := scanSigner(tx.QueryRow(ctx, insertSQL, params.RequestID, params.Name, email, params.Position))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "signers_request_position_key" {
				return Signer{}, ErrDuplicatePosition
			}
			return Signer{}, ErrDuplicateSigner
		}
		return Signer{}, fmt.Errorf("signer: insert: %w", err)
	}
	return s, nil
}

// Get fetches a signer without locking.
func (r *Repository) Get(ctx context.Context, q Querier, signerID string) (Signer, error) {
	s, err := scanSigner(q.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = $1`, signerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("signer: get: %w", err)
	}
	return s, nil
}

// GetForUpdate fetches a signer and locks its row for the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, signerID string) (Signer, error) {
	s, err := scanSigner(tx.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = $1 FOR UPDATE`, signerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("signer: get for update: %w", err)
	}
	return s, nil
}

// ListByRequest returns all signers of a request ordered by sequence position.
func (r *Repository) ListByRequest(ctx context.Context, q Querier, requestID string) ([]Signer, error) {
	rows, err := q.Query(ctx, `SELECT `+signerColumns+` FROM signers WHERE request_id = $1 ORDER BY position, created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("signer: list: %w", err)
	}
	defer rows.Close()

	out := make([]Signer, 0, 4)
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("signer: scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signer: iterate: %w", err)
	}
	return out, nil
}

// MarkNotified promotes the signer to notified if it has not yet progressed
// further. Terminal signers are left untouched.
func (r *Repository) MarkNotified(ctx context.Context, tx pgx.Tx, s Signer) (Signer, error) {
	if s.Status.Terminal() || progressRank(s.Status) >= progressRank(StatusNotified) {
		return s, nil
	}
	return r.stampedUpdate(ctx, tx, s, `
        UPDATE signers
        SET status = 'notified',
            notified_at = COALESCE(notified_at, now()),
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING `+signerColumns)
}

// MarkViewed promotes the signer to viewed. A view racing ahead of the
// notification ack is promoted directly, never rejected.
func (r *Repository) MarkViewed(ctx context.Context, tx pgx.Tx, s Signer) (Signer, error) {
	if s.Status.Terminal() || progressRank(s.Status) >= progressRank(StatusViewed) {
		return s, nil
	}
	return r.stampedUpdate(ctx, tx, s, `
        UPDATE signers
        SET status = 'viewed',
            notified_at = COALESCE(notified_at, now()),
            viewed_at = COALESCE(viewed_at, now()),
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING `+signerColumns)
}

// SignParams captures the audit metadata stamped at signing time.
type SignParams struct {
	ArtifactRef string
	SignerIP    string
	SignerAgent string
}

// MarkSigned transitions the signer to signed, consuming the verification
// grant for this attempt.
func (r *Repository) MarkSigned(ctx context.Context, tx pgx.Tx, s Signer, params SignParams) (Signer, error) {
	if s.Status.Terminal() {
		return Signer{}, ErrAlreadyTerminal
	}
	return r.stampedUpdate(ctx, tx, s, `
        UPDATE signers
        SET status = 'signed',
            artifact_ref = $3,
            signed_at = now(),
            signer_ip = $4,
            signer_agent = $5,
            code_verified = FALSE,
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING `+signerColumns,
		params.ArtifactRef, params.SignerIP, params.SignerAgent)
}

// MarkDeclined transitions the signer to declined with the supplied reason.
func (r *Repository) MarkDeclined(ctx context.Context, tx pgx.Tx, s Signer, reason string) (Signer, error) {
	if s.Status.Terminal() {
		return Signer{}, ErrAlreadyTerminal
	}
	return r.stampedUpdate(ctx, tx, s, `
        UPDATE signers
        SET status = 'declined',
            decline_reason = $3,
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING `+signerColumns,
		reason)
}

// SetCodeVerified records a successful one-time-code check for the current
// signing attempt. MarkSigned clears the grant again on consumption.
func (r *Repository) SetCodeVerified(ctx context.Context, tx pgx.Tx, s Signer, verified bool) (Signer, error) {
	if s.Status.Terminal() {
		return Signer{}, ErrAlreadyTerminal
	}
	return r.stampedUpdate(ctx, tx, s, `
        UPDATE signers
        SET code_verified = $3,
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING `+signerColumns,
		verified)
}

// ForceTerminal moves every non-terminal signer of a request to the given
// terminal status. Callers must hold the request row lock, so no per-row
// version guard is needed.
func (r *Repository) ForceTerminal(ctx context.Context, tx pgx.Tx, requestID string, to Status) (int64, error) {
	if !to.Terminal() {
		return 0, fmt.Errorf("signer: %s is not a terminal status", to)
	}
	tag, err := tx.Exec(ctx, `
        UPDATE signers
        SET status = $2,
            version = version + 1,
            updated_at = now()
        WHERE request_id = $1
          AND status NOT IN ('signed', 'declined', 'expired', 'cancelled')
    `, requestID, string(to))
	if err != nil {
		return 0, fmt.Errorf("signer: force terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// stampedUpdate runs an optimistic update keyed on (id, version). A vanished
// row under the expected stamp means another worker won the race.
func (r *Repository) stampedUpdate(ctx context.Context, tx pgx.Tx, s Signer, sql string, extra ...any) (Signer, error) {
	args := append([]any{s.ID, s.Version}, extra...)
	updated, err := scanSigner(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrConcurrentModification
		}
		return Signer{}, fmt.Errorf("signer: stamped update: %w", err)
	}
	return updated, nil
}
