package request

import (
	"errors"
	"time"

	"signflow/ordering"
)

// Status enumerates the aggregate request lifecycle. It is always derived
// from the signer snapshot, never set independently of a recompute pass.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDeclined   Status = "declined"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidConfiguration rejects requests that cannot be evaluated,
	// e.g. activation or recompute with zero signers.
	ErrInvalidConfiguration = errors.New("request: invalid configuration")
	// ErrIllegalTransition rejects operations not permitted in the current status.
	ErrIllegalTransition = errors.New("request: illegal transition")
	// ErrNotFound is returned when no request row exists for the identifier.
	ErrNotFound = errors.New("request: not found")
	// ErrVerificationRequired is returned when submission lacks a verified code.
	ErrVerificationRequired = errors.New("request: verification code required")
	// ErrNotActive rejects out-of-turn signing per the ordering engine.
	ErrNotActive = errors.New("request: signer is not currently eligible")
)

// Request mirrors the requests table columns touched by the engine.
type Request struct {
	ID           string
	Title        string
	DocumentID   string
	Mode         ordering.Mode
	Status       Status
	DueAt        *time.Time
	RequireCode  bool
	ArtifactHash *string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// CreateParams enumerates the fields required to create a draft request.
type CreateParams struct {
	Title       string
	DocumentID  string
	Mode        ordering.Mode
	DueAt       *time.Time
	RequireCode bool
}

// AddSignerParams registers one signer on a draft request. Position is
// required in sequential mode and ignored in parallel mode.
type AddSignerParams struct {
	Name     string
	Email    string
	Position int
}

// SubmitParams carries a signature submission with its audit metadata.
type SubmitParams struct {
	SignerID    string
	ArtifactRef string
	SignerIP    string
	SignerAgent string
}
