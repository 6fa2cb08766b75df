package signer

import "time"

// Status enumerates the signer lifecycle. Terminal statuses are immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusNotified  Status = "notified"
	StatusViewed    Status = "viewed"
	StatusSigned    Status = "signed"
	StatusDeclined  Status = "declined"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSigned, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// progressRank orders the forward-only pre-terminal statuses. View events may
// race ahead of notification delivery, so promotion skips are allowed but a
// signer never moves backwards.
func progressRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusNotified:
		return 1
	case StatusViewed:
		return 2
	default:
		return 3
	}
}

// Signer mirrors the signers table columns touched by the engine.
type Signer struct {
	ID            string
	RequestID     string
	Name          string
	Email         string
	Position      int
	Status        Status
	ArtifactRef   *string
	CodeVerified  bool
	DeclineReason *string
	NotifiedAt    *time.Time
	ViewedAt      *time.Time
	SignedAt      *time.Time
	SignerIP      *string
	SignerAgent   *string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateParams enumerates the fields required to register a signer.
type CreateParams struct {
	RequestID string
	Name      string
	Email     string
	Position  int
}
