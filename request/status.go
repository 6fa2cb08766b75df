package request

import (
	"time"

	"signflow/signer"
)

// DeriveStatus computes the aggregate status from the signer snapshot. It is
// pure and idempotent: the same snapshot always yields the same status, and
// side effects belong to the caller, fired only on an observed transition.
//
// Precedence: a single decline dooms the request; otherwise full signature
// completes it; otherwise a passed due date expires it; otherwise any progress
// beyond pending marks it in progress.
func DeriveStatus(current Status, due *time.Time, signers []signer.Signer, now time.Time) (Status, error) {
	if current == StatusDraft || current.Terminal() {
		return current, nil
	}
	if len(signers) == 0 {
		return "", ErrInvalidConfiguration
	}

	allSigned := true
	anyProgress := false
	for _, s := range signers {
		switch s.Status {
		case signer.StatusDeclined:
			return StatusDeclined, nil
		case signer.StatusSigned:
			anyProgress = true
		default:
			allSigned = false
			if s.Status != signer.StatusPending || s.NotifiedAt != nil {
				anyProgress = true
			}
		}
	}

	if allSigned {
		return StatusCompleted, nil
	}
	if due != nil && !now.Before(*due) {
		return StatusExpired, nil
	}
	if anyProgress {
		return StatusInProgress, nil
	}
	return StatusPending, nil
}
