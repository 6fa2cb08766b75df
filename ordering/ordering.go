// Package ordering decides which signers of a request are currently eligible
// to sign. It is pure: callers load the signer snapshot, the engine computes
// the active set, and all persistence stays with the caller.
package ordering

import (
	"errors"

	"signflow/signer"
)

// Mode selects how signing eligibility flows through a request.
type Mode string

const (
	// ModeSequential admits one signer at a time in ascending position order.
	ModeSequential Mode = "sequential"
	// ModeParallel admits every non-terminal signer at once.
	ModeParallel Mode = "parallel"
)

// ErrUnknownMode is returned for modes the engine does not recognize.
var ErrUnknownMode = errors.New("ordering: unknown signing mode")

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	return m == ModeSequential || m == ModeParallel
}

// Active returns the signers currently eligible to sign.
//
// Parallel mode activates every non-terminal signer. Sequential mode activates
// exactly the non-terminal signer with the smallest position; once it reaches
// a terminal status the next smallest position takes over. An empty result
// means the request has no work left and is terminal-bound.
func Active(mode Mode, signers []signer.Signer) ([]signer.Signer, error) {
	switch mode {
	case ModeParallel:
		out := make([]signer.Signer, 0, len(signers))
		for _, s := range signers {
			if !s.Status.Terminal() {
				out = append(out, s)
			}
		}
		return out, nil
	case ModeSequential:
		var lowest *signer.Signer
		for i := range signers {
			s := &signers[i]
			if s.Status.Terminal() {
				continue
			}
			if lowest == nil || s.Position < lowest.Position {
				lowest = s
			}
		}
		if lowest == nil {
			return nil, nil
		}
		return []signer.Signer{*lowest}, nil
	default:
		return nil, ErrUnknownMode
	}
}

// IsActive reports whether the given signer id is in the active set.
func IsActive(mode Mode, signers []signer.Signer, signerID string) (bool, error) {
	active, err := Active(mode, signers)
	if err != nil {
		return false, err
	}
	for _, s := range active {
		if s.ID == signerID {
			return true, nil
		}
	}
	return false, nil
}
