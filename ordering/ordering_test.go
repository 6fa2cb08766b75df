package ordering

import (
	"testing"

	"github.com/stretchr/testify/require"

	"signflow/signer"
)

func mkSigner(id string, pos int, status signer.Status) signer.Signer {
	return signer.Signer{ID: id, Position: pos, Status: status}
}

func TestActive_Sequential(t *testing.T) {
	signers := []signer.Signer{
		mkSigner("alice", 1, signer.StatusPending),
		mkSigner("bob", 2, signer.StatusPending),
		mkSigner("carol", 3, signer.StatusPending),
	}

	active, err := Active(ModeSequential, signers)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "alice", active[0].ID)

	signers[0].Status = signer.StatusSigned
	active, err = Active(ModeSequential, signers)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "bob", active[0].ID)
}

func TestActive_SequentialOrderIndependentOfSliceOrder(t *testing.T) {
	signers := []signer.Signer{
		mkSigner("bob", 2, signer.StatusPending),
		mkSigner("alice", 1, signer.StatusNotified),
	}

	active, err := Active(ModeSequential, signers)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "alice", active[0].ID)
}

func TestActive_SequentialAllTerminal(t *testing.T) {
	signers := []signer.Signer{
		mkSigner("alice", 1, signer.StatusSigned),
		mkSigner("bob", 2, signer.StatusDeclined),
	}

	active, err := Active(ModeSequential, signers)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestActive_Parallel(t *testing.T) {
	signers := []signer.Signer{
		mkSigner("alice", 0, signer.StatusNotified),
		mkSigner("bob", 0, signer.StatusSigned),
		mkSigner("carol", 0, signer.StatusViewed),
	}

	active, err := Active(ModeParallel, signers)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestActive_UnknownMode(t *testing.T) {
	_, err := Active(Mode("round_robin"), nil)
	require.ErrorIs(t, err, ErrUnknownMode)
}

func TestIsActive(t *testing.T) {
	signers := []signer.Signer{
		mkSigner("alice", 1, signer.StatusSigned),
		mkSigner("bob", 2, signer.StatusPending),
		mkSigner("carol", 3, signer.StatusPending),
	}

	ok, err := IsActive(ModeSequential, signers, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = IsActive(ModeSequential, signers, "carol")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = IsActive(ModeSequential, signers, "alice")
	require.NoError(t, err)
	require.False(t, ok)
}
