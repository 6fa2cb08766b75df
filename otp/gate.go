// Package otp gates signature submission behind time-windowed one-time codes.
// Codes are derived per (request, signer) pair from a service master key, so
// nothing secret is stored per signer; only the failure counter and lockout
// deadline persist.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrCodeMismatch is returned when the submitted code matches no accepted window.
	ErrCodeMismatch = errors.New("otp: code mismatch")
	// ErrLockedOut is returned while the per-signer cooldown is in force,
	// regardless of code correctness.
	ErrLockedOut = errors.New("otp: locked out")
)

// Config tunes the code window and lockout behaviour.
type Config struct {
	// Digits is the code length. Six decimal digits give a 10^6 space which,
	// combined with the lockout threshold, makes brute force infeasible.
	Digits int
	// Step is the validity window of a single code.
	Step time.Duration
	// Skew is the number of adjacent windows accepted on either side to
	// tolerate clock drift.
	Skew int
	// MaxFailures is the consecutive-failure threshold that triggers lockout.
	MaxFailures int
	// Cooldown is how long a locked signer stays locked.
	Cooldown time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Digits:      6,
		Step:        5 * time.Minute,
		Skew:        1,
		MaxFailures: 5,
		Cooldown:    15 * time.Minute,
	}
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Gate struct {
	pool   TxBeginner
	master []byte
	cfg    Config
	now    func() time.Time
}

func NewGate(pool TxBeginner, masterKey []byte, cfg Config) (*Gate, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("otp: master key must be at least 16 bytes")
	}
	if cfg.Digits < 6 {
		return nil, fmt.Errorf("otp: minimum code length is 6 digits")
	}
	if cfg.Step <= 0 || cfg.MaxFailures <= 0 || cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("otp: step, max failures and cooldown must be positive")
	}
	return &Gate{pool: pool, master: masterKey, cfg: cfg, now: time.Now}, nil
}

// WithClock overrides the wall clock, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Issue returns the code valid for the current window along with its expiry.
// Delivery to the signer is the notifier's concern, not the gate's.
func (g *Gate) Issue(ctx context.Context, requestID, signerID string) (string, time.Time, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("otp: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
        INSERT INTO verification_challenges (signer_id)
        VALUES ($1)
        ON CONFLICT (signer_id) DO NOTHING
    `, signerID); err != nil {
		return "", time.Time{}, fmt.Errorf("otp: ensure challenge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", time.Time{}, fmt.Errorf("otp: commit challenge: %w", err)
	}

	now := g.now()
	secret := g.secretFor(requestID, signerID)
	code := codeAt(secret, now, g.cfg.Step, g.cfg.Digits)
	expiry := now.Truncate(g.cfg.Step).Add(time.Duration(g.cfg.Skew+1) * g.cfg.Step)
	return code, expiry, nil
}

// Verify checks a submitted code against the current and adjacent windows.
// Failures increment the per-signer counter; crossing the threshold locks the
// signer out for the cooldown period. The counter mutation commits even when
// the verification itself fails.
func (g *Gate) Verify(ctx context.Context, requestID, signerID, submitted, clientIP string) error {
	now := g.now()
	match := g.Matches(requestID, signerID, submitted, now)

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("otp: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ch challenge
	err = tx.QueryRow(ctx, `
        INSERT INTO verification_challenges (signer_id, last_attempt_ip)
        VALUES ($1, $2)
        ON CONFLICT (signer_id) DO UPDATE SET last_attempt_ip = EXCLUDED.last_attempt_ip
        RETURNING failures, locked_until
    `, signerID, nullable(clientIP)).Scan(&ch.failures, &ch.lockedUntil)
	if err != nil {
		return fmt.Errorf("otp: load challenge: %w", err)
	}

	out := evaluate(ch, match, now, g.cfg)
	if _, err := tx.Exec(ctx, `
        UPDATE verification_challenges
        SET failures = $2,
            locked_until = $3,
            updated_at = now()
        WHERE signer_id = $1
    `, signerID, out.failures, out.lockedUntil); err != nil {
		return fmt.Errorf("otp: update challenge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("otp: commit challenge: %w", err)
	}

	return out.err
}

// Matches reports whether the submitted code is valid for any accepted window
// at the given instant. It performs no I/O and no lockout accounting.
func (g *Gate) Matches(requestID, signerID, submitted string, now time.Time) bool {
	secret := g.secretFor(requestID, signerID)
	counter := now.Unix() / int64(g.cfg.Step/time.Second)
	match := false
	for w := -g.cfg.Skew; w <= g.cfg.Skew; w++ {
		expected := hotp(secret, uint64(counter+int64(w)), g.cfg.Digits)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1 {
			match = true
		}
	}
	return match
}

type challenge struct {
	failures    int
	lockedUntil *time.Time
}

type outcome struct {
	failures    int
	lockedUntil *time.Time
	err         error
}

// evaluate applies the lockout policy to a single attempt. It is pure so the
// policy can be tested without a database.
func evaluate(ch challenge, match bool, now time.Time, cfg Config) outcome {
	if ch.lockedUntil != nil && now.Before(*ch.lockedUntil) {
		return outcome{failures: ch.failures, lockedUntil: ch.lockedUntil, err: ErrLockedOut}
	}
	if match {
		return outcome{failures: 0, lockedUntil: nil, err: nil}
	}
	failures := ch.failures + 1
	if failures >= cfg.MaxFailures {
		until := now.Add(cfg.Cooldown)
		return outcome{failures: 0, lockedUntil: &until, err: ErrLockedOut}
	}
	return outcome{failures: failures, lockedUntil: nil, err: ErrCodeMismatch}
}

// secretFor derives the per-signer code secret from the master key. HKDF keeps
// the derivation one-way so a leaked signer secret never exposes the master.
func (g *Gate) secretFor(requestID, signerID string) []byte {
	info := []byte("signflow/otp/v1|" + requestID + "|" + signerID)
	r := hkdf.New(sha256.New, g.master, nil, info)
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		panic(err)
	}
	return secret
}

// hotp computes an RFC 4226 style truncated code over HMAC-SHA256.
func hotp(secret []byte, counter uint64, digits int) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha256.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}

func codeAt(secret []byte, t time.Time, step time.Duration, digits int) string {
	return hotp(secret, uint64(t.Unix()/int64(step/time.Second)), digits)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
