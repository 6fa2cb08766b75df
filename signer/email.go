package signer

import (
	"net/mail"
	"strings"
)

// NormalizeEmail lowercases and trims an address so the per-request uniqueness
// constraint is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail rejects addresses the notifier could never deliver to.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return ErrInvalidEmail
	}
	// mail.ParseAddress accepts "Name <a@b>" forms; the registry stores bare
	// addresses only.
	if addr.Address != email {
		return ErrInvalidEmail
	}
	domain := addr.Address[strings.LastIndex(addr.Address, "@")+1:]
	if !strings.Contains(domain, ".") {
		return ErrInvalidEmail
	}
	return nil
}
