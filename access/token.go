// Package access issues and checks the short-lived tokens embedded in signer
// links. A token binds one signer to one request so a forwarded link cannot be
// replayed against another party's signature slot.
package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers expired, malformed, and foreign-key-signed tokens.
var ErrInvalidToken = errors.New("access: invalid signer token")

// Grant is the verified content of a signer link token.
type Grant struct {
	RequestID string
	SignerID  string
}

// Issuer signs and verifies signer link tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("access: token secret must be at least 32 bytes")
	}
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue creates a token for the (request, signer) pair.
func (i *Issuer) Issue(requestID, signerID string) (string, error) {
	claims := jwt.MapClaims{
		"request_id": requestID,
		"signer_id":  signerID,
		"exp":        time.Now().Add(i.ttl).Unix(),
		"iat":        time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("access: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the grant it carries.
func (i *Issuer) Verify(tokenString string) (Grant, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return Grant{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Grant{}, ErrInvalidToken
	}
	requestID, ok := claims["request_id"].(string)
	if !ok || requestID == "" {
		return Grant{}, ErrInvalidToken
	}
	signerID, ok := claims["signer_id"].(string)
	if !ok || signerID == "" {
		return Grant{}, ErrInvalidToken
	}
	return Grant{RequestID: requestID, SignerID: signerID}, nil
}
