package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is what the relay's row policies see for a connection. The
// wallet address is asserted by the client after challenge signing; the relay
// trusts the shared-secret signature, not the wallet itself.
type SessionClaims struct {
	WalletAddress string `json:"wallet_address"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

// MintSessionToken issues the HS256 token installed as the per-connection
// claims context.
func MintSessionToken(secret []byte, wallet string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("relay: empty session token secret")
	}
	now := time.Now()
	claims := SessionClaims{
		WalletAddress: wallet,
		Role:          "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseSessionToken verifies a session token and returns its claims.
func ParseSessionToken(secret []byte, token string) (*SessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("relay: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: parse session token: %w", err)
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("relay: invalid session token")
	}
	return claims, nil
}
