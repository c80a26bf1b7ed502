package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssueToken mints an HS256 token signed with secret and tagged with kid.
// RegisteredClaims already set on claims (issuer, audience) are kept.
func IssueToken(kid string, secret []byte, claims Claims, ttl time.Duration) (string, error) {
	now := timeNow()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid

	return token.SignedString(secret)
}
