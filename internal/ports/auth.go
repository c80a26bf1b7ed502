package ports

import (
	"confstore/internal/types"
	"context"
)

// TokenVerifier turns a raw bearer token into a principal.
// MUST return types.ErrInvalidToken on any verification failure.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (types.Principal, error)
}

// KeyResolver looks up verification key material by key id ([]byte for HMAC, crypto.PublicKey otherwise).
// MUST return types.ErrKeyNotFound when the id is unknown.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (any, error)
}
