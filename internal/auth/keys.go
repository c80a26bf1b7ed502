package auth

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultKeyCacheTTL  = 300 * time.Second
	DefaultKeyCacheSize = 1000
)

// StaticKeyResolver serves HMAC secrets configured up front.
type StaticKeyResolver struct {
	keys map[string][]byte
}

// NewStaticKeyResolver decodes kid -> base64 secret pairs.
func NewStaticKeyResolver(encoded map[string]string) (*StaticKeyResolver, error) {
	keys := make(map[string][]byte, len(encoded))
	for kid, v := range encoded {
		secret, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: invalid base64 secret: %w", kid, err)
		}
		if len(secret) == 0 {
			return nil, fmt.Errorf("key %q: empty secret", kid)
		}
		keys[kid] = secret
	}
	return &StaticKeyResolver{keys: keys}, nil
}

func (r *StaticKeyResolver) ResolveKey(_ context.Context, keyID string) (any, error) {
	secret, ok := r.keys[keyID]
	if !ok {
		return nil, types.Err(types.ErrKeyNotFound, nil, "Signing key '%s' not found", keyID)
	}
	return secret, nil
}

// PEMDirKeyResolver loads {Dir}/{kid}.pem as an RSA or EC public key on every call.
// Wrap it in a CachingKeyResolver.
type PEMDirKeyResolver struct {
	Dir string
}

func (r PEMDirKeyResolver) ResolveKey(ctx context.Context, keyID string) (any, error) {
	if keyID == "" || filepath.Base(keyID) != keyID || keyID == ".." {
		return nil, types.Err(types.ErrKeyNotFound, nil, "Signing key '%s' not found", keyID)
	}
	if err := ctx.Err(); err != nil {
		return nil, types.DataAccessErr(err, "key lookup aborted")
	}
	raw, err := os.ReadFile(filepath.Join(r.Dir, keyID+".pem"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.Err(types.ErrKeyNotFound, err, "Signing key '%s' not found", keyID)
	}
	if err != nil {
		return nil, types.DataAccessErr(err, "failed to read signing key '%s'", keyID)
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(raw); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(raw); err == nil {
		return key, nil
	}
	return nil, types.Err(types.ErrKeyNotFound, nil, "Signing key '%s' is neither an RSA nor an EC public key", keyID)
}

// KeyResolvers tries each resolver in order and returns the first hit.
type KeyResolvers []ports.KeyResolver

func (rs KeyResolvers) ResolveKey(ctx context.Context, keyID string) (any, error) {
	for _, r := range rs {
		key, err := r.ResolveKey(ctx, keyID)
		if err == nil {
			return key, nil
		}
		if types.KindOf(err) != types.KeyNotFound {
			return nil, err
		}
	}
	return nil, types.Err(types.ErrKeyNotFound, nil, "Signing key '%s' not found", keyID)
}

// CachingKeyResolver memoizes up to DefaultKeyCacheSize successful lookups for TTL. Concurrent
// misses for one kid share a single call to the wrapped resolver, which is not cancelled when one
// of the waiting callers gives up. Failures are never cached.
type CachingKeyResolver struct {
	next  ports.KeyResolver
	ttl   time.Duration
	cache *TTL[string, any]
	group singleflight.Group
}

func NewCachingKeyResolver(next ports.KeyResolver, ttl time.Duration) *CachingKeyResolver {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &CachingKeyResolver{next: next, ttl: ttl, cache: NewTTL[string, any](DefaultKeyCacheSize)}
}

func (r *CachingKeyResolver) ResolveKey(ctx context.Context, keyID string) (any, error) {
	if key, ok := r.cache.Get(keyID); ok {
		return key, nil
	}
	flight := context.WithoutCancel(ctx)
	ch := r.group.DoChan(keyID, func() (any, error) {
		key, err := r.next.ResolveKey(flight, keyID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(keyID, key, r.ttl)
		return key, nil
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, types.DataAccessErr(ctx.Err(), "key lookup aborted")
	}
}
