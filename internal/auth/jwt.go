package auth

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var supportedMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodES256.Alg(),
}

// Claims carried by confstore access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Tenant     string   `json:"tenant"`
	Role       string   `json:"role"`
	Namespaces []string `json:"namespaces,omitempty"`
}

// JWTVerifier implements ports.TokenVerifier. Key material is looked up by the token's kid header
// through the injected resolver.
type JWTVerifier struct {
	keys     ports.KeyResolver
	issuer   string
	audience string
	leeway   time.Duration
}

type VerifierOption func(*JWTVerifier)

func WithIssuer(iss string) VerifierOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

func WithAudience(aud string) VerifierOption {
	return func(v *JWTVerifier) { v.audience = aud }
}

func WithLeeway(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) { v.leeway = d }
}

func NewJWTVerifier(keys ports.KeyResolver, opts ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{keys: keys}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (types.Principal, error) {
	if rawToken == "" {
		return types.Principal{}, types.Err(types.ErrInvalidToken, nil, "Missing token")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(supportedMethods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(timeNow),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	var lookupErr error
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		key, err := v.keys.ResolveKey(ctx, kid)
		if err != nil {
			lookupErr = err
			return nil, err
		}
		return key, nil
	}, parserOpts...)

	// an unreachable key source is not the caller's fault
	if types.KindOf(lookupErr) == types.DataAccessFailure {
		return types.Principal{}, lookupErr
	}
	if err != nil {
		return types.Principal{}, types.Err(types.ErrInvalidToken, err, "Invalid token")
	}
	if !token.Valid {
		return types.Principal{}, types.Err(types.ErrInvalidToken, nil, "Invalid token")
	}
	if claims.Subject == "" || claims.Tenant == "" {
		return types.Principal{}, types.Err(types.ErrInvalidToken, nil, "Token lacks subject or tenant")
	}
	role, ok := types.ParseRole(claims.Role)
	if !ok {
		return types.Principal{}, types.Err(types.ErrInvalidToken, nil, "Unknown role '%s'", claims.Role)
	}
	return types.Principal{
		Subject:    claims.Subject,
		Tenant:     claims.Tenant,
		Role:       role,
		Namespaces: claims.Namespaces,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}
