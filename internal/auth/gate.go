package auth

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"fmt"
	"slices"
)

var permissions = map[types.Role][]types.Operation{
	types.RoleOwner: {
		types.OpCreateRepository,
		types.OpReadEntry, types.OpReadHistory, types.OpReadList,
		types.OpCreateEntry, types.OpUpdateEntry, types.OpDeleteEntry,
	},
	types.RoleAdmin: {
		types.OpReadEntry, types.OpReadHistory, types.OpReadList,
		types.OpCreateEntry, types.OpUpdateEntry, types.OpDeleteEntry,
	},
	types.RoleMember: {
		types.OpReadEntry, types.OpReadHistory, types.OpReadList,
	},
}

// Allowed reports whether role may perform op.
func Allowed(role types.Role, op types.Operation) bool {
	return slices.Contains(permissions[role], op)
}

// Gate maps a verified principal to the namespaces it may touch. Token cryptography is the
// verifier's business.
type Gate struct {
	verifier ports.TokenVerifier
	policy   *Policy
}

func NewGate(verifier ports.TokenVerifier, policy *Policy) *Gate {
	return &Gate{verifier: verifier, policy: policy}
}

// Authorize verifies token and checks that the principal may run op in namespace.
// An empty namespace resolves to the principal's tenant; the resolved namespace is returned.
func (g *Gate) Authorize(ctx context.Context, token, namespace string, op types.Operation) (types.Principal, string, error) {
	p, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = types.Err(types.ErrInvalidToken, err, "Invalid token")
		}
		return types.Principal{}, "", err
	}
	if namespace == "" {
		namespace = p.Tenant
	}
	if !slices.Contains(g.policy.Namespaces(p), namespace) {
		return p, namespace, types.Err(types.ErrPermissionDenied, nil, "Namespace '%s' is not accessible", namespace)
	}
	if !Allowed(p.Role, op) {
		return p, namespace, types.Err(types.ErrPermissionDenied, nil, "Role '%s' is not allowed to %s", p.Role, op)
	}
	return p, namespace, nil
}

// GateFromConfig wires the key resolvers, JWT verifier and optional policy file described by cfg.
func GateFromConfig(cfg types.Config) (*Gate, error) {
	var resolvers KeyResolvers
	if len(cfg.JWTKeys) > 0 {
		static, err := NewStaticKeyResolver(cfg.JWTKeys)
		if err != nil {
			return nil, fmt.Errorf("JWT_KEYS: %w", err)
		}
		resolvers = append(resolvers, static)
	}
	if cfg.JWTPublicKeysDir != "" {
		resolvers = append(resolvers, PEMDirKeyResolver{Dir: cfg.JWTPublicKeysDir})
	}
	if len(resolvers) == 0 {
		return nil, fmt.Errorf("no token keys configured, set JWT_KEYS or JWT_PUBLIC_KEYS_DIR")
	}
	verifier := NewJWTVerifier(
		NewCachingKeyResolver(resolvers, cfg.KeyCacheTTL),
		WithIssuer(cfg.JWTIssuer),
		WithAudience(cfg.JWTAudience),
	)
	var policy *Policy
	if cfg.PolicyFile != "" {
		var err error
		if policy, err = LoadPolicy(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	return NewGate(verifier, policy), nil
}
