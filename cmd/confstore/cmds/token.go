package cmds

import (
	"confstore/internal/auth"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The Token command signs a token with one of the HMAC secrets in JWT_KEYS.
type Token struct {
	Kid        string        `required:"" help:"Key id from JWT_KEYS to sign with."`
	Tenant     string        `required:"" help:"Tenant namespace of the principal."`
	Role       string        `required:"" enum:"Owner,Admin,Member" help:"Owner, Admin or Member."`
	Subject    string        `default:"operator" help:"Subject claim."`
	Namespaces []string      `help:"Extra namespaces the principal may access."`
	TTL        time.Duration `default:"1h" help:"Token lifetime."`
}

func (c *Token) Run(app *App) error {
	keys, err := auth.NewStaticKeyResolver(app.Config.JWTKeys)
	if err != nil {
		return fmt.Errorf("JWT_KEYS: %w", err)
	}
	key, err := keys.ResolveKey(app.Ctx, c.Kid)
	if err != nil {
		return fmt.Errorf("key %q: %w", c.Kid, err)
	}
	secret, ok := key.([]byte)
	if !ok {
		return fmt.Errorf("key %q is not an HMAC secret", c.Kid)
	}
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: c.Subject, Issuer: app.Config.JWTIssuer},
		Tenant:           c.Tenant,
		Role:             c.Role,
		Namespaces:       c.Namespaces,
	}
	if app.Config.JWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{app.Config.JWTAudience}
	}
	tok, err := auth.IssueToken(c.Kid, secret, claims, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(app.Stdout, tok)
	return nil
}
