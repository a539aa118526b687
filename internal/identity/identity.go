// Package identity extracts a verified (org_id, user_id, roles,
// permissions) identity from a bearer token. Token issuance and
// password flows are an external collaborator's concern; this package
// only verifies and decodes.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/internal/types"
)

// Claims is the JWT claim set a gateway token carries.
type Claims struct {
	OrgID       string   `json:"org_id"`
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Config controls how tokens are verified.
type Config struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// DefaultConfig returns a Config with a 30s clock skew tolerance and
// no issuer/audience enforcement.
func DefaultConfig(secret []byte) Config {
	return Config{Secret: secret, ClockSkew: 30 * time.Second}
}

// Extractor verifies bearer tokens and produces types.Identity values.
type Extractor struct {
	cfg Config
}

// NewExtractor builds an Extractor from cfg.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// FromHeader parses the "Authorization: Bearer <token>" header value
// and returns the verified identity, or Unauthenticated if the header
// is missing, malformed, or the token fails verification.
func (e *Extractor) FromHeader(_ context.Context, authHeader string) (types.Identity, error) {
	if authHeader == "" {
		return types.Identity{}, svcerrors.Unauthenticated("missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return types.Identity{}, svcerrors.Unauthenticated("authorization header must use the Bearer scheme")
	}
	return e.FromToken(strings.TrimPrefix(authHeader, prefix))
}

// FromToken verifies the raw JWT and returns the identity it encodes.
func (e *Extractor) FromToken(tokenString string) (types.Identity, error) {
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(e.cfg.ClockSkew)}
	if e.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(e.cfg.Issuer))
	}
	if e.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(e.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return e.cfg.Secret, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return types.Identity{}, svcerrors.Unauthenticated("invalid or expired identity token")
	}
	if claims.OrgID == "" || claims.UserID == "" {
		return types.Identity{}, svcerrors.Unauthenticated("identity token missing org_id or user_id")
	}

	return types.Identity{
		OrgID:       claims.OrgID,
		UserID:      claims.UserID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

// Issue mints a signed token for identity, valid for ttl. Used by
// tests and by the control plane's own service-to-service calls; end
// user token issuance is an external collaborator's concern.
func (e *Extractor) Issue(id types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		OrgID:       id.OrgID,
		UserID:      id.UserID,
		Roles:       id.Roles,
		Permissions: id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    e.cfg.Issuer,
		},
	}
	if e.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{e.cfg.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(e.cfg.Secret)
}
