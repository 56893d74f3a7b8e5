// Package auth verifies the identity tokens that agents and visitors present.
// Tokens are issued elsewhere; this package only checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parsascontentcorner/liveringserver/internal/config"
)

// Role is the kind of party a token identifies.
type Role string

// Party roles
const (
	RoleAgent   Role = "agent"
	RoleVisitor Role = "visitor"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid identity token")

// Identity is a verified party.
type Identity struct {
	UserID         string
	Role           Role
	OrganizationID string
}

// IsAgent reports whether the identity is an agent.
func (i Identity) IsAgent() bool { return i.Role == RoleAgent }

// Claims are the identity token claims.
type Claims struct {
	jwt.RegisteredClaims
	Role           Role   `json:"role"`
	OrganizationID string `json:"org_id"`
}

// Verifier checks HS256 identity tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier creates a verifier from the security settings.
func NewVerifier(cfg config.SecurityConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Verifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		now:      time.Now,
	}, nil
}

// Verify parses token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if claims.Role != RoleAgent && claims.Role != RoleVisitor {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return Identity{
		UserID:         claims.Subject,
		Role:           claims.Role,
		OrganizationID: claims.OrganizationID,
	}, nil
}

// Sign issues a token for id valid for ttl. It exists for tests and local
// tooling; production tokens come from the identity provider.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:           id.Role,
		OrganizationID: id.OrganizationID,
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest returns the bearer token of r. Browsers cannot set headers
// on a websocket handshake, so the token query parameter is accepted too.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
