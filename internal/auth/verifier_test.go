package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/liveringserver/internal/config"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.SecurityConfig{
		JWTSecret:   testSecret,
		JWTIssuer:   "livering-idp",
		JWTAudience: "livering",
	})
	require.NoError(t, err)
	return v
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Sign(Identity{UserID: "agent-1", Role: RoleAgent, OrganizationID: "org-1"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)

	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "agent-1", Role: RoleAgent, OrganizationID: "org-1"}, id)
	assert.True(t, id.IsAgent())
}

func TestVerifier_Rejects(t *testing.T) {
	v := newTestVerifier(t)

	expired, err := v.Sign(Identity{UserID: "agent-1", Role: RoleAgent}, -time.Hour)
	require.NoError(t, err)

	other, err := NewVerifier(config.SecurityConfig{JWTSecret: "another-secret-that-is-32-bytes-long!!", JWTIssuer: "livering-idp", JWTAudience: "livering"})
	require.NoError(t, err)
	wrongKey, err := other.Sign(Identity{UserID: "agent-1", Role: RoleAgent}, time.Hour)
	require.NoError(t, err)

	badRole, err := v.Sign(Identity{UserID: "agent-1", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	noSubject, err := v.Sign(Identity{Role: RoleVisitor}, time.Hour)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "agent-1"},
		Role:             RoleAgent,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"unknown role", badRole},
		{"missing subject", noSubject},
		{"none algorithm", noneAlg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifier_IssuerMismatch(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewVerifier(config.SecurityConfig{JWTSecret: testSecret, JWTIssuer: "someone-else", JWTAudience: "livering"})
	require.NoError(t, err)

	token, err := other.Sign(Identity{UserID: "visitor-1", Role: RoleVisitor}, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier(config.SecurityConfig{})
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer header", "Bearer abc", "/v1/ws", "abc"},
		{"query parameter", "", "/v1/ws?token=xyz", "xyz"},
		{"header wins over query", "Bearer abc", "/v1/ws?token=xyz", "abc"},
		{"other scheme", "Basic dXNlcg==", "/v1/ws?token=xyz", ""},
		{"none", "", "/v1/ws", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}
