package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevTokens(t *testing.T) {
	v := NewVerifier("", "")
	p, err := v.Verify("acme:Admin")
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "acme", Role: RoleAdmin}, p)
	assert.True(t, p.CanManage())

	p, err = v.Verify("acme:")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, p.Role)
	assert.False(t, p.CanManage())

	_, err = v.Verify("acme")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHMACTokens(t *testing.T) {
	v := NewVerifier(ModeHMAC, "s3cret")
	tok, err := v.Issue("acme", "admin", time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Tenant)
	assert.Equal(t, RoleAdmin, p.Role)

	other := NewVerifier(ModeHMAC, "different")
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = v.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHMACTokenExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := NewVerifier(ModeHMAC, "s3cret")
	v.Now = func() time.Time { return now }
	tok, err := v.Issue("acme", "viewer", time.Minute)
	require.NoError(t, err)

	v.Now = func() time.Time { return now.Add(time.Minute + 10*time.Second) }
	_, err = v.Verify(tok)
	assert.NoError(t, err, "within leeway")

	v.Now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func signClaims(t *testing.T, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	return tok
}

func TestHMACTokenNotBeforeAndIssuedAt(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := NewVerifier(ModeHMAC, "s3cret")
	v.Now = func() time.Time { return now }

	future := jwt.NewNumericDate(now.Add(time.Hour))
	_, err := v.Verify(signClaims(t, jwt.SigningMethodHS256, Claims{Tenant: "acme", RegisteredClaims: jwt.RegisteredClaims{NotBefore: future}}))
	assert.ErrorIs(t, err, ErrUnauthorized, "nbf in the future")

	_, err = v.Verify(signClaims(t, jwt.SigningMethodHS256, Claims{Tenant: "acme", RegisteredClaims: jwt.RegisteredClaims{IssuedAt: future}}))
	assert.ErrorIs(t, err, ErrUnauthorized, "iat in the future")

	p, err := v.Verify(signClaims(t, jwt.SigningMethodHS256, Claims{Tenant: "acme", Role: "admin"}))
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "acme", Role: RoleAdmin}, p)
}

func TestHMACTokenRejectsOtherAlgorithmsAndMissingTenant(t *testing.T) {
	v := NewVerifier(ModeHMAC, "s3cret")
	_, err := v.Verify(signClaims(t, jwt.SigningMethodHS512, Claims{Tenant: "acme"}))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = v.Verify(signClaims(t, jwt.SigningMethodHS256, Claims{Role: "admin"}))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUnsupportedMode(t *testing.T) {
	_, err := NewVerifier("jwks", "").Verify("x")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
