// Package auth resolves bearer tokens to tenant principals.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Modes.
const (
	ModeDev  = "dev"
	ModeHMAC = "hmac"
)

// Issuer is set on tokens minted by Issue.
const Issuer = "relay"

var ErrUnauthorized = errors.New("unauthorized")

type Principal struct {
	Tenant string
	Role   string
}

// CanManage reports whether the principal may change webhook configuration.
func (p Principal) CanManage() bool { return p.Role == RoleAdmin }

// Claims are the JWT claims of an API token.
type Claims struct {
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates tokens. In dev mode a token is "tenant:role"; in hmac
// mode it is an HS256 JWT carrying tenant and role claims.
type Verifier struct {
	Mode       string
	HMACSecret []byte
	// Leeway is the clock skew allowed on exp, nbf and iat.
	Leeway time.Duration
	Now    func() time.Time
}

func NewVerifier(mode, secret string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeDev
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(secret), Leeway: 30 * time.Second, Now: time.Now}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	switch v.Mode {
	case ModeDev:
		tenant, role, ok := strings.Cut(token, ":")
		if !ok || tenant == "" {
			return Principal{}, fmt.Errorf("%w: expected tenant:role", ErrUnauthorized)
		}
		return Principal{Tenant: tenant, Role: normalizeRole(role)}, nil
	case ModeHMAC:
		return v.verifyJWT(token)
	default:
		return Principal{}, fmt.Errorf("%w: unsupported auth mode %q", ErrUnauthorized, v.Mode)
	}
}

func (v *Verifier) verifyJWT(raw string) (Principal, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.HMACSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Tenant == "" {
		return Principal{}, fmt.Errorf("%w: missing tenant claim", ErrUnauthorized)
	}
	return Principal{Tenant: claims.Tenant, Role: normalizeRole(claims.Role)}, nil
}

// Issue mints an HS256 token for tenant and role, valid for ttl (zero means no expiry).
func (v *Verifier) Issue(tenant, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Tenant: tenant,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   tenant,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.HMACSecret)
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

func normalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return RoleViewer
	}
	return role
}
