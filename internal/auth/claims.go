package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"devicehub-backend/config"
	"devicehub-backend/internal/engine"
)

// ErrTokenInvalid is returned for any token that fails verification.
var ErrTokenInvalid = errors.New("invalid token")

// Claims are the JWT claims issued by the identity service.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Verifier turns bearer tokens into callers.
type Verifier struct {
	secret       []byte
	issuer       string
	adminRoles   []string
	preemptRoles []string
}

// NewVerifier creates a verifier from the auth configuration.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return &Verifier{
		secret:       []byte(cfg.JWTSecret),
		issuer:       cfg.Issuer,
		adminRoles:   cfg.AdminRoles,
		preemptRoles: cfg.PreemptRoles,
	}, nil
}

// Sign issues a token for user. It exists for operators and tests; production
// tokens come from the identity service.
func (v *Verifier) Sign(user string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and issuer of raw and returns its claims.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// Caller maps verified claims onto the engine's authorization model.
func (v *Verifier) Caller(claims *Claims) engine.Caller {
	admin := hasAny(claims.Roles, v.adminRoles)
	return engine.Caller{
		User:     claims.Subject,
		Admin:    admin,
		Elevated: admin || hasAny(claims.Roles, v.preemptRoles),
	}
}

// Authenticate verifies raw and returns the caller it names.
func (v *Verifier) Authenticate(raw string) (engine.Caller, error) {
	claims, err := v.Verify(raw)
	if err != nil {
		return engine.Caller{}, err
	}
	return v.Caller(claims), nil
}

func hasAny(roles, wanted []string) bool {
	for _, r := range roles {
		if slices.Contains(wanted, r) {
			return true
		}
	}
	return false
}
