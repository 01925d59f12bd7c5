package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongKind    = errors.New("unexpected token kind")
	ErrExpired      = errors.New("token expired")
)

// Claims is the signed claim set. Tenant is empty in single-tenant deployments.
type Claims struct {
	Tenant string `json:"org,omitempty"`
	Kind   Kind   `json:"typ"`
	jwt.RegisteredClaims
}

// Issued describes a freshly signed token.
type Issued struct {
	Token     string
	ID        string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Codec struct {
	ring   *KeyRing
	issuer string
}

func NewCodec(ring *KeyRing, issuer string) *Codec {
	return &Codec{ring: ring, issuer: strings.TrimSpace(issuer)}
}

func (c *Codec) Issue(kind Kind, subject, tenant string, ttl time.Duration, now time.Time) (Issued, error) {
	if kind != KindAccess && kind != KindRefresh {
		return Issued{}, fmt.Errorf("issue token: unknown kind %q", kind)
	}
	if strings.TrimSpace(subject) == "" {
		return Issued{}, errors.New("issue token: subject is required")
	}
	if ttl <= 0 {
		return Issued{}, errors.New("issue token: ttl must be positive")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Issued{}, fmt.Errorf("generate token id: %w", err)
	}

	issuedAt := jwt.NewNumericDate(now.UTC())
	expiresAt := jwt.NewNumericDate(now.UTC().Add(ttl))
	if !expiresAt.After(issuedAt.Time) {
		return Issued{}, errors.New("issue token: ttl shorter than clock precision")
	}

	claims := Claims{
		Tenant: tenant,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			ID:        id.String(),
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
	}

	encoded, err := c.ring.Sign(claims)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		Token:     encoded,
		ID:        claims.ID,
		Kind:      kind,
		IssuedAt:  issuedAt.Time,
		ExpiresAt: expiresAt.Time,
	}, nil
}

// Decode verifies the signature against the key ring and checks expiry,
// claim shape, and kind as of now.
func (c *Codec) Decode(raw string, kind Kind, now time.Time) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}
	if err := c.ring.Verify(raw, claims, opts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidToken
	}

	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}

	return claims, nil
}
