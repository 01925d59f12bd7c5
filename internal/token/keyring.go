package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretBytes = 32

var (
	ErrNoSigningKey     = errors.New("no signing secret configured")
	ErrInvalidSignature = errors.New("token signature does not match any configured secret")
)

// KeyRing holds the HMAC secrets trusted for token verification. The first
// secret signs; every secret verifies, so a new primary can be introduced
// while tokens signed with the previous one are still accepted.
type KeyRing struct {
	secrets [][]byte
}

func NewKeyRing(secrets []string) (*KeyRing, error) {
	ring := &KeyRing{}
	for i, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		if len(secret) < minSecretBytes {
			return nil, fmt.Errorf("signing secret %d is shorter than %d bytes", i, minSecretBytes)
		}
		ring.secrets = append(ring.secrets, []byte(secret))
	}
	if len(ring.secrets) == 0 {
		return nil, ErrNoSigningKey
	}

	return ring, nil
}

func (r *KeyRing) Len() int {
	return len(r.secrets)
}

func (r *KeyRing) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(r.secrets[0])
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// Verify parses raw into claims, trying each secret in order. Errors other
// than a signature mismatch (expiry, malformed input) stop the search since
// they do not depend on the key.
func (r *KeyRing) Verify(raw string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	for _, secret := range r.secrets {
		key := secret
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, opts...)
		if err == nil {
			return nil
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			continue
		}
		return err
	}

	return ErrInvalidSignature
}
