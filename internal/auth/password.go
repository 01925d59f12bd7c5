package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var ErrPasswordPolicy = errors.New("password does not meet policy")

var commonPasswords = map[string]struct{}{
	"password":  {},
	"123456":    {},
	"123456789": {},
	"qwerty":    {},
	"abc123":    {},
	"letmein":   {},
}

type PasswordHasher interface {
	// Verify reports whether plaintext matches hash. A mismatch is (false, nil);
	// an error means the stored hash itself is unusable.
	Verify(plaintext, hash string) (bool, error)
	Hash(plaintext string) (string, error)
}

type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: bcrypt.DefaultCost}
}

func (h *BcryptHasher) Verify(plaintext, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("malformed password hash: %w", err)
	}
}

func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("password is empty")
	}
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// dummyPasswordHash is compared against when the principal does not exist so
// that unknown accounts cost the same as wrong passwords.
func dummyPasswordHash() string {
	dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("session-auth-dummy-password"), bcrypt.DefaultCost)
		if err == nil {
			dummyHash = string(hash)
		}
	})
	return dummyHash
}

// ValidatePassword applies the provisioning policy. Login never calls it.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: shorter than 8 characters", ErrPasswordPolicy)
	}
	if _, common := commonPasswords[strings.ToLower(password)]; common {
		return fmt.Errorf("%w: too common", ErrPasswordPolicy)
	}

	var letters, digits, others int
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		default:
			others++
		}
	}
	if letters == 0 && others == 0 {
		return fmt.Errorf("%w: digits only", ErrPasswordPolicy)
	}
	if digits == 0 && others == 0 {
		return fmt.Errorf("%w: letters only", ErrPasswordPolicy)
	}

	return nil
}
