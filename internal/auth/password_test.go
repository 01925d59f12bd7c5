package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher(t *testing.T) {
	hasher := &BcryptHasher{Cost: bcrypt.MinCost}

	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, testPassword, hash)

	ok, err := hasher.Verify(testPassword, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hasher.Verify("something-else-1", hash)
	require.NoError(t, err, "a mismatch is not an error")
	assert.False(t, ok)

	_, err = hasher.Verify(testPassword, "garbage")
	assert.Error(t, err)

	_, err = hasher.Hash("")
	assert.Error(t, err)
}

func TestDummyHashIsUsable(t *testing.T) {
	ok, err := NewBcryptHasher().Verify("anything", dummyPasswordHash())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"short1", false},
		{"password", false},
		{"12345678901", false},
		{"onlyletters", false},
		{"letters-and-1", true},
		{"correct horse battery", true},
		{"Tr0ub4dor&3", true},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrPasswordPolicy)
			}
		})
	}
}

func TestProvisionPrincipal(t *testing.T) {
	directory := newMemoryDirectory()
	hasher := &BcryptHasher{Cost: bcrypt.MinCost}
	ctx := context.Background()

	_, err := ProvisionPrincipal(ctx, directory, hasher, "org1", "Alice", testPassword, RoleInfra)
	require.NoError(t, err)

	principal := directory.get("org1", "alice")
	assert.Equal(t, RoleInfra, principal.Role)
	ok, err := hasher.Verify(testPassword, principal.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ProvisionPrincipal(ctx, directory, hasher, "org1", "bob", "password", RoleUser)
	assert.ErrorIs(t, err, ErrPasswordPolicy)
	_, err = ProvisionPrincipal(ctx, directory, hasher, "org1", "x", testPassword, RoleUser)
	assert.Error(t, err)
	_, err = ProvisionPrincipal(ctx, directory, hasher, "org1", "carol", testPassword, Role("Root"))
	assert.Error(t, err)
}

func TestBootstrapFromEnv(t *testing.T) {
	directory := newMemoryDirectory()
	hasher := &BcryptHasher{Cost: bcrypt.MinCost}
	ctx := context.Background()

	require.NoError(t, BootstrapFromEnv(ctx, directory, hasher, "", "", ""))
	assert.Error(t, BootstrapFromEnv(ctx, directory, hasher, "", "admin", ""))

	require.NoError(t, BootstrapFromEnv(ctx, directory, hasher, "", "admin", testPassword))
	assert.Equal(t, RoleOwner, directory.get("", "admin").Role)
}
