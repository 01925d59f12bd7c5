package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.@-]{3,64}$`)

// PrincipalWriter is the write side of the directory used for provisioning.
type PrincipalWriter interface {
	UpsertPrincipal(ctx context.Context, tenant, username, passwordHash string, role Role) (string, error)
}

// ProvisionPrincipal validates and hashes password and stores the principal.
func ProvisionPrincipal(ctx context.Context, writer PrincipalWriter, hasher PasswordHasher, tenant, username, password string, role Role) (string, error) {
	username = normalizeUsername(username)
	tenant = strings.TrimSpace(tenant)

	if !usernameRegex.MatchString(username) {
		return "", fmt.Errorf("username %q format is invalid", username)
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if err := ValidatePassword(password); err != nil {
		return "", err
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return "", err
	}

	return writer.UpsertPrincipal(ctx, tenant, username, hash, role)
}

// BootstrapFromEnv provisions the configured admin as an Owner. It is a no-op
// when neither username nor password is set.
func BootstrapFromEnv(ctx context.Context, writer PrincipalWriter, hasher PasswordHasher, tenant, username, password string) error {
	username = strings.TrimSpace(username)

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	if _, err := ProvisionPrincipal(ctx, writer, hasher, tenant, username, password, RoleOwner); err != nil {
		return fmt.Errorf("provision admin: %w", err)
	}
	return nil
}
