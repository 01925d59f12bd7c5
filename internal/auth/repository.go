package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed principal directory.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) LookupPrincipal(ctx context.Context, tenant, username string) (Principal, error) {
	var principal Principal
	var role string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant, username, password_hash, role, created_at, updated_at
		FROM principals
		WHERE tenant = $1 AND username = $2
	`, tenant, normalizeUsername(username)).Scan(
		&principal.ID,
		&principal.Tenant,
		&principal.Username,
		&principal.PasswordHash,
		&role,
		&principal.CreatedAt,
		&principal.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("query principal: %w", err)
	}
	principal.Role = Role(role)

	return principal, nil
}

// UpsertPrincipal creates the principal or replaces its password hash and role.
func (r *Repository) UpsertPrincipal(ctx context.Context, tenant, username, passwordHash string, role Role) (string, error) {
	username = normalizeUsername(username)
	if username == "" || passwordHash == "" {
		return "", errors.New("username and password hash are required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}

	var principalID string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO principals (id, tenant, username, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant, username)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, id.String(), tenant, username, passwordHash, string(role), time.Now().UTC()).Scan(&principalID)
	if err != nil {
		return "", fmt.Errorf("upsert principal: %w", err)
	}

	return principalID, nil
}

func (r *Repository) DeletePrincipal(ctx context.Context, tenant, username string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM principals
		WHERE tenant = $1 AND username = $2
	`, tenant, normalizeUsername(username))
	if err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}

	return nil
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}
