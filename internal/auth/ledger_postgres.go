package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultSweepBatchSize = 500

// PostgresLedger stores the live refresh index in auth_refresh_tokens and the
// revoked set in auth_revoked_tokens. Rotation locks the old row, so two
// concurrent rotations of one token serialize and the second sees it revoked.
type PostgresLedger struct {
	db        *sql.DB
	batchSize int
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, batchSize: defaultSweepBatchSize}
}

func (l *PostgresLedger) RegisterRefresh(ctx context.Context, id string, owner Owner, expiresAt, now time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, tenant, subject, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, owner.Tenant, owner.Subject, expiresAt.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (l *PostgresLedger) Rotate(ctx context.Context, oldID string, oldExpiresAt time.Time, newID string, owner Owner, newExpiresAt, now time.Time) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var tenant, subject string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT tenant, subject, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE id = $1
		FOR UPDATE
	`, oldID).Scan(&tenant, &subject, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read refresh token: %w", err)
	}

	if revokedAt.Valid || !now.Before(expiresAt) || (Owner{Tenant: tenant, Subject: subject}) != owner {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, tenant, subject, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, newID, owner.Tenant, owner.Subject, newExpiresAt.UTC(), now.UTC())
	if err != nil {
		return false, fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now.UTC(), newID)
	if err != nil {
		return false, fmt.Errorf("revoke old refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (token_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token_id) DO NOTHING
	`, oldID, oldExpiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("record revoked refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return true, nil
}

func (l *PostgresLedger) Revoke(ctx context.Context, id string, expiresAt, now time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (token_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token_id) DO NOTHING
	`, id, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("record revoked token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke tx: %w", err)
	}

	return nil
}

func (l *PostgresLedger) IsRevoked(ctx context.Context, id string, now time.Time) (bool, error) {
	var revoked bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM auth_revoked_tokens
			WHERE token_id = $1 AND expires_at > $2
		)
	`, id, now.UTC()).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}

	return revoked, nil
}

func (l *PostgresLedger) RevokeOwner(ctx context.Context, owner Owner, now time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, `
		WITH revoked AS (
			UPDATE auth_refresh_tokens
			SET revoked_at = $3
			WHERE tenant = $1 AND subject = $2
			  AND revoked_at IS NULL
			  AND expires_at > $3
			RETURNING id, expires_at
		)
		INSERT INTO auth_revoked_tokens (token_id, expires_at)
		SELECT id, expires_at FROM revoked
		ON CONFLICT (token_id) DO NOTHING
	`, owner.Tenant, owner.Subject, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens for owner: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoked refresh tokens rows affected: %w", err)
	}

	return int(affected), nil
}

func (l *PostgresLedger) Sweep(ctx context.Context, now time.Time) (int, int, error) {
	revoked, err := l.deleteExpired(ctx, `
		WITH stale AS (
			SELECT token_id
			FROM auth_revoked_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_revoked_tokens t
		USING stale
		WHERE t.token_id = stale.token_id
	`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("delete expired revocations: %w", err)
	}

	live, err := l.deleteExpired(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at <= $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}

	return revoked, live, nil
}

func (l *PostgresLedger) deleteExpired(ctx context.Context, query string, now time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, query, now.UTC(), l.batchSize)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(affected), nil
}
