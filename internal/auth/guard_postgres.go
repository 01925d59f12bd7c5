package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresGuard keeps failure counters in auth_login_attempts, one row per source.
type PostgresGuard struct {
	db        *sql.DB
	config    GuardConfig
	batchSize int
}

func NewPostgresGuard(db *sql.DB, config GuardConfig) *PostgresGuard {
	return &PostgresGuard{db: db, config: config.withDefaults(), batchSize: defaultSweepBatchSize}
}

func (g *PostgresGuard) LockedUntil(ctx context.Context, source string, now time.Time) (*time.Time, error) {
	var lockedUntil sql.NullTime
	err := g.db.QueryRowContext(ctx, `
		SELECT locked_until
		FROM auth_login_attempts
		WHERE source = $1
	`, source).Scan(&lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query login attempt: %w", err)
	}
	if !lockedUntil.Valid || !now.Before(lockedUntil.Time) {
		return nil, nil
	}

	until := lockedUntil.Time.UTC()
	return &until, nil
}

// RecordFailure creates the source's row before locking it, so concurrent
// first failures serialize on the row instead of each counting from zero.
func (g *PostgresGuard) RecordFailure(ctx context.Context, source string, now time.Time) (*time.Time, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (source, failed_attempts, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (source) DO NOTHING
	`, source, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure login attempt row: %w", err)
	}

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE source = $1
		FOR UPDATE
	`, source).Scan(&failed, &lockedUntil)
	if err != nil {
		return nil, fmt.Errorf("lock login attempt row: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= g.config.MaxAttempts {
		until := now.UTC().Add(g.config.LockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_login_attempts
		SET failed_attempts = $2,
			locked_until = $3,
			updated_at = $4
		WHERE source = $1
	`, source, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("update failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return nextLock, nil
}

func (g *PostgresGuard) Reset(ctx context.Context, source string) error {
	_, err := g.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE source = $1
	`, source)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

func (g *PostgresGuard) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT source
			FROM auth_login_attempts
			WHERE (locked_until IS NULL OR locked_until <= $1)
			  AND (failed_attempts = 0 OR updated_at < $2)
			ORDER BY updated_at ASC
			LIMIT $3
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.source = stale.source
	`, now.UTC(), now.UTC().Add(-g.config.Retention), g.batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return int(affected), nil
}
