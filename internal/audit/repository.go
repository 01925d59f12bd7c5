package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultRetention      = 30 * 24 * time.Hour
	defaultPruneBatchSize = 1000
)

// Repository persists audit events in audit_log. Rows older than the
// retention are removed by Prune.
type Repository struct {
	db        *sql.DB
	retention time.Duration
	batchSize int
}

func NewRepository(db *sql.DB, retention time.Duration) *Repository {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Repository{db: db, retention: retention, batchSize: defaultPruneBatchSize}
}

func (r *Repository) Write(ctx context.Context, event Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(Redact(event.Metadata))
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = encoded
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, occurred_at, event, subject, tenant, source, token_id, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.OccurredAt.UTC(), string(event.Type), event.Subject, event.Tenant, event.Source, event.TokenID, event.Reason, metadata)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	return nil
}

// Prune deletes at most one batch of rows older than the retention and
// returns how many it removed.
func (r *Repository) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH expired AS (
			SELECT id
			FROM audit_log
			WHERE occurred_at < $1
			ORDER BY occurred_at ASC
			LIMIT $2
		)
		DELETE FROM audit_log a
		USING expired
		WHERE a.id = expired.id
	`, now.UTC().Add(-r.retention), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit events: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired audit events rows affected: %w", err)
	}

	return int(affected), nil
}

type Filter struct {
	Start   time.Time
	End     time.Time
	Subject string
	Tenant  string
	Limit   int
}

func (r *Repository) Query(ctx context.Context, filter Filter) ([]Event, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Tenant != "" {
		add("tenant = $%d", filter.Tenant)
	}
	if filter.Subject != "" {
		add("subject = $%d", filter.Subject)
	}
	if !filter.Start.IsZero() {
		add("occurred_at >= $%d", filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		add("occurred_at <= $%d", filter.End.UTC())
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	query := `SELECT id, occurred_at, event, subject, tenant, source, token_id, reason, metadata FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		var eventType string
		var metadata []byte
		if err := rows.Scan(
			&event.ID,
			&event.OccurredAt,
			&eventType,
			&event.Subject,
			&event.Tenant,
			&event.Source,
			&event.TokenID,
			&event.Reason,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Type = EventType(eventType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}

	return events, nil
}
