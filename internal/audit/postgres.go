// internal/audit/postgres.go
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresLog persists audit events in Postgres.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// InitializeSchema creates the audit table if missing.
func (l *PostgresLog) InitializeSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS audit_events (
        id UUID PRIMARY KEY,
        timestamp TIMESTAMPTZ NOT NULL,
        actor TEXT NOT NULL,
        container_id UUID NOT NULL,
        from_state VARCHAR(20) NOT NULL,
        to_state VARCHAR(20) NOT NULL,
        reason VARCHAR(40),
        detail TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_audit_events_container_time
        ON audit_events(container_id, timestamp);
    CREATE INDEX IF NOT EXISTS idx_audit_events_actor
        ON audit_events(actor);
    `

	_, err := l.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("initializing audit schema: %w", err)
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, timestamp, actor, container_id, from_state, to_state, reason, detail)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.Timestamp, event.Actor, event.ContainerID,
		event.FromState, event.ToState, nullString(string(event.Reason)), nullString(event.Detail))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (l *PostgresLog) Query(ctx context.Context, q Query) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	sqlQuery := `
        SELECT id, timestamp, actor, container_id, from_state, to_state, reason, detail
        FROM audit_events
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	if q.ContainerID != uuid.Nil {
		sqlQuery += fmt.Sprintf(" AND container_id = $%d", argIdx)
		args = append(args, q.ContainerID)
		argIdx++
	}
	if q.Actor != "" {
		sqlQuery += fmt.Sprintf(" AND actor = $%d", argIdx)
		args = append(args, q.Actor)
		argIdx++
	}
	if !q.Since.IsZero() {
		sqlQuery += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, q.Since)
		argIdx++
	}

	sqlQuery += fmt.Sprintf(" ORDER BY timestamp ASC LIMIT $%d", argIdx)
	args = append(args, q.Limit)

	rows, err := l.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var reason, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.ContainerID,
			&e.FromState, &e.ToState, &reason, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Reason = Reason(reason.String)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
