package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusCreated        EventStatus = "CREATED"
	EventStatusProcessing     EventStatus = "PROCESSING"
	EventStatusFailed         EventStatus = "FAILED"
	EventStatusNoAttemptsLeft EventStatus = "NO_ATTEMPTS_LEFT"
)

// Event is one pending notification in the outbox. Rows are deleted after a
// successful publish and parked as NO_ATTEMPTS_LEFT after repeated failures.
type Event struct {
	ID            int64
	EventID       uuid.UUID
	Kind          string
	OrderID       uuid.UUID
	Payload       []byte
	Status        EventStatus
	AttemptCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	NextAttemptAt sql.NullTime
}

type OutboxRepository interface {
	Append(ctx context.Context, kind string, orderID uuid.UUID, payload []byte) error
	Pending(ctx context.Context, limit int, maxAttempts int) ([]*Event, error)
	MarkProcessing(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	MarkFailure(ctx context.Context, id int64, attemptCount int, status EventStatus, nextAttemptAt time.Time) error
}

type PostgresOutbox struct {
	db *sql.DB
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (r *PostgresOutbox) Append(ctx context.Context, kind string, orderID uuid.UUID, payload []byte) error {
	query := `
		INSERT INTO outbox_events (event_id, kind, order_id, payload, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query, uuid.New(), kind, orderID, payload, EventStatusCreated)
	return err
}

func (r *PostgresOutbox) Pending(ctx context.Context, limit int, maxAttempts int) ([]*Event, error) {
	query := `
		SELECT id, event_id, kind, order_id, payload, status, attempt_count, created_at, updated_at, next_attempt_at
		FROM outbox_events
		WHERE status IN ($1, $2)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		  AND attempt_count < $3
		ORDER BY created_at
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query, EventStatusCreated, EventStatusFailed, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.Kind, &e.OrderID, &e.Payload,
			&e.Status, &e.AttemptCount, &e.CreatedAt, &e.UpdatedAt, &e.NextAttemptAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresOutbox) MarkProcessing(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET status=$1, updated_at=NOW() WHERE id=$2`,
		EventStatusProcessing, id)
	return err
}

func (r *PostgresOutbox) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM outbox_events WHERE id=$1`, id)
	return err
}

func (r *PostgresOutbox) MarkFailure(ctx context.Context, id int64, attemptCount int, status EventStatus, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET status=$1, attempt_count=$2, updated_at=NOW(), next_attempt_at=$3 WHERE id=$4`,
		status, attemptCount, nextAttemptAt, id)
	return err
}
