package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxEvent is a notification staged for publication. Events are
// written inside the transaction of the state change they describe and
// drained by the notifier poller, so a notification is emitted exactly
// when the change committed.
type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

func insertOutboxEvent(ctx context.Context, tx *sql.Tx, aggregateID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	query := `INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, query, aggregateID, eventType, data); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, aggregate_id, event_type, payload, created_at
	          FROM outbox_events WHERE NOT processed ORDER BY id LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, eventID int64) error {
	query := `UPDATE outbox_events SET processed = TRUE WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}
