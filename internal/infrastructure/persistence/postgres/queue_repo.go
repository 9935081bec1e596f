package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fluencyhub/fluency-sync/internal/domain/queue"
	"github.com/fluencyhub/fluency-sync/pkg/retry"
)

// EventQueueRepository reads deliverable gameplay events and reports
// delivery outcomes. The backoff arithmetic lives in the MarkFailed SQL so
// the delivery engine only ever respects next_retry_at, never computes it.
type EventQueueRepository struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventQueueRepository creates the repository.
func NewEventQueueRepository(conn *Connection, logger *slog.Logger) *EventQueueRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventQueueRepository{conn: conn, logger: logger}
}

// ListDeliverable returns unsent events whose retries are not exhausted and
// whose backoff deadline (if any) has elapsed, oldest first.
func (r *EventQueueRepository) ListDeliverable(ctx context.Context, limit int) ([]queue.Event, error) {
	rows, err := r.conn.Pool().Query(ctx, `
		SELECT id, payload, sent, attempts, next_retry_at
		FROM event_queue
		WHERE sent = FALSE
		  AND attempts < $1
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY id
		LIMIT $2
	`, queue.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deliverable events: %w", err)
	}
	defer rows.Close()

	var events []queue.Event
	for rows.Next() {
		var (
			e   queue.Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &raw, &e.Sent, &e.Attempts, &e.NextRetryAt); err != nil {
			return nil, fmt.Errorf("postgres: scan queue event: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			// A malformed payload can never deliver; leave the row for
			// the game backend to inspect and keep going.
			r.logger.Error("skipping queue event with malformed payload",
				"event_id", e.ID, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate queue events: %w", err)
	}

	return events, nil
}

// MarkSent records a successful delivery. Idempotent; replayed safely on a
// transient database error.
func (r *EventQueueRepository) MarkSent(ctx context.Context, eventID int64) error {
	err := retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().Exec(ctx, `
			UPDATE event_queue
			SET sent = TRUE, last_error = NULL, updated_at = NOW()
			WHERE id = $1
		`, eventID)
		return err
	}, retry.QueueStoreOptions()...)
	if err != nil {
		return fmt.Errorf("postgres: mark event %d sent: %w", eventID, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt: increments attempts and
// schedules the next try 2^attempts minutes out.
func (r *EventQueueRepository) MarkFailed(ctx context.Context, eventID int64, message string) error {
	err := retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().Exec(ctx, `
			UPDATE event_queue
			SET attempts = attempts + 1,
			    next_retry_at = NOW() + (power(2, attempts + 1) * interval '1 minute'),
			    last_error = $2,
			    updated_at = NOW()
			WHERE id = $1
		`, eventID, message)
		return err
	}, retry.QueueStoreOptions()...)
	if err != nil {
		return fmt.Errorf("postgres: mark event %d failed: %w", eventID, err)
	}
	return nil
}
