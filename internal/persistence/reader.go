package persistence

import (
	"context"
	"database/sql"
)

// EventLogReader reads back the persisted event log, for resuming the
// engine's sequence counter on restart and for the history API.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LoadEventsFrom returns up to limit rows starting at fromSequence.
func (r *EventLogReader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, key, payload, timestamp
		FROM vault_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Key, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LoadEventsByKey returns the persisted history for one routing key,
// newest first.
func (r *EventLogReader) LoadEventsByKey(ctx context.Context, key string, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, key, payload, timestamp
		FROM vault_log.events
		WHERE key = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Key, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or
// zero when the log is empty.
func (r *EventLogReader) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
