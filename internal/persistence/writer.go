package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"perpvault/internal/event"
)

// execer covers *sql.DB and *sql.Tx so batches can run inside the
// worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRow is a row in vault_log.events.
type EventRow struct {
	Sequence  int64
	EventType string
	Key       string
	Payload   []byte
	Timestamp time.Time
}

// RowFromEnvelope converts an engine envelope into its storage row.
func RowFromEnvelope(env event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal payload seq %d: %w", env.Sequence, err)
	}
	return EventRow{
		Sequence:  env.Sequence,
		EventType: env.Type.String(),
		Key:       env.Key,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}, nil
}

// EventLogWriter writes the engine's event log to Postgres with
// multi-row INSERTs. Conflicting sequences are skipped, so replaying
// the same batch after a crash is harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to vault_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO vault_log.events
		(sequence, event_type, key, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)

	for i, e := range events {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, e.Sequence, e.EventType, e.Key, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
