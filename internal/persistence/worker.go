package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"perpvault/internal/event"
	"perpvault/internal/observability"
)

// Worker drains the engine's outbound channel and batch-writes the
// event log to Postgres. The engine sends blocking, so if this worker
// falls behind, order intake stalls rather than losing events.
type Worker struct {
	writer       *EventLogWriter
	input        <-chan event.Envelope
	forward      chan<- event.Envelope
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

// NewWorker wires a persistence worker. When forward is non-nil every
// envelope is passed downstream (to the publisher) after it has been
// durably written, so subscribers never see an event Postgres does not
// have.
func NewWorker(
	db *sql.DB,
	input <-chan event.Envelope,
	forward chan<- event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		input:        input,
		forward:      forward,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Run batches incoming envelopes and flushes when the batch fills or
// the flush timeout expires. Blocks until ctx is cancelled or the
// input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	rows := make([]EventRow, 0, w.batchSize)
	pending := make([]event.Envelope, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(rows) == 0 {
			return
		}
		w.flushWithRetry(flushCtx, rows)
		if w.forward != nil {
			for _, env := range pending {
				w.forward <- env
			}
		}
		rows = rows[:0]
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				flush(context.Background())
				return nil
			}
			row, err := RowFromEnvelope(env)
			if err != nil {
				// Unmarshalable payloads are a programming error; log
				// and keep the stream moving.
				w.log.Error().Err(err).Int64("sequence", env.Sequence).Msg("dropping unserializable event")
				continue
			}
			rows = append(rows, row)
			pending = append(pending, env)

			if len(rows) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry writes one batch with exponential backoff. The worker
// never drops a batch; it retries until the write lands or the context
// is cancelled, in which case it makes one last attempt with a
// background context.
func (w *Worker) flushWithRetry(ctx context.Context, rows []EventRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(rows)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), rows); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, rows); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		} else if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
			w.log.Error().Err(err).Msg("persistence flush failed")
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows []EventRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(rows)))
		w.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}
	return nil
}
