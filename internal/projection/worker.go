package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"perpvault/internal/event"
)

// Worker maintains the vault_state tables from the event stream. The
// input channel is fed non-blocking with drop: projections are
// eventually consistent and can always be rebuilt from vault_log.
type Worker struct {
	db      *sql.DB
	input   <-chan event.Envelope
	log     zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, input <-chan event.Envelope, log zerolog.Logger) *Worker {
	return &Worker{
		db:    db,
		input: input,
		log:   log,
	}
}

// Run consumes the stream until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.apply(ctx, env); err != nil {
				w.log.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Str("type", env.Type.String()).
					Msg("projection update failed")
				// Keep going; the table can be rebuilt from the log.
			}
			w.lastSeq = env.Sequence
		}
	}
}

func (w *Worker) apply(ctx context.Context, env event.Envelope) error {
	switch p := env.Payload.(type) {
	case *event.PositionOpened:
		_, err := w.db.ExecContext(ctx, `
			INSERT INTO vault_state.positions
				(position_id, owner_id, vault_id, product_id, is_long, price, margin, leverage, settling, status, updated_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', $10, $11)
			ON CONFLICT (position_id) DO NOTHING
		`, p.PositionID, p.Owner, p.VaultID, p.ProductID, p.IsLong, p.Price, p.Margin, p.Leverage, p.Settling, env.Sequence, env.Timestamp)
		return err

	case *event.PositionSettled:
		return w.updatePosition(ctx, env, p.PositionID,
			`price = $2, settling = FALSE`, p.Price)

	case *event.MarginAdded:
		_, err := w.db.ExecContext(ctx, `
			UPDATE vault_state.positions
			SET margin = $2, leverage = $3, updated_sequence = $4, updated_at = $5
			WHERE position_id = $1 AND updated_sequence < $4
		`, p.PositionID, p.Margin, p.Leverage, env.Sequence, env.Timestamp)
		return err

	case *event.PositionClosed:
		if p.FullClose {
			return w.setStatus(ctx, env, p.PositionID, "closed")
		}
		_, err := w.db.ExecContext(ctx, `
			UPDATE vault_state.positions
			SET margin = margin - $2, updated_sequence = $3, updated_at = $4
			WHERE position_id = $1 AND updated_sequence < $3
		`, p.PositionID, p.Margin, env.Sequence, env.Timestamp)
		return err

	case *event.PositionLiquidated:
		return w.setStatus(ctx, env, p.PositionID, "liquidated")

	case *event.OrderCancelled:
		return w.setStatus(ctx, env, p.PositionID, "cancelled")

	case *event.MarginReleased:
		return w.setStatus(ctx, env, p.PositionID, "released")

	case *event.VaultAdded:
		_, err := w.db.ExecContext(ctx, `
			INSERT INTO vault_state.vaults (vault_id, base_asset, pool_cap, active, updated_sequence, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, $5)
			ON CONFLICT (vault_id) DO NOTHING
		`, p.VaultID, p.Base, p.Cap, env.Sequence, env.Timestamp)
		return err

	case *event.VaultUpdated:
		_, err := w.db.ExecContext(ctx, `
			UPDATE vault_state.vaults
			SET pool_cap = $2, active = $3, updated_sequence = $4, updated_at = $5
			WHERE vault_id = $1 AND updated_sequence < $4
		`, p.VaultID, p.Cap, p.Active, env.Sequence, env.Timestamp)
		return err

	default:
		// Stake, product, and breaker events have no projection table;
		// the event log is their system of record.
		return nil
	}
}

func (w *Worker) updatePosition(ctx context.Context, env event.Envelope, id uint64, set string, arg interface{}) error {
	query := fmt.Sprintf(`
		UPDATE vault_state.positions
		SET %s, updated_sequence = $3, updated_at = $4
		WHERE position_id = $1 AND updated_sequence < $3
	`, set)
	_, err := w.db.ExecContext(ctx, query, id, arg, env.Sequence, env.Timestamp)
	return err
}

func (w *Worker) setStatus(ctx context.Context, env event.Envelope, id uint64, status string) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE vault_state.positions
		SET status = $2, updated_sequence = $3, updated_at = $4
		WHERE position_id = $1 AND updated_sequence < $3
	`, id, status, env.Sequence, env.Timestamp)
	return err
}

// Rebuild truncates the projection tables so a replay of vault_log can
// repopulate them.
func Rebuild(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`TRUNCATE vault_state.positions`,
		`TRUNCATE vault_state.vaults`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	return nil
}
