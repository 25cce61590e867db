package trading

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/event"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
)

// CheckSettlement reports whether a position's settlement window has
// passed and it is waiting on a confirmed price.
func (e *Engine) CheckSettlement(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settleDue(id, e.clock())
}

// CanSettlePositions filters ids down to those whose settlement window
// has passed. Keepers poll this before calling SettlePositions.
func (e *Engine) CanSettlePositions(ids []uint64) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	var due []uint64
	for _, id := range ids {
		if e.settleDue(id, now) {
			due = append(due, id)
		}
	}
	return due
}

// PendingOrders returns the ids of all positions awaiting settlement,
// ordered by id.
func (e *Engine) PendingOrders() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint64, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) settleDue(id uint64, now time.Time) bool {
	pos, ok := e.positions[id]
	if !ok || !pos.Settling {
		return false
	}
	return !now.Before(pos.SettleAt)
}

// SettlePositions confirms entry prices for pending orders whose
// window has passed. Unknown, already-settled, and not-yet-due ids are
// skipped, so keepers may retry the same batch safely. Orders that
// cannot get a usable quote within the grace window are refunded.
func (e *Engine) SettlePositions(ids []uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	for _, id := range ids {
		if !e.settleDue(id, now) {
			continue
		}
		e.settleOne(e.positions[id], now)
	}
}

func (e *Engine) settleOne(pos *Position, now time.Time) {
	prod, err := e.products.Get(pos.ProductID)
	if err != nil {
		e.expireOrder(pos, now)
		return
	}

	price, _, err := e.oracle.Price(prod.Feed)
	if err != nil {
		if e.metrics != nil && errors.Is(err, oracle.ErrStalePrice) {
			e.metrics.StalePriceErrors.WithLabelValues(prod.Feed).Inc()
		}
		// No usable quote. Leave the order pending until the grace
		// window runs out, then give the margin back.
		if now.After(pos.SettleAt.Add(settleGrace)) {
			e.expireOrder(pos, now)
		}
		return
	}

	entry := fixed.PriceWithFee(price, prod.FeeBps, pos.IsLong)
	pos.reprice(entry, prod.LiquidationThresholdBps)
	pos.Settling = false
	delete(e.pending, pos.ID)

	e.emit(now, &event.PositionSettled{
		PositionID: pos.ID,
		Owner:      pos.Owner,
		VaultID:    pos.VaultID,
		ProductID:  pos.ProductID,
		Price:      entry,
	})
	if e.metrics != nil {
		e.metrics.Settlements.WithLabelValues(vaultLabel(pos.VaultID)).Inc()
		e.metrics.PendingOrders.Set(float64(len(e.pending)))
	}
}

// expireOrder refunds an order the sweep gave up on. A failed refund
// leaves the order pending for the next sweep.
func (e *Engine) expireOrder(pos *Position, now time.Time) {
	if err := e.refundOrder(pos, now, true); err != nil {
		e.log.Error().
			Err(err).
			Uint64("position_id", pos.ID).
			Msg("expiry refund failed, order left pending")
	}
}

// CancelOrder unwinds a pending order before settlement, returning the
// margin to the owner.
func (e *Engine) CancelOrder(owner uuid.UUID, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	err := e.cancelLocked(owner, id, start)
	e.observe("cancel", start, err)
	return err
}

func (e *Engine) cancelLocked(owner uuid.UUID, id uint64, now time.Time) error {
	pos, err := e.ownedPosition(owner, id)
	if err != nil {
		return err
	}
	if !pos.Settling {
		return fmt.Errorf("%w: position %d", ErrNotSettling, id)
	}
	return e.refundOrder(pos, now, false)
}

// refundOrder returns a pending order's margin and releases its open
// interest. Used by owner cancellation and the expiry sweep. If the
// pool cannot cover the escrowed margin the refund aborts with the
// order untouched rather than crediting funds the vault never held.
func (e *Engine) refundOrder(pos *Position, now time.Time, expired bool) error {
	if v, err := e.vaults.Get(pos.VaultID); err == nil {
		if err := e.vaults.Debit(pos.VaultID, pos.Margin); err != nil {
			return fmt.Errorf("refund position %d: %w", pos.ID, err)
		}
		e.vaults.ReleaseHeldMargin(pos.VaultID, pos.Margin)
		e.custody.Credit(pos.Owner, v.Base, pos.Margin)
	}
	e.vaults.ReleaseOpenInterest(pos.VaultID, pos.Notional())

	margin := pos.Margin
	pos.Margin = 0
	e.retire(pos)

	e.emit(now, &event.OrderCancelled{
		PositionID: pos.ID,
		Owner:      pos.Owner,
		VaultID:    pos.VaultID,
		Margin:     margin,
		Expired:    expired,
	})
	if expired {
		e.log.Warn().
			Uint64("position_id", pos.ID).
			Int64("margin", margin).
			Msg("pending order expired without a usable quote, margin refunded")
		if e.metrics != nil {
			e.metrics.ExpiredOrders.WithLabelValues(vaultLabel(pos.VaultID)).Inc()
		}
	}
	e.afterMutation(pos.VaultID)
	return nil
}
