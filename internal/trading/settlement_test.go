package trading_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/event"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
	"perpvault/internal/product"
	"perpvault/internal/trading"
	"perpvault/internal/vault"
)

func settledProduct() product.Product {
	p := btcProduct()
	p.SettlementTime = 2 * time.Minute
	return p
}

func openPending(t *testing.T, e *env, owner uuid.UUID) uint64 {
	t.Helper()
	e.oracle.Prices["BTC-USD"] = 50_000 * fixed.PriceScale
	id, err := e.engine.SubmitOrder(openOrder(owner))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return id
}

func TestSettlement_OpensPending(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, settledProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)

	pos, _ := e.engine.GetPosition(id)
	if !pos.Settling {
		t.Fatal("position should be settling")
	}
	if got := e.engine.PendingOrders(); len(got) != 1 || got[0] != id {
		t.Errorf("pending orders: %v", got)
	}

	// Margin and open interest reserve immediately, settlement or not.
	if got := e.engine.Balance(owner, "USDC"); got != fixed.ScaleUnits(900) {
		t.Errorf("collateral: got %d", got)
	}
	oi, _ := e.engine.GetCurrentOpenInterest(1)
	if oi != fixed.ScaleUnits(5000) {
		t.Errorf("open interest: got %d", oi)
	}
}

func TestSettlement_CloseRefusedWhilePending(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, settledProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)

	if _, err := e.engine.ClosePosition(owner, id, 0, true); !errors.Is(err, trading.ErrSettling) {
		t.Errorf("close: got %v, want ErrSettling", err)
	}
	if err := e.engine.AddMargin(owner, id, fixed.ScaleUnits(10)); !errors.Is(err, trading.ErrSettling) {
		t.Errorf("add margin: got %v, want ErrSettling", err)
	}
}

func TestSettlement_RepricesAtConfirmedQuote(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, settledProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)

	if e.engine.CheckSettlement(id) {
		t.Fatal("settlement should not be due yet")
	}
	if due := e.engine.CanSettlePositions([]uint64{id}); len(due) != 0 {
		t.Fatalf("due: %v", due)
	}

	e.now = e.now.Add(2 * time.Minute)
	if due := e.engine.CanSettlePositions([]uint64{id}); len(due) != 1 {
		t.Fatalf("due after window: %v", due)
	}

	e.oracle.Prices["BTC-USD"] = 51_000 * fixed.PriceScale
	e.engine.SettlePositions([]uint64{id})

	pos, err := e.engine.GetPosition(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pos.Settling {
		t.Error("position still settling")
	}
	if want := int64(51_255) * fixed.PriceScale; pos.Price != want {
		t.Errorf("confirmed entry: got %d, want %d", pos.Price, want)
	}

	// Settling again is a no-op, as is an unknown id.
	e.engine.SettlePositions([]uint64{id, 999})
	again, _ := e.engine.GetPosition(id)
	if again.Price != pos.Price {
		t.Errorf("resettle changed price: %d", again.Price)
	}

	found := false
	for _, ev := range e.drainEvents() {
		if ev.Type == event.TypePositionSettled {
			found = true
		}
	}
	if !found {
		t.Error("no PositionSettled event")
	}
}

func TestSettlement_CancelOrderRefunds(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, settledProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)

	if err := e.engine.CancelOrder(uuid.New(), id); !errors.Is(err, trading.ErrUnauthorized) {
		t.Fatalf("stranger cancel: got %v, want ErrUnauthorized", err)
	}

	if err := e.engine.CancelOrder(owner, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := e.engine.Balance(owner, "USDC"); got != fixed.ScaleUnits(1000) {
		t.Errorf("margin not refunded: got %d", got)
	}
	oi, _ := e.engine.GetCurrentOpenInterest(1)
	if oi != 0 {
		t.Errorf("open interest not released: %d", oi)
	}
	if _, err := e.engine.GetPosition(id); !errors.Is(err, trading.ErrPositionNotFound) {
		t.Errorf("position should be retired: %v", err)
	}
}

func TestSettlement_CancelSettledPositionFails(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, btcProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)
	if err := e.engine.CancelOrder(owner, id); !errors.Is(err, trading.ErrNotSettling) {
		t.Errorf("got %v, want ErrNotSettling", err)
	}
}

func TestSettlement_ExpiresAfterGraceWithoutQuote(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, settledProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)

	// Feed goes dark. Inside the grace window the order stays pending.
	e.oracle.Err = oracle.ErrStalePrice
	e.now = e.now.Add(2 * time.Minute)
	e.engine.SettlePositions([]uint64{id})
	if _, err := e.engine.GetPosition(id); err != nil {
		t.Fatalf("order should still be pending: %v", err)
	}

	// Past the grace window the sweep refunds it.
	e.now = e.now.Add(2 * time.Hour)
	e.engine.SettlePositions([]uint64{id})

	if got := e.engine.Balance(owner, "USDC"); got != fixed.ScaleUnits(1000) {
		t.Errorf("margin not refunded: got %d", got)
	}
	if _, err := e.engine.GetPosition(id); !errors.Is(err, trading.ErrPositionNotFound) {
		t.Errorf("position should be retired: %v", err)
	}

	expired := false
	for _, ev := range e.drainEvents() {
		if c, ok := ev.Payload.(*event.OrderCancelled); ok && c.Expired {
			expired = true
		}
	}
	if !expired {
		t.Error("no expired OrderCancelled event")
	}
}

func TestSettlement_PendingNotLiquidatable(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, settledProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)

	e.oracle.Prices["BTC-USD"] = 40_000 * fixed.PriceScale
	if _, err := e.engine.LiquidatePosition(uuid.New(), id); !errors.Is(err, trading.ErrNotLiquidatable) {
		t.Errorf("got %v, want ErrNotLiquidatable", err)
	}
}

func TestSettlement_CancelAbortsWhenPoolCannotCover(t *testing.T) {
	e := newEnv(t)
	e.addProduct(t, settledProduct())
	e.addVault(t, usdcVault())
	owner := uuid.New()
	e.fund(t, owner, fixed.ScaleUnits(1000))

	id := openPending(t, e, owner)

	// Force the pool below the escrowed margin, as a defect elsewhere
	// would. The refund must abort instead of crediting funds the
	// vault never held.
	if err := e.vaults.Debit(1, fixed.ScaleUnits(100)); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if err := e.engine.CancelOrder(owner, id); !errors.Is(err, vault.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := e.engine.Balance(owner, "USDC"); got != fixed.ScaleUnits(900) {
		t.Errorf("aborted refund must not credit collateral: got %d", got)
	}
	if got := e.engine.PendingOrders(); len(got) != 1 || got[0] != id {
		t.Errorf("order should stay pending: %v", got)
	}
}
