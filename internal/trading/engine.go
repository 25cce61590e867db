package trading

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/custody"
	"perpvault/internal/event"
	"perpvault/internal/fixed"
	"perpvault/internal/observability"
	"perpvault/internal/oracle"
	"perpvault/internal/product"
	"perpvault/internal/vault"
)

// Interest accrues only on positions held at least this long, so churn
// trades are not billed for a zero-length borrow.
const minInterestHold = 15 * time.Minute

// settleGrace bounds how long a pending order waits for a usable quote
// before the sweep refunds it.
const settleGrace = time.Hour

// Order is one trader instruction. CloseID zero opens a new position;
// nonzero targets an existing one, either adding margin (Leverage zero)
// or closing Margin worth of it (FullClose closes the remainder).
type Order struct {
	Owner     uuid.UUID
	VaultID   uint8
	ProductID uint16
	IsLong    bool
	CloseID   uint64
	Margin    int64
	Leverage  int64
	FullClose bool
}

// Engine owns all trading state. Every public method takes the engine
// lock, so state transitions are serial and deterministic given the
// order of calls.
type Engine struct {
	mu       sync.Mutex
	products *product.Registry
	vaults   *vault.Registry
	custody  *custody.Ledger
	oracle   oracle.PriceOracle

	positions map[uint64]*Position
	byOwner   map[uuid.UUID]map[uint64]struct{}
	pending   map[uint64]struct{}
	nextID    uint64
	sequence  int64
	admin     uuid.UUID

	out     chan<- event.Envelope
	clock   func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewEngine(
	products *product.Registry,
	vaults *vault.Registry,
	ledger *custody.Ledger,
	priceOracle oracle.PriceOracle,
	out chan<- event.Envelope,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		products:  products,
		vaults:    vaults,
		custody:   ledger,
		oracle:    priceOracle,
		positions: make(map[uint64]*Position),
		byOwner:   make(map[uuid.UUID]map[uint64]struct{}),
		pending:   make(map[uint64]struct{}),
		nextID:    1,
		out:       out,
		clock:     time.Now,
		log:       log,
		metrics:   metrics,
	}
}

// SetClock replaces the engine clock. Test hook.
func (e *Engine) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// SetAdmin designates the privileged account for product and vault
// administration. With no admin set every caller passes, which local
// runs and tests rely on.
func (e *Engine) SetAdmin(admin uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.admin = admin
}

func (e *Engine) requireAdmin(caller uuid.UUID) error {
	if e.admin != uuid.Nil && caller != e.admin {
		return fmt.Errorf("%w: caller %s is not the admin", ErrUnauthorized, caller)
	}
	return nil
}

// ResumeSequence advances the event sequence past what the durable
// log already holds, so a restart never reissues a taken number.
func (e *Engine) ResumeSequence(seq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq > e.sequence {
		e.sequence = seq
	}
}

// SubmitOrder dispatches an order to open, add margin, or close.
func (e *Engine) SubmitOrder(o Order) (uint64, error) {
	if o.CloseID == 0 {
		return e.OpenPosition(o)
	}
	if o.Leverage == 0 && !o.FullClose {
		return o.CloseID, e.AddMargin(o.Owner, o.CloseID, o.Margin)
	}
	_, err := e.ClosePosition(o.Owner, o.CloseID, o.Margin, o.FullClose)
	return o.CloseID, err
}

// OpenPosition validates an order against the product, the vault's
// risk limits, and the trader's collateral, then opens the position at
// the fee-adjusted oracle price.
func (e *Engine) OpenPosition(o Order) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	id, err := e.openLocked(o, start)
	e.observe("open", start, err)
	return id, err
}

func (e *Engine) openLocked(o Order, now time.Time) (uint64, error) {
	if o.Margin <= 0 {
		return 0, fmt.Errorf("%w: margin %d", ErrInvalidMargin, o.Margin)
	}

	prod, err := e.products.Get(o.ProductID)
	if err != nil {
		return 0, err
	}
	if !prod.Active {
		return 0, fmt.Errorf("%w: product %d", product.ErrInactive, o.ProductID)
	}
	if o.Leverage < fixed.LeverageScale {
		return 0, fmt.Errorf("%w: leverage %d", ErrInvalidOrder, o.Leverage)
	}
	if o.Leverage > prod.MaxLeverage {
		return 0, fmt.Errorf("%w: %d > %d", ErrLeverageTooHigh, o.Leverage, prod.MaxLeverage)
	}

	v, err := e.vaults.Get(o.VaultID)
	if err != nil {
		return 0, err
	}
	if !v.Active {
		return 0, fmt.Errorf("%w: vault %d", vault.ErrInactive, o.VaultID)
	}
	if err := e.vaults.CheckDrawdown(o.VaultID, now); err != nil {
		if errors.Is(err, vault.ErrDrawdownBreached) {
			cur, _ := e.vaults.Get(o.VaultID)
			e.emit(now, &event.DrawdownBreached{
				VaultID: o.VaultID,
				Balance: cur.Balance,
			})
			if e.metrics != nil {
				e.metrics.DrawdownBreaches.WithLabelValues(vaultLabel(o.VaultID)).Inc()
			}
		}
		return 0, err
	}

	price, _, err := e.oracle.Price(prod.Feed)
	if err != nil {
		if e.metrics != nil && errors.Is(err, oracle.ErrStalePrice) {
			e.metrics.StalePriceErrors.WithLabelValues(prod.Feed).Inc()
		}
		return 0, err
	}

	entry := fixed.PriceWithFee(price, prod.FeeBps, o.IsLong)
	oi := fixed.OpenInterest(o.Margin, o.Leverage)

	if err := e.vaults.ReserveOpenInterest(o.VaultID, oi); err != nil {
		return 0, err
	}
	if err := e.custody.Debit(o.Owner, v.Base, o.Margin); err != nil {
		e.vaults.ReleaseOpenInterest(o.VaultID, oi)
		return 0, err
	}
	e.vaults.DepositMargin(o.VaultID, o.Margin)

	id := e.nextID
	e.nextID++
	pos := &Position{
		ID:        id,
		Owner:     o.Owner,
		VaultID:   o.VaultID,
		ProductID: o.ProductID,
		IsLong:    o.IsLong,
		Margin:    o.Margin,
		Leverage:  o.Leverage,
		OpenedAt:  now,
	}
	pos.reprice(entry, prod.LiquidationThresholdBps)

	if prod.SettlementTime > 0 {
		pos.Settling = true
		pos.SettleAt = now.Add(prod.SettlementTime)
		e.pending[id] = struct{}{}
	}

	e.positions[id] = pos
	e.index(o.Owner, id)

	e.emit(now, &event.PositionOpened{
		PositionID: id,
		Owner:      o.Owner,
		VaultID:    o.VaultID,
		ProductID:  o.ProductID,
		IsLong:     o.IsLong,
		Price:      pos.Price,
		Margin:     pos.Margin,
		Leverage:   pos.Leverage,
		Settling:   pos.Settling,
	})
	e.log.Debug().
		Uint64("position_id", id).
		Uint16("product_id", o.ProductID).
		Bool("is_long", o.IsLong).
		Int64("price", pos.Price).
		Int64("margin", pos.Margin).
		Bool("settling", pos.Settling).
		Msg("position opened")
	e.afterMutation(o.VaultID)
	return id, nil
}

// AddMargin moves extra collateral into a position, deleveraging it at
// constant notional.
func (e *Engine) AddMargin(owner uuid.UUID, id uint64, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	err := e.addMarginLocked(owner, id, amount)
	e.observe("add_margin", start, err)
	return err
}

func (e *Engine) addMarginLocked(owner uuid.UUID, id uint64, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: margin %d", ErrInvalidMargin, amount)
	}
	pos, err := e.ownedPosition(owner, id)
	if err != nil {
		return err
	}
	if pos.Settling {
		return fmt.Errorf("%w: position %d", ErrSettling, id)
	}
	prod, err := e.products.Get(pos.ProductID)
	if err != nil {
		return err
	}
	v, err := e.vaults.Get(pos.VaultID)
	if err != nil {
		return err
	}

	newMargin := pos.Margin + amount
	newLeverage := fixed.Div128(fixed.Mul128(pos.Margin, pos.Leverage), newMargin, fixed.RoundDown)
	if newLeverage < fixed.LeverageScale {
		return fmt.Errorf("%w: leverage would drop below 1x", ErrInvalidMargin)
	}

	if err := e.custody.Debit(owner, v.Base, amount); err != nil {
		return err
	}
	e.vaults.DepositMargin(pos.VaultID, amount)

	pos.Margin = newMargin
	pos.Leverage = newLeverage
	pos.LiquidationPrice = fixed.LiquidationPrice(pos.Price, prod.LiquidationThresholdBps, newLeverage, pos.IsLong)

	e.emit(e.clock(), &event.MarginAdded{
		PositionID: id,
		Owner:      owner,
		Margin:     pos.Margin,
		Leverage:   pos.Leverage,
	})
	e.afterMutation(pos.VaultID)
	return nil
}

// ClosePosition closes margin worth of a position at the fee-adjusted
// oracle price and settles PnL and interest against the vault. The
// payout credited back to the trader is returned.
func (e *Engine) ClosePosition(owner uuid.UUID, id uint64, margin int64, fullClose bool) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	payout, err := e.closeLocked(owner, id, margin, fullClose, start)
	e.observe("close", start, err)
	return payout, err
}

func (e *Engine) closeLocked(owner uuid.UUID, id uint64, margin int64, fullClose bool, now time.Time) (int64, error) {
	pos, err := e.ownedPosition(owner, id)
	if err != nil {
		return 0, err
	}
	if pos.Settling {
		return 0, fmt.Errorf("%w: position %d", ErrSettling, id)
	}

	prod, err := e.products.Get(pos.ProductID)
	if err != nil {
		return 0, err
	}
	v, err := e.vaults.Get(pos.VaultID)
	if err != nil {
		return 0, err
	}

	held := now.Sub(pos.OpenedAt)
	if held < prod.MinTradeDuration {
		return 0, fmt.Errorf("%w: held %s of %s", ErrMinTradeDuration, held, prod.MinTradeDuration)
	}

	closeMargin := margin
	if fullClose || closeMargin == pos.Margin {
		closeMargin = pos.Margin
		fullClose = true
	} else if closeMargin > pos.Margin {
		return 0, fmt.Errorf("%w: close %d of %d", ErrInsufficientPositionSize, margin, pos.Margin)
	}
	if closeMargin <= 0 {
		return 0, fmt.Errorf("%w: close margin %d", ErrInvalidMargin, margin)
	}

	price, _, err := e.oracle.Price(prod.Feed)
	if err != nil {
		if e.metrics != nil && errors.Is(err, oracle.ErrStalePrice) {
			e.metrics.StalePriceErrors.WithLabelValues(prod.Feed).Inc()
		}
		return 0, err
	}
	// Exit crosses the spread: a long sells at the short-side price.
	exit := fixed.PriceWithFee(price, prod.FeeBps, !pos.IsLong)

	pnl := fixed.PnL(pos.Price, exit, closeMargin, pos.Leverage, pos.IsLong)

	var interest int64
	if held >= minInterestHold {
		notional := fixed.OpenInterest(closeMargin, pos.Leverage)
		interest = fixed.Interest(notional, prod.InterestBps, int64(held.Seconds()))
	}

	payout, err := e.settleAgainstVault(pos.VaultID, v.Base, owner, closeMargin, pnl, interest)
	if err != nil {
		return 0, err
	}

	e.vaults.ReleaseOpenInterest(pos.VaultID, fixed.OpenInterest(closeMargin, pos.Leverage))
	pos.Margin -= closeMargin
	if fullClose || pos.Margin == 0 {
		e.retire(pos)
		fullClose = true
	}

	e.emit(now, &event.PositionClosed{
		PositionID: id,
		Owner:      owner,
		VaultID:    pos.VaultID,
		ProductID:  pos.ProductID,
		Price:      exit,
		Margin:     closeMargin,
		PnL:        pnl,
		Interest:   interest,
		FullClose:  fullClose,
	})
	e.afterMutation(pos.VaultID)
	return payout, nil
}

// settleAgainstVault pays out a close from the vault pool, where the
// close margin sits escrowed. Losses and interest are clamped to that
// margin so a position never owes more than it posted; both stay in
// the pool for stakers. Anything above the escrowed margin comes out
// of staker equity; other positions' escrow is never touched, so a
// profit equity cannot cover fails the whole close before anything
// moves. The trader's payout is returned.
func (e *Engine) settleAgainstVault(vaultID uint8, base string, owner uuid.UUID, closeMargin, pnl, interest int64) (int64, error) {
	payout := closeMargin
	if pnl > 0 {
		payout += pnl
	} else if pnl < 0 {
		loss := -pnl
		if loss > closeMargin {
			loss = closeMargin
		}
		payout -= loss
	}
	if interest > payout {
		interest = payout
	}
	payout -= interest

	v, err := e.vaults.Get(vaultID)
	if err != nil {
		return 0, err
	}
	if excess := payout - closeMargin; excess > v.Equity() {
		return 0, fmt.Errorf("%w: vault %d equity %d cannot cover profit %d",
			vault.ErrInsufficientBalance, vaultID, v.Equity(), excess)
	}
	if err := e.vaults.Debit(vaultID, payout); err != nil {
		return 0, err
	}
	e.vaults.ReleaseHeldMargin(vaultID, closeMargin)
	e.custody.Credit(owner, base, payout)
	return payout, nil
}

// LiquidatePosition closes an underwater position. Any caller may
// trigger it; the bounty share of the margin goes to the liquidator
// and the rest to the vault.
func (e *Engine) LiquidatePosition(liquidator uuid.UUID, id uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	bounty, err := e.liquidateLocked(liquidator, id, start)
	e.observe("liquidate", start, err)
	return bounty, err
}

func (e *Engine) liquidateLocked(liquidator uuid.UUID, id uint64, now time.Time) (int64, error) {
	pos, ok := e.positions[id]
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	prod, err := e.products.Get(pos.ProductID)
	if err != nil {
		return 0, err
	}
	v, err := e.vaults.Get(pos.VaultID)
	if err != nil {
		return 0, err
	}

	price, _, err := e.oracle.Price(prod.Feed)
	if err != nil {
		if e.metrics != nil && errors.Is(err, oracle.ErrStalePrice) {
			e.metrics.StalePriceErrors.WithLabelValues(prod.Feed).Inc()
		}
		return 0, err
	}
	if !pos.Liquidatable(price) {
		return 0, fmt.Errorf("%w: price %d, threshold %d", ErrNotLiquidatable, price, pos.LiquidationPrice)
	}

	// The escrowed margin is already in the pool; releasing the escrow
	// forfeits it to stakers, minus the bounty paid out to the caller.
	bounty := fixed.Div128(fixed.Mul128(pos.Margin, prod.LiquidationBountyBps), fixed.BpsDivisor, fixed.RoundDown)
	if err := e.vaults.Debit(pos.VaultID, bounty); err != nil {
		return 0, err
	}
	e.vaults.ReleaseHeldMargin(pos.VaultID, pos.Margin)
	e.custody.Credit(liquidator, v.Base, bounty)
	e.vaults.ReleaseOpenInterest(pos.VaultID, pos.Notional())

	margin := pos.Margin
	pos.Margin = 0
	e.retire(pos)

	e.emit(now, &event.PositionLiquidated{
		PositionID: id,
		Owner:      pos.Owner,
		VaultID:    pos.VaultID,
		ProductID:  pos.ProductID,
		Price:      price,
		Margin:     margin,
		Bounty:     bounty,
		Liquidator: liquidator,
	})
	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(vaultLabel(pos.VaultID)).Inc()
	}
	e.log.Info().
		Uint64("position_id", id).
		Int64("price", price).
		Int64("margin", margin).
		Int64("bounty", bounty).
		Msg("position liquidated")
	e.afterMutation(pos.VaultID)
	return bounty, nil
}

// ReleaseMargin is the operator escape hatch: it returns a position's
// margin to its owner without settling PnL, for positions wedged by an
// abandoned feed or delisted product.
func (e *Engine) ReleaseMargin(caller uuid.UUID, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	start := e.clock()
	err := e.releaseMarginLocked(id, start)
	e.observe("release_margin", start, err)
	return err
}

func (e *Engine) releaseMarginLocked(id uint64, now time.Time) error {
	pos, ok := e.positions[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	v, err := e.vaults.Get(pos.VaultID)
	if err != nil {
		return err
	}

	if err := e.vaults.Debit(pos.VaultID, pos.Margin); err != nil {
		return err
	}
	e.vaults.ReleaseHeldMargin(pos.VaultID, pos.Margin)
	e.custody.Credit(pos.Owner, v.Base, pos.Margin)
	e.vaults.ReleaseOpenInterest(pos.VaultID, pos.Notional())

	margin := pos.Margin
	pos.Margin = 0
	e.retire(pos)

	e.emit(now, &event.MarginReleased{
		PositionID: id,
		Owner:      pos.Owner,
		Margin:     margin,
	})
	e.afterMutation(pos.VaultID)
	return nil
}

// Deposit adds trader collateral. External transfers land here before
// any order can spend them.
func (e *Engine) Deposit(owner uuid.UUID, asset string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.custody.Deposit(owner, asset, amount)
}

// Withdraw removes free trader collateral.
func (e *Engine) Withdraw(owner uuid.UUID, asset string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.custody.Withdraw(owner, asset, amount)
}

// Balance returns a trader's free collateral.
func (e *Engine) Balance(owner uuid.UUID, asset string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.custody.Balance(owner, asset)
}

// Stake moves trader collateral into a vault's pool.
func (e *Engine) Stake(owner uuid.UUID, vaultID uint8, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	err := e.stakeLocked(owner, vaultID, amount, start)
	e.observe("stake", start, err)
	return err
}

func (e *Engine) stakeLocked(owner uuid.UUID, vaultID uint8, amount int64, now time.Time) error {
	v, err := e.vaults.Get(vaultID)
	if err != nil {
		return err
	}
	if err := e.custody.Debit(owner, v.Base, amount); err != nil {
		return err
	}
	if err := e.vaults.Stake(vaultID, owner, amount, now); err != nil {
		e.custody.Credit(owner, v.Base, amount)
		return err
	}
	e.emit(now, &event.VaultStaked{VaultID: vaultID, Owner: owner, Amount: amount})
	e.afterMutation(vaultID)
	return nil
}

// Unstake redeems a pro-rata share of the vault pool back to the
// trader's collateral.
func (e *Engine) Unstake(owner uuid.UUID, vaultID uint8, amount int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	payout, err := e.unstakeLocked(owner, vaultID, amount, start)
	e.observe("unstake", start, err)
	return payout, err
}

func (e *Engine) unstakeLocked(owner uuid.UUID, vaultID uint8, amount int64, now time.Time) (int64, error) {
	v, err := e.vaults.Get(vaultID)
	if err != nil {
		return 0, err
	}
	payout, err := e.vaults.Unstake(vaultID, owner, amount, now)
	if err != nil {
		return 0, err
	}
	e.custody.Credit(owner, v.Base, payout)
	e.emit(now, &event.VaultUnstaked{VaultID: vaultID, Owner: owner, Amount: amount, Payout: payout})
	e.afterMutation(vaultID)
	return payout, nil
}

// AddProduct registers a product and announces it. Admin only.
func (e *Engine) AddProduct(caller uuid.UUID, p product.Product) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.products.Add(p); err != nil {
		return err
	}
	e.emit(e.clock(), &event.ProductAdded{
		ProductID:   p.ID,
		Feed:        p.Feed,
		MaxLeverage: p.MaxLeverage,
		FeeBps:      p.FeeBps,
	})
	return nil
}

// UpdateProduct replaces a product's configuration. Open positions
// keep their stored entry terms. Admin only.
func (e *Engine) UpdateProduct(caller uuid.UUID, p product.Product) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.products.Update(p); err != nil {
		return err
	}
	e.emit(e.clock(), &event.ProductUpdated{
		ProductID:   p.ID,
		Feed:        p.Feed,
		MaxLeverage: p.MaxLeverage,
		FeeBps:      p.FeeBps,
		Active:      p.Active,
	})
	return nil
}

// AddVault registers a vault and announces it. Admin only.
func (e *Engine) AddVault(caller uuid.UUID, v vault.Vault) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.vaults.Add(v); err != nil {
		return err
	}
	e.emit(e.clock(), &event.VaultAdded{VaultID: v.ID, Base: v.Base, Cap: v.Cap})
	return nil
}

// UpdateVault replaces a vault's configuration, preserving balances.
// Admin only.
func (e *Engine) UpdateVault(caller uuid.UUID, v vault.Vault) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.vaults.Update(v); err != nil {
		return err
	}
	e.emit(e.clock(), &event.VaultUpdated{VaultID: v.ID, Cap: v.Cap, Active: v.Active})
	return nil
}

// SetCap adjusts a vault's aggregate capital cap. Admin only.
func (e *Engine) SetCap(caller uuid.UUID, vaultID uint8, cap int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.vaults.SetCap(vaultID, cap); err != nil {
		return err
	}
	v, err := e.vaults.Get(vaultID)
	if err != nil {
		return err
	}
	e.emit(e.clock(), &event.VaultUpdated{VaultID: vaultID, Cap: v.Cap, Active: v.Active})
	return nil
}

// SetMaxOpenInterest adjusts a vault's open-interest ceiling. Existing
// reservations are untouched; only new admissions see the new limit.
// Admin only.
func (e *Engine) SetMaxOpenInterest(caller uuid.UUID, vaultID uint8, max int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.vaults.SetMaxOpenInterest(vaultID, max); err != nil {
		return err
	}
	v, err := e.vaults.Get(vaultID)
	if err != nil {
		return err
	}
	e.emit(e.clock(), &event.VaultUpdated{VaultID: vaultID, Cap: v.Cap, Active: v.Active})
	return nil
}

// GetPosition returns a copy of one position.
func (e *Engine) GetPosition(id uint64) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	return *pos, nil
}

// GetUserPositions returns copies of the owner's positions ordered by
// id. A non-negative vaultID restricts the result to that vault.
func (e *Engine) GetUserPositions(owner uuid.UUID, vaultID int) []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.byOwner[owner]
	out := make([]Position, 0, len(ids))
	for id := range ids {
		pos := e.positions[id]
		if vaultID >= 0 && int(pos.VaultID) != vaultID {
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPositions returns copies of the requested positions. Unknown ids
// are skipped.
func (e *Engine) GetPositions(ids []uint64) []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		if pos, ok := e.positions[id]; ok {
			out = append(out, *pos)
		}
	}
	return out
}

// GetCurrentOpenInterest returns a vault's reserved open interest.
func (e *Engine) GetCurrentOpenInterest(vaultID uint8) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vaults.Get(vaultID)
	if err != nil {
		return 0, err
	}
	return v.OpenInterest, nil
}

// GetVault returns a copy of one vault.
func (e *Engine) GetVault(vaultID uint8) (vault.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vaults.Get(vaultID)
}

// GetProduct returns a copy of one product.
func (e *Engine) GetProduct(productID uint16) (product.Product, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.products.Get(productID)
}

func (e *Engine) ownedPosition(owner uuid.UUID, id uint64) (*Position, error) {
	pos, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	if pos.Owner != owner {
		return nil, fmt.Errorf("%w: position %d", ErrUnauthorized, id)
	}
	return pos, nil
}

func (e *Engine) index(owner uuid.UUID, id uint64) {
	set := e.byOwner[owner]
	if set == nil {
		set = make(map[uint64]struct{})
		e.byOwner[owner] = set
	}
	set[id] = struct{}{}
}

func (e *Engine) retire(pos *Position) {
	delete(e.positions, pos.ID)
	delete(e.pending, pos.ID)
	if set := e.byOwner[pos.Owner]; set != nil {
		delete(set, pos.ID)
		if len(set) == 0 {
			delete(e.byOwner, pos.Owner)
		}
	}
}

func (e *Engine) emit(now time.Time, payload event.Event) {
	e.sequence++
	env := event.Envelope{
		Sequence:  e.sequence,
		Type:      payload.Type(),
		Key:       payload.Key(),
		Timestamp: now,
		Payload:   payload,
	}
	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
	if e.out != nil {
		e.out <- env
	}
}

// afterMutation refreshes gauges and asserts conservation. A violated
// invariant means the in-memory state is corrupt, so it halts the
// process rather than persist garbage.
func (e *Engine) afterMutation(vaultID uint8) {
	if err := e.custody.ValidateNonNegative(); err != nil {
		panic(fmt.Sprintf("trading: custody invariant violated: %v", err))
	}
	v, err := e.vaults.Get(vaultID)
	if err != nil {
		return
	}
	if v.Balance < 0 || v.OpenInterest < 0 || v.TotalStaked < 0 {
		panic(fmt.Sprintf("trading: vault %d invariant violated: balance=%d oi=%d staked=%d",
			vaultID, v.Balance, v.OpenInterest, v.TotalStaked))
	}
	// Escrowed margin must always be covered by the pool balance.
	if v.HeldMargin < 0 || v.HeldMargin > v.Balance {
		panic(fmt.Sprintf("trading: vault %d escrow invariant violated: held=%d balance=%d",
			vaultID, v.HeldMargin, v.Balance))
	}
	if e.metrics != nil {
		label := vaultLabel(vaultID)
		e.metrics.VaultBalance.WithLabelValues(label).Set(float64(v.Balance))
		e.metrics.VaultOpenInterest.WithLabelValues(label).Set(float64(v.OpenInterest))
		e.metrics.OpenPositions.Set(float64(len(e.positions)))
		e.metrics.PendingOrders.Set(float64(len(e.pending)))
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OrdersTotal.WithLabelValues(op).Inc()
	e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.OrdersRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrLeverageTooHigh):
		return "leverage"
	case errors.Is(err, ErrInvalidMargin), errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInsufficientPositionSize):
		return "validation"
	case errors.Is(err, ErrPositionNotFound):
		return "not_found"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrMinTradeDuration):
		return "min_duration"
	case errors.Is(err, ErrSettling), errors.Is(err, ErrNotSettling):
		return "settlement"
	case errors.Is(err, vault.ErrOpenInterestCap), errors.Is(err, vault.ErrCapExceeded):
		return "capacity"
	case errors.Is(err, vault.ErrDrawdownBreached):
		return "drawdown"
	case errors.Is(err, vault.ErrInactive), errors.Is(err, product.ErrInactive):
		return "inactive"
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, product.ErrNotFound):
		return "not_found"
	case errors.Is(err, custody.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrNoPrice):
		return "oracle"
	default:
		return "other"
	}
}

func vaultLabel(id uint8) string {
	return strconv.Itoa(int(id))
}
