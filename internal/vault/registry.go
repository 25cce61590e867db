package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/fixed"
)

var (
	ErrDuplicate           = errors.New("vault already exists")
	ErrNotFound            = errors.New("vault not found")
	ErrInvalidConfig       = errors.New("invalid vault config")
	ErrInactive            = errors.New("vault is not active")
	ErrInsufficientBalance = errors.New("insufficient vault balance")
	ErrOpenInterestCap     = errors.New("open interest cap exceeded")
	ErrCapExceeded         = errors.New("vault cap exceeded")
	ErrDrawdownBreached    = errors.New("daily drawdown breached")
	ErrEarlyRedemption     = errors.New("staking period not elapsed")
	ErrRedemptionClosed    = errors.New("outside redemption window")
	ErrInsufficientStake   = errors.New("insufficient staked balance")
)

// checkpointWindow is the rolling-day interval for the drawdown breaker.
const checkpointWindow = 24 * time.Hour

// Vault is a shared capital pool backing one base asset. Balance and
// OpenInterest are mutated only through the registry primitives below so
// admission control always precedes fund movement. Balance holds both
// staker capital and the margin escrowed for open positions; HeldMargin
// tracks the escrowed share so staker equity never includes it.
type Vault struct {
	ID                uint8
	Base              string // base asset symbol
	Cap               int64  // max aggregate exposure, base units
	MaxOpenInterest   int64  // base units
	MaxDailyDrawdown  int64  // bps below checkpoint equity
	Balance           int64  // base units, includes HeldMargin
	HeldMargin        int64  // trader margin escrowed for open positions
	OpenInterest      int64  // sum of margin*leverage across open positions
	TotalStaked       int64
	CheckpointBalance int64
	CheckpointTime    time.Time
	StakingPeriod     time.Duration
	RedemptionPeriod  time.Duration
	Active            bool
}

// Equity is the share of the balance owned by stakers: staked capital
// plus accumulated trader losses, interest, and forfeitures, minus
// trader profits. Escrowed margin is excluded.
func (v Vault) Equity() int64 {
	return v.Balance - v.HeldMargin
}

func (v *Vault) Validate() error {
	if v.Cap <= 0 {
		return fmt.Errorf("%w: cap must be > 0, got %d", ErrInvalidConfig, v.Cap)
	}
	if v.MaxOpenInterest < 0 {
		return fmt.Errorf("%w: max_open_interest must be >= 0, got %d", ErrInvalidConfig, v.MaxOpenInterest)
	}
	if v.MaxDailyDrawdown < 0 || v.MaxDailyDrawdown > fixed.BpsDivisor {
		return fmt.Errorf("%w: max_daily_drawdown out of [0, 10000], got %d", ErrInvalidConfig, v.MaxDailyDrawdown)
	}
	if v.Base == "" {
		return fmt.Errorf("%w: base asset is empty", ErrInvalidConfig)
	}
	return nil
}

type stakeEntry struct {
	amount   int64
	stakedAt time.Time
}

// Registry holds the per-vault capital pools and is their sole mutator.
type Registry struct {
	vaults map[uint8]*Vault
	stakes map[uint8]map[uuid.UUID]*stakeEntry
}

func NewRegistry() *Registry {
	return &Registry{
		vaults: make(map[uint8]*Vault),
		stakes: make(map[uint8]map[uuid.UUID]*stakeEntry),
	}
}

func (r *Registry) Add(v Vault) error {
	if _, ok := r.vaults[v.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicate, v.ID)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	stored := v
	r.vaults[v.ID] = &stored
	r.stakes[v.ID] = make(map[uuid.UUID]*stakeEntry)
	return nil
}

// Update replaces configuration fields only. Accounting counters (balance,
// open interest, staking totals, checkpoint) are preserved.
func (r *Registry) Update(v Vault) error {
	cur, ok := r.vaults[v.ID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, v.ID)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	cur.Base = v.Base
	cur.Cap = v.Cap
	cur.MaxOpenInterest = v.MaxOpenInterest
	cur.MaxDailyDrawdown = v.MaxDailyDrawdown
	cur.StakingPeriod = v.StakingPeriod
	cur.RedemptionPeriod = v.RedemptionPeriod
	cur.Active = v.Active
	return nil
}

func (r *Registry) SetCap(id uint8, cap int64) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if cap <= 0 {
		return fmt.Errorf("%w: cap must be > 0, got %d", ErrInvalidConfig, cap)
	}
	v.Cap = cap
	return nil
}

func (r *Registry) SetMaxOpenInterest(id uint8, max int64) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if max < 0 {
		return fmt.Errorf("%w: max_open_interest must be >= 0, got %d", ErrInvalidConfig, max)
	}
	v.MaxOpenInterest = max
	return nil
}

// Get returns a copy of the vault state.
func (r *Registry) Get(id uint8) (Vault, error) {
	v, ok := r.vaults[id]
	if !ok {
		return Vault{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return *v, nil
}

func (r *Registry) All() []Vault {
	out := make([]Vault, 0, len(r.vaults))
	for _, v := range r.vaults {
		out = append(out, *v)
	}
	return out
}

// RequireActive rejects admission into missing or deactivated vaults.
func (r *Registry) RequireActive(id uint8) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if !v.Active {
		return fmt.Errorf("%w: id %d", ErrInactive, id)
	}
	return nil
}

// ReserveOpenInterest admits new exposure. Checked BEFORE any balance
// mutation in the enclosing order: admission control precedes fund movement.
func (r *Registry) ReserveOpenInterest(id uint8, delta int64) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	next := v.OpenInterest + delta
	if v.MaxOpenInterest > 0 && next > v.MaxOpenInterest {
		return fmt.Errorf("%w: vault %d open interest %d + %d > max %d",
			ErrOpenInterestCap, id, v.OpenInterest, delta, v.MaxOpenInterest)
	}
	if next > v.Cap {
		return fmt.Errorf("%w: vault %d exposure %d > cap %d", ErrCapExceeded, id, next, v.Cap)
	}
	v.OpenInterest = next
	return nil
}

// ReleaseOpenInterest returns exposure on close, liquidation, or refund.
// Clamps at zero: releasing more than outstanding indicates a caller bug
// upstream, but the counter must never go negative.
func (r *Registry) ReleaseOpenInterest(id uint8, delta int64) {
	v, ok := r.vaults[id]
	if !ok {
		return
	}
	if delta > v.OpenInterest {
		delta = v.OpenInterest
	}
	v.OpenInterest -= delta
}

// Credit adds to the vault balance (trader losses, interest, forfeited
// fees). Escrowed margin arrives through DepositMargin instead.
func (r *Registry) Credit(id uint8, amount int64) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	v.Balance += amount
	return nil
}

// Debit removes from the vault balance (close payouts, margin refunds,
// liquidation bounties). Failure is FATAL to the enclosing order:
// callers must verify coverage before mutating anything else.
func (r *Registry) Debit(id uint8, amount int64) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if amount > v.Balance {
		return fmt.Errorf("%w: vault %d has %d, need %d", ErrInsufficientBalance, id, v.Balance, amount)
	}
	v.Balance -= amount
	return nil
}

// DepositMargin escrows trader margin into the pool. The margin raises
// the balance but not staker equity until it is settled or forfeited.
func (r *Registry) DepositMargin(id uint8, amount int64) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	v.Balance += amount
	v.HeldMargin += amount
	return nil
}

// ReleaseHeldMargin drops escrowed margin when its position leaves the
// books. Callers move the corresponding funds separately: a Debit for
// the payout, or nothing when the margin is forfeited to the pool.
// Clamps at zero like ReleaseOpenInterest.
func (r *Registry) ReleaseHeldMargin(id uint8, amount int64) {
	v, ok := r.vaults[id]
	if !ok {
		return
	}
	if amount > v.HeldMargin {
		amount = v.HeldMargin
	}
	v.HeldMargin -= amount
}

// CanCover reports whether a debit of amount would succeed, so callers can
// run all checks before the first mutation.
func (r *Registry) CanCover(id uint8, amount int64) bool {
	v, ok := r.vaults[id]
	return ok && v.Balance >= amount
}

// CheckDrawdown enforces the daily circuit breaker protecting liquidity
// providers. Once per rolling day the checkpoint resets to the current
// staker equity; between resets, equity more than MaxDailyDrawdown bps
// below the checkpoint refuses new position admission. Escrowed margin
// is excluded so a burst of opens cannot mask trader profits draining
// the pool.
func (r *Registry) CheckDrawdown(id uint8, now time.Time) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if v.MaxDailyDrawdown == 0 {
		return nil
	}
	eq := v.Equity()
	if v.CheckpointTime.IsZero() || now.Sub(v.CheckpointTime) >= checkpointWindow {
		v.CheckpointBalance = eq
		v.CheckpointTime = now
		return nil
	}
	floor := v.CheckpointBalance - v.CheckpointBalance*v.MaxDailyDrawdown/fixed.BpsDivisor
	if eq < floor {
		return fmt.Errorf("%w: vault %d equity %d below floor %d (checkpoint %d)",
			ErrDrawdownBreached, id, eq, floor, v.CheckpointBalance)
	}
	return nil
}

// Stake locks base-asset capital into the vault. The deposit itself is the
// caller's concern (custody debit); the registry records the share and
// credits the pool.
func (r *Registry) Stake(id uint8, owner uuid.UUID, amount int64, now time.Time) error {
	v, ok := r.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if !v.Active {
		return fmt.Errorf("%w: id %d", ErrInactive, id)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: stake amount must be > 0, got %d", ErrInvalidConfig, amount)
	}
	if v.Equity()+amount > v.Cap {
		return fmt.Errorf("%w: vault %d equity %d + %d > cap %d", ErrCapExceeded, id, v.Equity(), amount, v.Cap)
	}

	entry := r.stakes[id][owner]
	if entry == nil {
		entry = &stakeEntry{}
		r.stakes[id][owner] = entry
	}
	entry.amount += amount
	entry.stakedAt = now // adding to a stake restarts its lock

	v.Balance += amount
	v.TotalStaked += amount
	return nil
}

// Unstake redeems a pro-rata share of the vault balance. Redemption opens
// once the staking period elapses and, when a redemption window is
// configured, only inside that window of each staking cycle.
func (r *Registry) Unstake(id uint8, owner uuid.UUID, amount int64, now time.Time) (int64, error) {
	v, ok := r.vaults[id]
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	entry := r.stakes[id][owner]
	if entry == nil || entry.amount < amount || amount <= 0 {
		return 0, fmt.Errorf("%w: vault %d owner %s", ErrInsufficientStake, id, owner)
	}

	held := now.Sub(entry.stakedAt)
	if v.StakingPeriod > 0 && held < v.StakingPeriod {
		return 0, fmt.Errorf("%w: %s held, %s required", ErrEarlyRedemption, held, v.StakingPeriod)
	}
	if v.StakingPeriod > 0 && v.RedemptionPeriod > 0 {
		cyclePos := held % v.StakingPeriod
		if cyclePos >= v.RedemptionPeriod {
			return 0, fmt.Errorf("%w: cycle position %s outside window %s", ErrRedemptionClosed, cyclePos, v.RedemptionPeriod)
		}
	}

	// Pro-rata share of staker equity, truncated: stakers absorb trader
	// PnL but can never redeem margin escrowed for open positions.
	eq := v.Equity()
	payout := fixed.Div128(fixed.Mul128(amount, eq), v.TotalStaked, fixed.RoundDown)
	if payout > eq {
		payout = eq
	}

	entry.amount -= amount
	if entry.amount == 0 {
		delete(r.stakes[id], owner)
	}
	v.TotalStaked -= amount
	v.Balance -= payout
	return payout, nil
}

// StakedBalance returns the owner's staked principal in a vault.
func (r *Registry) StakedBalance(id uint8, owner uuid.UUID) int64 {
	entry := r.stakes[id][owner]
	if entry == nil {
		return 0
	}
	return entry.amount
}
