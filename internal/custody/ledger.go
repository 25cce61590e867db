package custody

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrInvalidAmount     = errors.New("custody: invalid amount")
)

// AccountKey identifies a trader's balance in one asset.
type AccountKey struct {
	Owner uuid.UUID
	Asset string
}

// Ledger tracks free trader collateral held by the protocol. Margin
// locked inside a position or pending order is not represented here;
// it moves to the vault on open and returns through Credit on close.
type Ledger struct {
	balances map[AccountKey]int64
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[AccountKey]int64),
	}
}

// Deposit adds external funds to a trader's free balance.
func (l *Ledger) Deposit(owner uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}
	l.balances[AccountKey{owner, asset}] += amount
	return nil
}

// Withdraw removes funds from a trader's free balance for external payout.
func (l *Ledger) Withdraw(owner uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw %d", ErrInvalidAmount, amount)
	}
	return l.Debit(owner, asset, amount)
}

// Debit moves amount out of the free balance, failing if it would go
// negative.
func (l *Ledger) Debit(owner uuid.UUID, asset string, amount int64) error {
	key := AccountKey{owner, asset}
	have := l.balances[key]
	if have < amount {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientFunds, have, amount)
	}
	l.balances[key] = have - amount
	return nil
}

// Credit returns funds to the free balance, typically margin plus PnL
// on position close.
func (l *Ledger) Credit(owner uuid.UUID, asset string, amount int64) {
	if amount <= 0 {
		return
	}
	l.balances[AccountKey{owner, asset}] += amount
}

// Balance returns the free balance for an owner and asset.
func (l *Ledger) Balance(owner uuid.UUID, asset string) int64 {
	return l.balances[AccountKey{owner, asset}]
}

// ValidateNonNegative checks that no account went negative. The engine
// runs this after each state transition.
func (l *Ledger) ValidateNonNegative() error {
	for key, bal := range l.balances {
		if bal < 0 {
			return fmt.Errorf("account %s/%s has negative balance %d", key.Owner, key.Asset, bal)
		}
	}
	return nil
}
