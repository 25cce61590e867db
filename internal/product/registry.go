package product

import (
	"errors"
	"fmt"
	"time"

	"perpvault/internal/fixed"
)

var (
	ErrDuplicate     = errors.New("product already exists")
	ErrNotFound      = errors.New("product not found")
	ErrInvalidConfig = errors.New("invalid product config")
	ErrInactive      = errors.New("product is not active")
)

// Product is the trading-pair configuration. Entry terms stored on open
// positions (price, leverage, threshold) are copied out at open time, so a
// later Update never retroactively changes an existing position.
type Product struct {
	ID                      uint16
	MaxLeverage             int64 // fixed-point, leverage scale
	FeeBps                  int64
	InterestBps             int64 // annualized funding interest
	Feed                    string
	SettlementTime          time.Duration
	MinTradeDuration        time.Duration
	LiquidationThresholdBps int64
	LiquidationBountyBps    int64
	Active                  bool
}

// Validate checks configuration bounds. Per the admission rules: leverage
// positive, all bps fields within [0, 10000], feed handle non-empty.
func (p *Product) Validate() error {
	if p.MaxLeverage <= 0 {
		return fmt.Errorf("%w: max_leverage must be > 0, got %d", ErrInvalidConfig, p.MaxLeverage)
	}
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"fee_bps", p.FeeBps},
		{"interest_bps", p.InterestBps},
		{"liquidation_threshold_bps", p.LiquidationThresholdBps},
		{"liquidation_bounty_bps", p.LiquidationBountyBps},
	} {
		if f.v < 0 || f.v > fixed.BpsDivisor {
			return fmt.Errorf("%w: %s out of [0, 10000], got %d", ErrInvalidConfig, f.name, f.v)
		}
	}
	if p.Feed == "" {
		return fmt.Errorf("%w: feed handle is empty", ErrInvalidConfig)
	}
	if p.SettlementTime < 0 || p.MinTradeDuration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// Registry is a pure configuration store keyed by product id.
type Registry struct {
	products map[uint16]*Product
}

func NewRegistry() *Registry {
	return &Registry{products: make(map[uint16]*Product)}
}

func (r *Registry) Add(p Product) error {
	if _, ok := r.products[p.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicate, p.ID)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	stored := p
	r.products[p.ID] = &stored
	return nil
}

func (r *Registry) Update(p Product) error {
	if _, ok := r.products[p.ID]; !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, p.ID)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	stored := p
	r.products[p.ID] = &stored
	return nil
}

// Get returns a copy so callers cannot mutate registry state.
func (r *Registry) Get(id uint16) (Product, error) {
	p, ok := r.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return *p, nil
}

// All returns every registered product, for snapshots and the query API.
func (r *Registry) All() []Product {
	out := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, *p)
	}
	return out
}
