package product_test

import (
	"errors"
	"testing"
	"time"

	"perpvault/internal/fixed"
	"perpvault/internal/product"
)

func validProduct(id uint16) product.Product {
	return product.Product{
		ID:                      id,
		MaxLeverage:             fixed.ScaleLeverage(50),
		FeeBps:                  50,
		InterestBps:             500,
		Feed:                    "BTC-USD",
		SettlementTime:          time.Minute,
		MinTradeDuration:        0,
		LiquidationThresholdBps: 8000,
		LiquidationBountyBps:    500,
		Active:                  true,
	}
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := product.NewRegistry()
	if err := r.Add(validProduct(1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	p, err := r.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.FeeBps != 50 || p.MaxLeverage != fixed.ScaleLeverage(50) {
		t.Errorf("stored product mismatch: %+v", p)
	}
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := product.NewRegistry()
	if err := r.Add(validProduct(1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := r.Add(validProduct(1))
	if !errors.Is(err, product.ErrDuplicate) {
		t.Errorf("got %v, want ErrDuplicate", err)
	}
}

func TestRegistry_AddInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*product.Product)
	}{
		{"zero leverage", func(p *product.Product) { p.MaxLeverage = 0 }},
		{"negative leverage", func(p *product.Product) { p.MaxLeverage = -1 }},
		{"fee above 10000", func(p *product.Product) { p.FeeBps = 10001 }},
		{"negative interest", func(p *product.Product) { p.InterestBps = -1 }},
		{"threshold above 10000", func(p *product.Product) { p.LiquidationThresholdBps = 12000 }},
		{"empty feed", func(p *product.Product) { p.Feed = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := product.NewRegistry()
			p := validProduct(1)
			c.mutate(&p)
			if err := r.Add(p); !errors.Is(err, product.ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestRegistry_UpdateMissing(t *testing.T) {
	r := product.NewRegistry()
	if err := r.Update(validProduct(9)); !errors.Is(err, product.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := product.NewRegistry()
	if _, err := r.Get(7); !errors.Is(err, product.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := product.NewRegistry()
	if err := r.Add(validProduct(1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	p, _ := r.Get(1)
	p.FeeBps = 9999

	again, _ := r.Get(1)
	if again.FeeBps != 50 {
		t.Errorf("registry state mutated through returned copy")
	}
}

func TestRegistry_UpdateReplacesConfig(t *testing.T) {
	r := product.NewRegistry()
	if err := r.Add(validProduct(1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	p := validProduct(1)
	p.FeeBps = 30
	if err := r.Update(p); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := r.Get(1)
	if got.FeeBps != 30 {
		t.Errorf("fee after update: got %d, want 30", got.FeeBps)
	}
}
