package oracle

import (
	"errors"
	"testing"
	"time"
)

func TestStore_LatestQuote(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.SetPrice("BTC-USD", 50_000_00000000, now.Add(-time.Second))

	price, at, err := s.Price("BTC-USD")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 50_000_00000000 {
		t.Errorf("price: got %d", price)
	}
	if at.IsZero() {
		t.Error("timestamp not recorded")
	}
}

func TestStore_NoPrice(t *testing.T) {
	s := NewStore(time.Minute)
	if _, _, err := s.Price("ETH-USD"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
}

func TestStore_Stale(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.SetPrice("BTC-USD", 100, now.Add(-2*time.Minute))
	if _, _, err := s.Price("BTC-USD"); !errors.Is(err, ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestStore_DropsOutOfOrder(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.SetPrice("BTC-USD", 200, now)
	s.SetPrice("BTC-USD", 100, now.Add(-time.Second))

	price, _, err := s.Price("BTC-USD")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 200 {
		t.Errorf("out-of-order update overwrote newer quote: got %d", price)
	}
}

func TestParseUpdate(t *testing.T) {
	raw := []byte(`{"feed":"BTC-USD","price":"50000.5","timestamp":"2024-03-01T12:00:00Z"}`)
	u, err := parseUpdate(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Feed != "BTC-USD" || u.Price != "50000.5" {
		t.Errorf("unexpected update: %+v", u)
	}

	if _, err := parseUpdate([]byte(`{"price":"1"}`)); err == nil {
		t.Error("missing feed should fail")
	}
}

func TestScalePrice(t *testing.T) {
	got, err := scalePrice("50000.5")
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if want := int64(50_000_50000000); got != want {
		t.Errorf("got %d, want %d", got, want)
	}

	if _, err := scalePrice("0"); err == nil {
		t.Error("zero price should fail")
	}
	if _, err := scalePrice("1.123456789"); err == nil {
		t.Error("excess precision should fail")
	}
}

func TestFixture(t *testing.T) {
	f := &Fixture{Prices: map[string]int64{"BTC-USD": 42}}
	price, _, err := f.Price("BTC-USD")
	if err != nil || price != 42 {
		t.Errorf("got %d, %v", price, err)
	}
	if _, _, err := f.Price("ETH-USD"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
	f.Err = ErrStalePrice
	if _, _, err := f.Price("BTC-USD"); !errors.Is(err, ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}
