package oracle

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNoPrice    = errors.New("oracle: no price for feed")
	ErrStalePrice = errors.New("oracle: price too old")
)

// DefaultMaxAge bounds how old a quote may be before trading against it
// is refused.
const DefaultMaxAge = 5 * time.Minute

// PriceOracle supplies the mark price for a product feed. Prices carry
// 8 decimals of fixed-point precision.
type PriceOracle interface {
	Price(feed string) (price int64, at time.Time, err error)
}

type quote struct {
	price int64
	at    time.Time
}

// Store is the in-memory latest-quote cache backing the engine. It is
// written by the feed subscriber goroutine and read under the engine
// lock, so it carries its own mutex.
type Store struct {
	mu     sync.RWMutex
	maxAge time.Duration
	quotes map[string]quote
	now    func() time.Time
}

func NewStore(maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{
		maxAge: maxAge,
		quotes: make(map[string]quote),
		now:    time.Now,
	}
}

// SetPrice records a quote. Out-of-order updates older than the stored
// quote are dropped.
func (s *Store) SetPrice(feed string, price int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.quotes[feed]; ok && at.Before(prev.at) {
		return
	}
	s.quotes[feed] = quote{price: price, at: at}
}

// Price returns the latest quote for a feed, or ErrStalePrice when the
// quote is older than the configured window.
func (s *Store) Price(feed string) (int64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[feed]
	if !ok {
		return 0, time.Time{}, ErrNoPrice
	}
	if s.now().Sub(q.at) > s.maxAge {
		return 0, q.at, ErrStalePrice
	}
	return q.price, q.at, nil
}

// Fixture is a deterministic oracle for tests. A zero price for a feed
// reports ErrNoPrice; Err, when set, overrides every lookup.
type Fixture struct {
	Prices map[string]int64
	At     time.Time
	Err    error
}

func (f *Fixture) Price(feed string) (int64, time.Time, error) {
	if f.Err != nil {
		return 0, time.Time{}, f.Err
	}
	p, ok := f.Prices[feed]
	if !ok || p == 0 {
		return 0, time.Time{}, ErrNoPrice
	}
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	return p, at, nil
}
