package trading

import (
	"time"

	"github.com/google/uuid"

	"perpvault/internal/fixed"
)

// Position is one leveraged exposure against a vault. Margin and
// leverage use the unit and leverage scales; prices carry 8 decimals.
type Position struct {
	ID        uint64
	Owner     uuid.UUID
	VaultID   uint8
	ProductID uint16
	IsLong    bool

	// Entry price with the product fee already applied
	Price            int64
	Margin           int64
	Leverage         int64
	LiquidationPrice int64

	OpenedAt time.Time

	// Settling positions hold a provisional price until the product's
	// settlement window passes and a keeper confirms the final entry.
	Settling bool
	SettleAt time.Time
}

// Notional returns margin*leverage in unit scale, truncated.
func (p *Position) Notional() int64 {
	return fixed.OpenInterest(p.Margin, p.Leverage)
}

// Liquidatable reports whether price has crossed the liquidation
// threshold. Settling positions cannot be liquidated.
func (p *Position) Liquidatable(price int64) bool {
	if p.Settling {
		return false
	}
	if p.IsLong {
		return price <= p.LiquidationPrice
	}
	return price >= p.LiquidationPrice
}

func (p *Position) reprice(price int64, thresholdBps int64) {
	p.Price = price
	p.LiquidationPrice = fixed.LiquidationPrice(price, thresholdBps, p.Leverage, p.IsLong)
}
