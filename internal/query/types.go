package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/fixed"
	"perpvault/internal/product"
	"perpvault/internal/trading"
	"perpvault/internal/vault"
)

// Monetary and leverage fields cross the wire as decimal strings. The
// engine's scaled integers never leak into JSON, so clients cannot
// misread the scale.

// OrderRequest is the body for POST /v1/orders. CloseID zero opens a
// new position; nonzero targets an existing one the way the engine's
// order dispatch does.
type OrderRequest struct {
	Owner     uuid.UUID `json:"owner"`
	VaultID   uint8     `json:"vault_id"`
	ProductID uint16    `json:"product_id"`
	IsLong    bool      `json:"is_long"`
	CloseID   uint64    `json:"close_id,omitempty"`
	Margin    string    `json:"margin"`
	Leverage  string    `json:"leverage,omitempty"`
	FullClose bool      `json:"full_close,omitempty"`
}

func (r *OrderRequest) toOrder() (trading.Order, error) {
	margin, err := fixed.ParseUnits(r.Margin)
	if err != nil {
		return trading.Order{}, err
	}
	var leverage int64
	if r.Leverage != "" {
		leverage, err = fixed.ParseLeverage(r.Leverage)
		if err != nil {
			return trading.Order{}, err
		}
	}
	return trading.Order{
		Owner:     r.Owner,
		VaultID:   r.VaultID,
		ProductID: r.ProductID,
		IsLong:    r.IsLong,
		CloseID:   r.CloseID,
		Margin:    margin,
		Leverage:  leverage,
		FullClose: r.FullClose,
	}, nil
}

// OrderResponse acknowledges an accepted order.
type OrderResponse struct {
	PositionID uint64 `json:"position_id"`
}

// CloseRequest is the body for POST /v1/positions/{id}/close.
type CloseRequest struct {
	Owner     uuid.UUID `json:"owner"`
	Margin    string    `json:"margin,omitempty"`
	FullClose bool      `json:"full_close,omitempty"`
}

// PayoutResponse reports the collateral credited by a close, an
// unstake, or a liquidation bounty.
type PayoutResponse struct {
	PositionID uint64 `json:"position_id,omitempty"`
	Payout     string `json:"payout"`
}

// MarginRequest is the body for POST /v1/positions/{id}/margin.
type MarginRequest struct {
	Owner  uuid.UUID `json:"owner"`
	Amount string    `json:"amount"`
}

// OwnerRequest carries just the acting account, for cancel and
// liquidate calls.
type OwnerRequest struct {
	Owner uuid.UUID `json:"owner"`
}

// PositionResponse is the public view of one position.
type PositionResponse struct {
	ID               uint64    `json:"id"`
	Owner            uuid.UUID `json:"owner"`
	VaultID          uint8     `json:"vault_id"`
	ProductID        uint16    `json:"product_id"`
	IsLong           bool      `json:"is_long"`
	Price            string    `json:"price"`
	Margin           string    `json:"margin"`
	Leverage         string    `json:"leverage"`
	LiquidationPrice string    `json:"liquidation_price"`
	Notional         string    `json:"notional"`
	OpenedAt         time.Time `json:"opened_at"`
	Settling         bool      `json:"settling"`
	SettleAt         time.Time `json:"settle_at,omitempty"`
}

func positionResponse(p trading.Position) PositionResponse {
	resp := PositionResponse{
		ID:               p.ID,
		Owner:            p.Owner,
		VaultID:          p.VaultID,
		ProductID:        p.ProductID,
		IsLong:           p.IsLong,
		Price:            fixed.FormatPrice(p.Price),
		Margin:           fixed.FormatUnits(p.Margin),
		Leverage:         fixed.FormatLeverage(p.Leverage),
		LiquidationPrice: fixed.FormatPrice(p.LiquidationPrice),
		Notional:         fixed.FormatUnits(p.Notional()),
		OpenedAt:         p.OpenedAt,
		Settling:         p.Settling,
	}
	if p.Settling {
		resp.SettleAt = p.SettleAt
	}
	return resp
}

// TransferRequest is the body for deposits and withdrawals.
type TransferRequest struct {
	Owner  uuid.UUID `json:"owner"`
	Asset  string    `json:"asset"`
	Amount string    `json:"amount"`
}

// BalanceResponse reports one account balance.
type BalanceResponse struct {
	Owner   uuid.UUID `json:"owner"`
	Asset   string    `json:"asset"`
	Balance string    `json:"balance"`
}

// StakeRequest is the body for vault stake and unstake calls.
type StakeRequest struct {
	Owner  uuid.UUID `json:"owner"`
	Amount string    `json:"amount"`
}

// VaultRequest is the admin body for creating or updating a vault.
// Caller must be the configured admin account. Durations are whole
// seconds.
type VaultRequest struct {
	Caller uuid.UUID `json:"caller"`

	ID               uint8  `json:"id"`
	Base             string `json:"base"`
	Cap              string `json:"cap"`
	MaxOpenInterest  string `json:"max_open_interest"`
	MaxDailyDrawdown int64  `json:"max_daily_drawdown_bps"`
	StakingPeriod    int64  `json:"staking_period_seconds"`
	RedemptionPeriod int64  `json:"redemption_period_seconds"`
	Active           bool   `json:"active"`
}

func (r *VaultRequest) toVault() (vault.Vault, error) {
	cap, err := fixed.ParseUnits(r.Cap)
	if err != nil {
		return vault.Vault{}, err
	}
	maxOI, err := fixed.ParseUnits(r.MaxOpenInterest)
	if err != nil {
		return vault.Vault{}, err
	}
	return vault.Vault{
		ID:               r.ID,
		Base:             r.Base,
		Cap:              cap,
		MaxOpenInterest:  maxOI,
		MaxDailyDrawdown: r.MaxDailyDrawdown,
		StakingPeriod:    time.Duration(r.StakingPeriod) * time.Second,
		RedemptionPeriod: time.Duration(r.RedemptionPeriod) * time.Second,
		Active:           r.Active,
	}, nil
}

// VaultResponse is the public view of one vault.
type VaultResponse struct {
	ID               uint8  `json:"id"`
	Base             string `json:"base"`
	Cap              string `json:"cap"`
	MaxOpenInterest  string `json:"max_open_interest"`
	MaxDailyDrawdown int64  `json:"max_daily_drawdown_bps"`
	Balance          string `json:"balance"`
	HeldMargin       string `json:"held_margin"`
	Equity           string `json:"equity"`
	OpenInterest     string `json:"open_interest"`
	TotalStaked      string `json:"total_staked"`
	StakingPeriod    int64  `json:"staking_period_seconds"`
	RedemptionPeriod int64  `json:"redemption_period_seconds"`
	Active           bool   `json:"active"`
}

func vaultResponse(v vault.Vault) VaultResponse {
	return VaultResponse{
		ID:               v.ID,
		Base:             v.Base,
		Cap:              fixed.FormatUnits(v.Cap),
		MaxOpenInterest:  fixed.FormatUnits(v.MaxOpenInterest),
		MaxDailyDrawdown: v.MaxDailyDrawdown,
		Balance:          fixed.FormatUnits(v.Balance),
		HeldMargin:       fixed.FormatUnits(v.HeldMargin),
		Equity:           fixed.FormatUnits(v.Equity()),
		OpenInterest:     fixed.FormatUnits(v.OpenInterest),
		TotalStaked:      fixed.FormatUnits(v.TotalStaked),
		StakingPeriod:    int64(v.StakingPeriod / time.Second),
		RedemptionPeriod: int64(v.RedemptionPeriod / time.Second),
		Active:           v.Active,
	}
}

// ProductRequest is the admin body for creating or updating a product.
// Caller must be the configured admin account.
type ProductRequest struct {
	Caller uuid.UUID `json:"caller"`

	ID                      uint16 `json:"id"`
	MaxLeverage             string `json:"max_leverage"`
	FeeBps                  int64  `json:"fee_bps"`
	InterestBps             int64  `json:"interest_bps"`
	Feed                    string `json:"feed"`
	SettlementTime          int64  `json:"settlement_time_seconds"`
	MinTradeDuration        int64  `json:"min_trade_duration_seconds"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	LiquidationBountyBps    int64  `json:"liquidation_bounty_bps"`
	Active                  bool   `json:"active"`
}

func (r *ProductRequest) toProduct() (product.Product, error) {
	maxLev, err := fixed.ParseLeverage(r.MaxLeverage)
	if err != nil {
		return product.Product{}, err
	}
	return product.Product{
		ID:                      r.ID,
		MaxLeverage:             maxLev,
		FeeBps:                  r.FeeBps,
		InterestBps:             r.InterestBps,
		Feed:                    r.Feed,
		SettlementTime:          time.Duration(r.SettlementTime) * time.Second,
		MinTradeDuration:        time.Duration(r.MinTradeDuration) * time.Second,
		LiquidationThresholdBps: r.LiquidationThresholdBps,
		LiquidationBountyBps:    r.LiquidationBountyBps,
		Active:                  r.Active,
	}, nil
}

// ProductResponse is the public view of one product.
type ProductResponse struct {
	ID                      uint16 `json:"id"`
	MaxLeverage             string `json:"max_leverage"`
	FeeBps                  int64  `json:"fee_bps"`
	InterestBps             int64  `json:"interest_bps"`
	Feed                    string `json:"feed"`
	SettlementTime          int64  `json:"settlement_time_seconds"`
	MinTradeDuration        int64  `json:"min_trade_duration_seconds"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	LiquidationBountyBps    int64  `json:"liquidation_bounty_bps"`
	Active                  bool   `json:"active"`
}

func productResponse(p product.Product) ProductResponse {
	return ProductResponse{
		ID:                      p.ID,
		MaxLeverage:             fixed.FormatLeverage(p.MaxLeverage),
		FeeBps:                  p.FeeBps,
		InterestBps:             p.InterestBps,
		Feed:                    p.Feed,
		SettlementTime:          int64(p.SettlementTime / time.Second),
		MinTradeDuration:        int64(p.MinTradeDuration / time.Second),
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidationBountyBps:    p.LiquidationBountyBps,
		Active:                  p.Active,
	}
}

// SettlementsResponse lists pending orders and the subset already due.
type SettlementsResponse struct {
	Pending []uint64 `json:"pending"`
	Due     []uint64 `json:"due"`
}

// SettleRequest is the body for POST /v1/settlements. An empty ID list
// settles everything that is due.
type SettleRequest struct {
	PositionIDs []uint64 `json:"position_ids,omitempty"`
}

// SettleResponse reports which positions the sweep attempted.
type SettleResponse struct {
	Settled []uint64 `json:"settled"`
}

// EventResponse is one row from the durable event log. Payload is the
// stored JSON document, passed through untouched.
type EventResponse struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
