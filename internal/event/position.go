package event

import (
	"fmt"

	"github.com/google/uuid"
)

// PositionOpened is emitted when an order executes against the vault.
// Price carries the fee adjustment already applied.
type PositionOpened struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	VaultID    uint8     `json:"vault_id"`
	ProductID  uint16    `json:"product_id"`
	IsLong     bool      `json:"is_long"`
	Price      int64     `json:"price"`
	Margin     int64     `json:"margin"`
	Leverage   int64     `json:"leverage"`
	Settling   bool      `json:"settling"`
}

func (e *PositionOpened) Key() string { return fmt.Sprintf("position:%d", e.PositionID) }
func (e *PositionOpened) Type() Type  { return TypePositionOpened }

// PositionSettled is emitted when a delayed-settlement position gets
// its final entry price confirmed.
type PositionSettled struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	VaultID    uint8     `json:"vault_id"`
	ProductID  uint16    `json:"product_id"`
	Price      int64     `json:"price"`
}

func (e *PositionSettled) Key() string { return fmt.Sprintf("position:%d", e.PositionID) }
func (e *PositionSettled) Type() Type  { return TypePositionSettled }

type MarginAdded struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	Margin     int64     `json:"margin"`
	Leverage   int64     `json:"leverage"`
}

func (e *MarginAdded) Key() string { return fmt.Sprintf("position:%d", e.PositionID) }
func (e *MarginAdded) Type() Type  { return TypeMarginAdded }

// PositionClosed covers both partial and full closes. PnL is signed
// and net of interest.
type PositionClosed struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	VaultID    uint8     `json:"vault_id"`
	ProductID  uint16    `json:"product_id"`
	Price      int64     `json:"price"`
	Margin     int64     `json:"margin"`
	PnL        int64     `json:"pnl"`
	Interest   int64     `json:"interest"`
	FullClose  bool      `json:"full_close"`
}

func (e *PositionClosed) Key() string { return fmt.Sprintf("position:%d", e.PositionID) }
func (e *PositionClosed) Type() Type  { return TypePositionClosed }

type PositionLiquidated struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	VaultID    uint8     `json:"vault_id"`
	ProductID  uint16    `json:"product_id"`
	Price      int64     `json:"price"`
	Margin     int64     `json:"margin"`
	Bounty     int64     `json:"bounty"`
	Liquidator uuid.UUID `json:"liquidator"`
}

func (e *PositionLiquidated) Key() string { return fmt.Sprintf("position:%d", e.PositionID) }
func (e *PositionLiquidated) Type() Type  { return TypePositionLiquidated }

// OrderCancelled is emitted when a pending settlement order is
// unwound, either by its owner or by the expiry sweep.
type OrderCancelled struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	VaultID    uint8     `json:"vault_id"`
	Margin     int64     `json:"margin"`
	Expired    bool      `json:"expired"`
}

func (e *OrderCancelled) Key() string { return fmt.Sprintf("position:%d", e.PositionID) }
func (e *OrderCancelled) Type() Type  { return TypeOrderCancelled }

// MarginReleased is the operator escape hatch returning locked margin
// to a trader outside the close path.
type MarginReleased struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	Margin     int64     `json:"margin"`
}

func (e *MarginReleased) Key() string { return fmt.Sprintf("position:%d", e.PositionID) }
func (e *MarginReleased) Type() Type  { return TypeMarginReleased }
