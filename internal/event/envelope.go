package event

import (
	"time"
)

// Type discriminates event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypePositionOpened
	TypePositionSettled
	TypeMarginAdded
	TypePositionClosed
	TypePositionLiquidated
	TypeOrderCancelled
	TypeMarginReleased
	TypeVaultStaked
	TypeVaultUnstaked
	TypeVaultAdded
	TypeVaultUpdated
	TypeProductAdded
	TypeProductUpdated
	TypeDrawdownBreached
)

// Envelope wraps every event emitted by the engine.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	Type Type

	// Stable key for dedup and subject routing
	Key string

	// Engine clock at emission (not NATS delivery time)
	Timestamp time.Time

	Payload Event
}

// Event is implemented by all payload types.
type Event interface {
	// Key returns the stable dedup and routing key
	Key() string

	Type() Type
}

func (t Type) String() string {
	switch t {
	case TypePositionOpened:
		return "PositionOpened"
	case TypePositionSettled:
		return "PositionSettled"
	case TypeMarginAdded:
		return "MarginAdded"
	case TypePositionClosed:
		return "PositionClosed"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	case TypeOrderCancelled:
		return "OrderCancelled"
	case TypeMarginReleased:
		return "MarginReleased"
	case TypeVaultStaked:
		return "VaultStaked"
	case TypeVaultUnstaked:
		return "VaultUnstaked"
	case TypeVaultAdded:
		return "VaultAdded"
	case TypeVaultUpdated:
		return "VaultUpdated"
	case TypeProductAdded:
		return "ProductAdded"
	case TypeProductUpdated:
		return "ProductUpdated"
	case TypeDrawdownBreached:
		return "DrawdownBreached"
	default:
		return "Unknown"
	}
}
