package event

import (
	"fmt"

	"github.com/google/uuid"
)

type VaultStaked struct {
	VaultID uint8     `json:"vault_id"`
	Owner   uuid.UUID `json:"owner"`
	Amount  int64     `json:"amount"`
}

func (e *VaultStaked) Key() string { return fmt.Sprintf("vault:%d", e.VaultID) }
func (e *VaultStaked) Type() Type  { return TypeVaultStaked }

type VaultUnstaked struct {
	VaultID uint8     `json:"vault_id"`
	Owner   uuid.UUID `json:"owner"`
	Amount  int64     `json:"amount"`
	Payout  int64     `json:"payout"`
}

func (e *VaultUnstaked) Key() string { return fmt.Sprintf("vault:%d", e.VaultID) }
func (e *VaultUnstaked) Type() Type  { return TypeVaultUnstaked }

type VaultAdded struct {
	VaultID uint8  `json:"vault_id"`
	Base    string `json:"base"`
	Cap     int64  `json:"cap"`
}

func (e *VaultAdded) Key() string { return fmt.Sprintf("vault:%d", e.VaultID) }
func (e *VaultAdded) Type() Type  { return TypeVaultAdded }

type VaultUpdated struct {
	VaultID uint8 `json:"vault_id"`
	Cap     int64 `json:"cap"`
	Active  bool  `json:"active"`
}

func (e *VaultUpdated) Key() string { return fmt.Sprintf("vault:%d", e.VaultID) }
func (e *VaultUpdated) Type() Type  { return TypeVaultUpdated }

// DrawdownBreached is emitted once per rejection while a vault's daily
// loss breaker is tripped.
type DrawdownBreached struct {
	VaultID uint8 `json:"vault_id"`
	Balance int64 `json:"balance"`
	Floor   int64 `json:"floor"`
}

func (e *DrawdownBreached) Key() string { return fmt.Sprintf("vault:%d", e.VaultID) }
func (e *DrawdownBreached) Type() Type  { return TypeDrawdownBreached }
