package event

import "fmt"

type ProductAdded struct {
	ProductID   uint16 `json:"product_id"`
	Feed        string `json:"feed"`
	MaxLeverage int64  `json:"max_leverage"`
	FeeBps      int64  `json:"fee_bps"`
}

func (e *ProductAdded) Key() string { return fmt.Sprintf("product:%d", e.ProductID) }
func (e *ProductAdded) Type() Type  { return TypeProductAdded }

type ProductUpdated struct {
	ProductID   uint16 `json:"product_id"`
	Feed        string `json:"feed"`
	MaxLeverage int64  `json:"max_leverage"`
	FeeBps      int64  `json:"fee_bps"`
	Active      bool   `json:"active"`
}

func (e *ProductUpdated) Key() string { return fmt.Sprintf("product:%d", e.ProductID) }
func (e *ProductUpdated) Type() Type  { return TypeProductUpdated }
