package trading

import "errors"

var (
	ErrUnauthorized             = errors.New("trading: caller does not own position")
	ErrLeverageTooHigh          = errors.New("trading: leverage above product maximum")
	ErrInvalidMargin            = errors.New("trading: invalid margin")
	ErrInvalidOrder             = errors.New("trading: invalid order")
	ErrPositionNotFound         = errors.New("trading: position not found")
	ErrInsufficientPositionSize = errors.New("trading: close size exceeds position")
	ErrNotLiquidatable          = errors.New("trading: liquidation price not reached")
	ErrMinTradeDuration         = errors.New("trading: position held below minimum duration")
	ErrSettling                 = errors.New("trading: position awaiting settlement")
	ErrNotSettling              = errors.New("trading: position is not awaiting settlement")
)
