package fixed

import (
	"math/big"
	"sync"
)

// Scale factors for the protocol's fixed-point representations.
// Prices carry 8 decimals (oracle convention), base-asset amounts carry 6
// (USDC convention), leverage carries 8. Basis-point parameters (fees,
// interest, thresholds, bounty, drawdown) divide by 10_000.
const (
	PriceDecimals    = 8
	UnitDecimals     = 6
	LeverageDecimals = 8

	PriceScale    int64 = 100_000_000
	UnitScale     int64 = 1_000_000
	LeverageScale int64 = 100_000_000
	BpsDivisor    int64 = 10_000
)

// RoundingMode selects how division results are rounded.
type RoundingMode int

const (
	// RoundDown truncates toward zero (integer-division semantics).
	RoundDown RoundingMode = iota
	// RoundHalfUp rounds a remainder of exactly half away from zero.
	RoundHalfUp
)

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Mul128 performs a * b in 128-bit space to prevent overflow.
// The caller must release the result with putBig via Div128.
func Mul128(a, b int64) *big.Int {
	result := getBig()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Div128 divides numerator by denominator with the given rounding mode and
// releases numerator back to the pool. Truncation is toward zero; half-up
// rounds away from zero so long and short fee paths stay symmetric.
func Div128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getBig()
	remainder := getBig()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()

	if mode == RoundHalfUp && remainder.Sign() != 0 {
		rem2 := remainder.Abs(remainder)
		rem2.Mul(rem2, big.NewInt(2))
		denomAbs := denom.Abs(denom)
		if rem2.Cmp(denomAbs) >= 0 {
			if (numerator.Sign() < 0) != (denominator < 0) {
				result--
			} else {
				result++
			}
		}
	}

	putBig(numerator)
	putBig(quotient)
	putBig(remainder)

	return result
}

// PriceWithFee adjusts a raw oracle price by the product fee spread.
// Longs pay above the oracle price, shorts receive below it. The result is
// rounded half-up: price=50000, fee=50bps gives 50250 long and 49750 short.
func PriceWithFee(price, feeBps int64, isLong bool) int64 {
	factor := BpsDivisor + feeBps
	if !isLong {
		factor = BpsDivisor - feeBps
	}
	num := Mul128(price, factor)
	return Div128(num, BpsDivisor, RoundHalfUp)
}

// LiquidationPrice derives the mark price at which a position's margin hits
// the liquidation threshold. The offset from entry is truncated toward zero:
// entry=50250, threshold=8000bps, leverage=50x gives 49446 long.
func LiquidationPrice(entry, thresholdBps, leverage int64, isLong bool) int64 {
	num := Mul128(entry, thresholdBps)
	num.Mul(num, big.NewInt(LeverageScale))
	offset := Div128(num, BpsDivisor*leverage, RoundDown)
	if isLong {
		return entry - offset
	}
	return entry + offset
}

// OpenInterest returns the notional exposure margin*leverage in base units.
// margin=100.000000, leverage=50.00000000 gives 5000.000000.
func OpenInterest(margin, leverage int64) int64 {
	num := Mul128(margin, leverage)
	return Div128(num, LeverageScale, RoundDown)
}

// PnL computes realized profit (positive) or loss (negative) in base units
// for closing the given margin slice at exit against the stored entry price.
// Truncates toward zero so the vault never pays fractional dust.
func PnL(entry, exit, margin, leverage int64, isLong bool) int64 {
	notional := OpenInterest(margin, leverage)
	diff := exit - entry
	if !isLong {
		diff = -diff
	}
	num := Mul128(notional, diff)
	return Div128(num, entry, RoundDown)
}

// interestYearSeconds is the annualization denominator for funding interest.
// The protocol charges against a 360-day year.
const interestYearSeconds int64 = 360 * 24 * 3600

// Interest returns the funding interest owed on a notional held for
// elapsedSeconds at an annualized rate in bps. Truncating division.
func Interest(notional, interestBps, elapsedSeconds int64) int64 {
	if elapsedSeconds <= 0 || interestBps <= 0 {
		return 0
	}
	num := Mul128(notional, interestBps)
	num.Mul(num, big.NewInt(elapsedSeconds))
	return Div128(num, BpsDivisor*interestYearSeconds, RoundDown)
}

// ScaleLeverage converts a whole-number leverage multiple to its fixed-point
// representation, e.g. 50 -> 50_00000000.
func ScaleLeverage(x int64) int64 {
	return x * LeverageScale
}

// ScaleUnits converts a whole base-asset amount to base units, e.g. 100 USDC
// -> 100_000000.
func ScaleUnits(x int64) int64 {
	return x * UnitScale
}
