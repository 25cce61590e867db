package fixed_test

import (
	"testing"

	"perpvault/internal/fixed"
)

// ============================================================================
// Test: PriceWithFee
// ============================================================================

func TestPriceWithFee_LongAddsSpread(t *testing.T) {
	// price=50000, fee=50bps -> 50250 (hand-computed pin)
	got := fixed.PriceWithFee(50000, 50, true)
	if got != 50250 {
		t.Errorf("long price with fee: got %d, want 50250", got)
	}
}

func TestPriceWithFee_ShortSubtractsSpread(t *testing.T) {
	got := fixed.PriceWithFee(50000, 50, false)
	if got != 49750 {
		t.Errorf("short price with fee: got %d, want 49750", got)
	}
}

func TestPriceWithFee_ScaledPrice(t *testing.T) {
	// Same pin at full price scale: 50000e8 * 1.005 = 50250e8 exactly.
	got := fixed.PriceWithFee(50000*fixed.PriceScale, 50, true)
	if got != 50250*fixed.PriceScale {
		t.Errorf("scaled long price with fee: got %d, want %d", got, 50250*fixed.PriceScale)
	}
}

func TestPriceWithFee_RoundsHalfUp(t *testing.T) {
	// 1001 * 10050 / 10000 = 1006.005 -> 1006; 999 * 10050 / 10000 = 1003.9950 -> 1004
	cases := []struct {
		price  int64
		isLong bool
		want   int64
	}{
		{1001, true, 1006},
		{999, true, 1004},
		{1000, true, 1005},
		{999, false, 994},  // 999*0.995 = 994.005 -> 994
		{1001, false, 996}, // 1001*0.995 = 995.995 -> 996
	}
	for _, c := range cases {
		got := fixed.PriceWithFee(c.price, 50, c.isLong)
		if got != c.want {
			t.Errorf("PriceWithFee(%d, 50, %v): got %d, want %d", c.price, c.isLong, got, c.want)
		}
	}
}

func TestPriceWithFee_ZeroFeeIsIdentity(t *testing.T) {
	for _, isLong := range []bool{true, false} {
		got := fixed.PriceWithFee(123456789, 0, isLong)
		if got != 123456789 {
			t.Errorf("zero fee should not move price, got %d", got)
		}
	}
}

// ============================================================================
// Test: LiquidationPrice
// ============================================================================

func TestLiquidationPrice_LongPin(t *testing.T) {
	// entry=50250, threshold=8000bps, leverage=50x
	// 50250 - 50250*0.8/50 = 50250 - 804 = 49446
	got := fixed.LiquidationPrice(50250, 8000, fixed.ScaleLeverage(50), true)
	if got != 49446 {
		t.Errorf("long liquidation price: got %d, want 49446", got)
	}
}

func TestLiquidationPrice_ShortPin(t *testing.T) {
	got := fixed.LiquidationPrice(50250, 8000, fixed.ScaleLeverage(50), false)
	if got != 51054 {
		t.Errorf("short liquidation price: got %d, want 51054", got)
	}
}

func TestLiquidationPrice_Truncates(t *testing.T) {
	// 1003 * 8000 / 10000 / 3 = 267.466... -> 267
	got := fixed.LiquidationPrice(1003, 8000, fixed.ScaleLeverage(3), true)
	if got != 1003-267 {
		t.Errorf("got %d, want %d", got, 1003-267)
	}
}

func TestLiquidationPrice_HigherLeverageTightens(t *testing.T) {
	entry := int64(50250)
	prev := fixed.LiquidationPrice(entry, 8000, fixed.ScaleLeverage(2), true)
	for _, lev := range []int64{5, 10, 20, 50, 100} {
		lp := fixed.LiquidationPrice(entry, 8000, fixed.ScaleLeverage(lev), true)
		if lp <= prev {
			t.Fatalf("leverage %dx: liquidation price %d should move closer to entry than %d", lev, lp, prev)
		}
		if lp >= entry {
			t.Fatalf("leverage %dx: long liquidation price %d must stay below entry %d", lev, lp, entry)
		}
		prev = lp
	}
}

// ============================================================================
// Test: OpenInterest
// ============================================================================

func TestOpenInterest_Pin(t *testing.T) {
	// margin=100 USDC, leverage=50x -> 5000 USDC notional
	got := fixed.OpenInterest(fixed.ScaleUnits(100), fixed.ScaleLeverage(50))
	if got != fixed.ScaleUnits(5000) {
		t.Errorf("open interest: got %d, want %d", got, fixed.ScaleUnits(5000))
	}
}

func TestOpenInterest_FractionalLeverage(t *testing.T) {
	// 100 USDC at 2.5x -> 250 USDC
	got := fixed.OpenInterest(fixed.ScaleUnits(100), 2_50000000)
	if got != fixed.ScaleUnits(250) {
		t.Errorf("got %d, want %d", got, fixed.ScaleUnits(250))
	}
}

// ============================================================================
// Test: PnL
// ============================================================================

func TestPnL_LongProfit(t *testing.T) {
	// 100 USDC at 10x, entry 50000, exit 55000: notional=1000, +10% -> +100
	got := fixed.PnL(50000, 55000, fixed.ScaleUnits(100), fixed.ScaleLeverage(10), true)
	if got != fixed.ScaleUnits(100) {
		t.Errorf("long profit: got %d, want %d", got, fixed.ScaleUnits(100))
	}
}

func TestPnL_LongLoss(t *testing.T) {
	got := fixed.PnL(50000, 45000, fixed.ScaleUnits(100), fixed.ScaleLeverage(10), true)
	if got != -fixed.ScaleUnits(100) {
		t.Errorf("long loss: got %d, want %d", got, -fixed.ScaleUnits(100))
	}
}

func TestPnL_ShortMirrorsLong(t *testing.T) {
	long := fixed.PnL(50000, 48000, fixed.ScaleUnits(50), fixed.ScaleLeverage(20), true)
	short := fixed.PnL(50000, 48000, fixed.ScaleUnits(50), fixed.ScaleLeverage(20), false)
	if long != -short {
		t.Errorf("short PnL %d should mirror long PnL %d", short, long)
	}
}

func TestPnL_TruncatesTowardZero(t *testing.T) {
	// notional=100 (base units 100_000000), diff=1, entry=30000:
	// 100_000000/30000 = 3333.33 -> 3333 both directions.
	gain := fixed.PnL(30000, 30001, fixed.ScaleUnits(10), fixed.ScaleLeverage(10), true)
	if gain != 3333 {
		t.Errorf("gain: got %d, want 3333", gain)
	}
	loss := fixed.PnL(30000, 29999, fixed.ScaleUnits(10), fixed.ScaleLeverage(10), true)
	if loss != -3333 {
		t.Errorf("loss: got %d, want -3333", loss)
	}
}

// ============================================================================
// Test: Interest
// ============================================================================

func TestInterest_OneYear(t *testing.T) {
	// 1000 USDC notional at 500bps for a full 360-day year -> 50 USDC
	got := fixed.Interest(fixed.ScaleUnits(1000), 500, 360*24*3600)
	if got != fixed.ScaleUnits(50) {
		t.Errorf("interest: got %d, want %d", got, fixed.ScaleUnits(50))
	}
}

func TestInterest_ZeroForInstantClose(t *testing.T) {
	if got := fixed.Interest(fixed.ScaleUnits(1000), 500, 0); got != 0 {
		t.Errorf("zero elapsed should accrue nothing, got %d", got)
	}
}

// ============================================================================
// Test: decimal rendering
// ============================================================================

func TestFormatUnits(t *testing.T) {
	if got := fixed.FormatUnits(fixed.ScaleUnits(100)); got != "100" {
		t.Errorf("got %q, want %q", got, "100")
	}
	if got := fixed.FormatUnits(1_500000); got != "1.5" {
		t.Errorf("got %q, want %q", got, "1.5")
	}
}

func TestParseUnits(t *testing.T) {
	got, err := fixed.ParseUnits("100.25")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 100_250000 {
		t.Errorf("got %d, want 100250000", got)
	}
}

func TestParseUnits_TooManyDecimals(t *testing.T) {
	if _, err := fixed.ParseUnits("1.0000001"); err == nil {
		t.Error("expected error for sub-unit precision")
	}
}

func TestLeverageDecimalRoundTrip(t *testing.T) {
	if got := fixed.FormatLeverage(fixed.ScaleLeverage(50)); got != "50" {
		t.Errorf("format: got %q, want %q", got, "50")
	}

	got, err := fixed.ParseLeverage("2.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := fixed.LeverageScale * 5 / 2; got != want {
		t.Errorf("parse: got %d, want %d", got, want)
	}

	if _, err := fixed.ParseLeverage("1.000000001"); err == nil {
		t.Error("fraction below leverage precision should be rejected")
	}
}
