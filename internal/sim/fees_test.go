package sim

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"polybot/pkg/types"
)

func TestLegFeePolymarketZero(t *testing.T) {
	t.Parallel()

	fee := LegFee(types.VenuePolymarket, types.BUY,
		decimal.NewFromInt(1000), decimal.NewFromInt(100), 0, false, false)
	assert.True(t, fee.IsZero(), "Polymarket charges no trading fee")
}

func TestLegFeeKalshiProfitOnly(t *testing.T) {
	t.Parallel()

	// 7% of positive gross profit.
	fee := LegFee(types.VenueKalshi, types.BUY,
		decimal.NewFromInt(1000), decimal.NewFromInt(100), 0, false, false)
	f, _ := fee.Float64()
	assert.InDelta(t, 7.0, f, 1e-9)

	// No fee on losing trades.
	fee = LegFee(types.VenueKalshi, types.BUY,
		decimal.NewFromInt(1000), decimal.NewFromInt(-50), 0, false, false)
	assert.True(t, fee.IsZero())
}

func TestLegFeeCryptoTables(t *testing.T) {
	t.Parallel()

	notional := decimal.NewFromInt(1000)
	tests := []struct {
		venue   types.Venue
		maker   bool
		futures bool
		want    float64
	}{
		{types.VenueBinanceUS, false, false, 1.00}, // 0.10% taker
		{types.VenueCoinbase, false, false, 12.00}, // 1.20% taker
		{types.VenueCoinbase, true, false, 6.00},   // 0.60% maker
		{types.VenueKraken, true, false, 1.60},
		{types.VenueOKX, false, false, 1.00},
		{types.VenueBinanceUS, false, true, 0.40}, // futures taker 0.04%
		{types.VenueBybit, true, true, 0.10},      // futures maker 0.01%
	}
	for _, tt := range tests {
		fee := LegFee(tt.venue, types.BUY, notional, decimal.Zero, 0, tt.maker, tt.futures)
		f, _ := fee.Float64()
		assert.InDelta(t, tt.want, f, 1e-9, "%s maker=%v futures=%v", tt.venue, tt.maker, tt.futures)
	}
}

func TestLegFeeAlpacaSECOnSellsOnly(t *testing.T) {
	t.Parallel()

	buy := LegFee(types.VenueAlpaca, types.BUY, decimal.NewFromInt(1000), decimal.Zero, 500, false, false)
	assert.True(t, buy.IsZero())

	sell := LegFee(types.VenueAlpaca, types.SELL, decimal.NewFromInt(1000), decimal.Zero, 500, false, false)
	f, _ := sell.Float64()
	assert.InDelta(t, 0.000008*500, f, 1e-12)
}

func TestLegFeeNonNegativeAndCapped(t *testing.T) {
	t.Parallel()

	// Kalshi fee never exceeds 7% of gross profit.
	gross := decimal.NewFromInt(200)
	fee := LegFee(types.VenueKalshi, types.SELL, decimal.NewFromInt(10_000), gross, 0, false, false)
	maxFee := gross.Mul(decimal.NewFromFloat(0.07))
	assert.True(t, fee.LessThanOrEqual(maxFee))
	assert.True(t, fee.GreaterThanOrEqual(decimal.Zero))
}

func TestArbAverageFeePct(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, ArbAverageFeePct(ArbSinglePlatform, types.VenuePolymarket, types.VenuePolymarket), 1e-9)
	assert.InDelta(t, 7.0, ArbAverageFeePct(ArbSinglePlatform, types.VenueKalshi, types.VenueKalshi), 1e-9)
	assert.InDelta(t, 3.5, ArbAverageFeePct(ArbCrossPlatform, types.VenuePolymarket, types.VenueKalshi), 1e-9)
	assert.InDelta(t, 7.0, ArbAverageFeePct(ArbOverlap, types.VenuePolymarket, types.VenuePolymarket), 1e-9)
}
