package sim

import (
	"github.com/shopspring/decimal"

	"polybot/pkg/types"
)

// feeTable is the maker/taker fee schedule per venue, in percent of
// notional. Prediction venues are special-cased: Polymarket charges
// nothing, Kalshi takes a cut of positive gross profit at settlement.
type feeTable struct {
	makerPct float64
	takerPct float64
}

var spotFees = map[types.Venue]feeTable{
	types.VenueBinanceUS: {0.10, 0.10},
	types.VenueCoinbase:  {0.60, 1.20},
	types.VenueKraken:    {0.16, 0.26},
	types.VenueBybit:     {0.10, 0.10},
	types.VenueOKX:       {0.08, 0.10},
	types.VenueKuCoin:    {0.10, 0.10},
}

var futuresFees = map[types.Venue]feeTable{
	types.VenueBinanceUS: {0.02, 0.04},
	types.VenueBybit:     {0.01, 0.06},
	types.VenueOKX:       {0.02, 0.05},
}

const (
	kalshiProfitFeePct = 7.0
	alpacaSECFeePerShare = 0.000008 // on sells only
)

// LegFee computes the fee for one leg in USD.
//
//   - Polymarket: 0.
//   - Kalshi: 7% of positive gross profit only (settlement fee).
//   - Crypto exchanges: taker (or maker) percent of notional.
//   - Alpaca: $0 commission plus the per-share SEC fee on sells.
//   - IBKR lite: $0.
func LegFee(venue types.Venue, side types.Side, notionalUSD, grossProfitUSD decimal.Decimal, shares float64, maker, futures bool) decimal.Decimal {
	switch venue {
	case types.VenuePolymarket:
		return decimal.Zero

	case types.VenueKalshi:
		if grossProfitUSD.IsPositive() {
			return grossProfitUSD.Mul(decimal.NewFromFloat(kalshiProfitFeePct / 100))
		}
		return decimal.Zero

	case types.VenueAlpaca:
		if side == types.SELL {
			return decimal.NewFromFloat(alpacaSECFeePerShare * shares)
		}
		return decimal.Zero

	case types.VenueIBKR:
		return decimal.Zero
	}

	table := spotFees
	if futures {
		table = futuresFees
	}
	fees, ok := table[venue]
	if !ok {
		return decimal.Zero
	}
	pct := fees.takerPct
	if maker {
		pct = fees.makerPct
	}
	return notionalUSD.Mul(decimal.NewFromFloat(pct / 100))
}

// ArbAverageFeePct is the blended fee percent applied to a winning arb's
// profit by type and venue mix.
func ArbAverageFeePct(arbType ArbClass, venueA, venueB types.Venue) float64 {
	switch arbType {
	case ArbSinglePlatform:
		if venueA == types.VenueKalshi {
			return kalshiProfitFeePct
		}
		return 0
	case ArbCrossPlatform:
		return 3.5
	default: // same-venue overlap
		return kalshiProfitFeePct
	}
}
