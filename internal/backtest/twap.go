package backtest

import "math"

// TWAP returns the time-weighted average price of one sampling period bounded by
// two consecutive observations. Samples are taken on a fixed block period, so both
// endpoints carry equal weight.
func TWAP(priceA, priceB float64) float64 {
	return (priceA + priceB) / 2
}

// degenerate reports whether a TWAP cannot be used as a divisor.
func degenerate(twap float64) bool {
	return twap == 0 || math.IsNaN(twap) || math.IsInf(twap, 0)
}
