// Package backtest replays a price history to find the worst price drop a
// collateral position suffers before a liquidation can succeed.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tokendown/internal/logger"
)

// IncentivePrecision is the number of decimal digits the liquidation incentive is
// rounded to before use.
const IncentivePrecision = 4

var (
	// ErrInsufficientData is returned for series with fewer than two observations.
	ErrInsufficientData = errors.New("price series needs at least 2 observations")

	// ErrNoLiquidationFound is returned when no start index ever reaches a
	// successful liquidation.
	ErrNoLiquidationFound = errors.New("no liquidation succeeded over the series")
)

// Params holds the financial parameters of one backtest.
type Params struct {
	LiquidationIncentive float64
	CollateralFactor     float64
	// SlippageDivisor turns the collateral factor into a slippage tolerance.
	// Heuristic, not a market impact model.
	SlippageDivisor float64
}

// DefaultParams returns the parameters of the reference market: 15% incentive,
// 75% collateral factor, divisor 8.
func DefaultParams() Params {
	return Params{
		LiquidationIncentive: 0.15,
		CollateralFactor:     0.75,
		SlippageDivisor:      8,
	}
}

// Validate checks that the parameters are usable.
func (p Params) Validate() error {
	if p.LiquidationIncentive <= 0 || p.LiquidationIncentive >= 1 {
		return fmt.Errorf("liquidation incentive must be in (0, 1), got %v", p.LiquidationIncentive)
	}
	if p.CollateralFactor <= 0 || p.CollateralFactor >= 1 {
		return fmt.Errorf("collateral factor must be in (0, 1), got %v", p.CollateralFactor)
	}
	if p.SlippageDivisor <= 0 || math.IsInf(p.SlippageDivisor, 0) || math.IsNaN(p.SlippageDivisor) {
		return fmt.Errorf("slippage divisor must be positive, got %v", p.SlippageDivisor)
	}
	return nil
}

// Incentive returns the liquidation incentive rounded to IncentivePrecision digits.
func (p Params) Incentive() float64 {
	return RoundIncentive(p.LiquidationIncentive)
}

// Slippage returns the slippage tolerance derived from the collateral factor.
func (p Params) Slippage() float64 {
	divisor := p.SlippageDivisor
	if divisor == 0 {
		divisor = DefaultParams().SlippageDivisor
	}
	return p.CollateralFactor / divisor
}

// RoundIncentive rounds the exact binary value of li to IncentivePrecision
// digits, so 0.00015 (stored just below the tie) rounds down to 0.0001.
func RoundIncentive(li float64) float64 {
	return decimal.NewFromFloatWithExponent(li, -IncentivePrecision).InexactFloat64()
}

// Result describes the worst liquidation window found in a series.
type Result struct {
	TokenDown    float64
	StartIndex   int // start of the liquidation period with the worst drop
	TriggerIndex int // index of the closing observation of the window that succeeded
	Triggered    int // start indices that reached a successful liquidation
	Windows      int // windows evaluated
	Incentive    float64
	Slippage     float64
}

// Liquidates reports whether a liquidation succeeds in the window closing at block1
// with the given TWAP. Degenerate TWAPs never liquidate.
func Liquidates(twap, block1, incentive, slippage float64) bool {
	if degenerate(twap) {
		return false
	}
	return incentive > (twap-block1)/twap+slippage
}

// Simulate searches, for every start index, the first window whose TWAP lets a
// liquidation succeed and returns the largest fractional drop from the start price
// to that TWAP. The search is O(n²) in the worst case. ctx is checked between
// start indices.
func Simulate(ctx context.Context, prices []float64, params Params) (Result, error) {
	if len(prices) < 2 {
		return Result{}, ErrInsufficientData
	}

	res := Result{
		Incentive: params.Incentive(),
		Slippage:  params.Slippage(),
	}
	found := false
	n := len(prices)

	for i := 0; i < n-1; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		blockOriginal := prices[i]
		if blockOriginal == 0 {
			logger.Debug("Skipping start index %d: zero reference price", i)
			continue
		}

		for x := 0; i+x < n-1; x++ {
			block1 := prices[i+x+1]
			twap := TWAP(prices[i+x], block1)
			res.Windows++

			if !Liquidates(twap, block1, res.Incentive, res.Slippage) {
				continue
			}

			drop := math.Abs(blockOriginal-twap) / blockOriginal
			res.Triggered++
			if !found || drop > res.TokenDown {
				res.TokenDown = drop
				res.StartIndex = i
				res.TriggerIndex = i + x + 1
				found = true
			}
			break
		}
	}

	if !found {
		return res, ErrNoLiquidationFound
	}

	logger.Debug("Simulated %d observations: token_down=%.6f start=%d trigger=%d triggered=%d windows=%d",
		n, res.TokenDown, res.StartIndex, res.TriggerIndex, res.Triggered, res.Windows)
	return res, nil
}
