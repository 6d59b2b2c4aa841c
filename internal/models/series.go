// Package models defines the core domain entities: price series, financial
// parameters and backtest reports.
package models

import (
	"errors"
	"fmt"
	"math"
)

// PricePoint is the USD price of one token unit at a block height.
type PricePoint struct {
	Block int64   `json:"block"`
	Price float64 `json:"price"`
}

// PriceSeries is a chronological sequence of price samples for one token, taken
// from one liquidity source.
type PriceSeries struct {
	Address    string       `json:"address"`
	Provider   string       `json:"provider"`
	StartBlock int64        `json:"start_block"`
	EndBlock   int64        `json:"end_block"`
	Points     []PricePoint `json:"points"`
}

// NewPriceSeries pairs blocks with prices. Both slices must have the same length.
func NewPriceSeries(address, provider string, blocks []int64, prices []float64) (*PriceSeries, error) {
	if len(blocks) != len(prices) {
		return nil, fmt.Errorf("got %d prices for %d blocks", len(prices), len(blocks))
	}
	s := &PriceSeries{
		Address:  address,
		Provider: provider,
		Points:   make([]PricePoint, len(blocks)),
	}
	for i := range blocks {
		s.Points[i] = PricePoint{Block: blocks[i], Price: prices[i]}
	}
	if len(blocks) > 0 {
		s.StartBlock = blocks[0]
		s.EndBlock = blocks[len(blocks)-1]
	}
	return s, nil
}

// Prices returns the price column in block order.
func (s *PriceSeries) Prices() []float64 {
	prices := make([]float64, len(s.Points))
	for i, p := range s.Points {
		prices[i] = p.Price
	}
	return prices
}

// Validate checks series ordering and price constraints.
func (s *PriceSeries) Validate() error {
	if s.Address == "" {
		return errors.New("token address must not be empty")
	}
	if s.Provider == "" {
		return errors.New("provider must not be empty")
	}
	for i, p := range s.Points {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
			return fmt.Errorf("price at block %d is not finite", p.Block)
		}
		if p.Price < 0 {
			return fmt.Errorf("price at block %d must not be negative", p.Block)
		}
		if i > 0 && p.Block <= s.Points[i-1].Block {
			return fmt.Errorf("blocks must be strictly increasing (%d after %d)", p.Block, s.Points[i-1].Block)
		}
	}
	if len(s.Points) > 0 {
		if s.StartBlock != s.Points[0].Block || s.EndBlock != s.Points[len(s.Points)-1].Block {
			return errors.New("start/end block must match the first and last sample")
		}
	}
	return nil
}

// Financials are the lending market parameters under test.
type Financials struct {
	LiquidationIncentive float64 `json:"liquidation_incentive"`
	CollateralFactor     float64 `json:"collateral_factor"`
}

// Validate checks that both fractions lie in (0, 1).
func (f Financials) Validate() error {
	if f.LiquidationIncentive <= 0 || f.LiquidationIncentive >= 1 {
		return errors.New("liquidation incentive must be between 0 and 1 (exclusive)")
	}
	if f.CollateralFactor <= 0 || f.CollateralFactor >= 1 {
		return errors.New("collateral factor must be between 0 and 1 (exclusive)")
	}
	return nil
}
