package models

import (
	"math"
	"testing"
	"time"
)

func TestNewPriceSeries(t *testing.T) {
	s, err := NewPriceSeries("0xabc", "sushiswap", []int64{10, 20, 30}, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("NewPriceSeries: %v", err)
	}
	if s.StartBlock != 10 || s.EndBlock != 30 {
		t.Errorf("unexpected block range %d..%d", s.StartBlock, s.EndBlock)
	}
	prices := s.Prices()
	if len(prices) != 3 || prices[2] != 3 {
		t.Errorf("unexpected prices %v", prices)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	if _, err := NewPriceSeries("0xabc", "sushiswap", []int64{1, 2}, []float64{1}); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestPriceSeriesValidate(t *testing.T) {
	tests := []struct {
		name    string
		blocks  []int64
		prices  []float64
		wantErr bool
	}{
		{"valid", []int64{1, 2}, []float64{10, 0}, false},
		{"empty", nil, nil, false},
		{"negative price", []int64{1, 2}, []float64{10, -1}, true},
		{"NaN price", []int64{1, 2}, []float64{math.NaN(), 1}, true},
		{"infinite price", []int64{1, 2}, []float64{1, math.Inf(1)}, true},
		{"unordered blocks", []int64{2, 1}, []float64{1, 1}, true},
		{"duplicate blocks", []int64{1, 1}, []float64{1, 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewPriceSeries("0xabc", "uniswap", tt.blocks, tt.prices)
			if err != nil {
				t.Fatalf("NewPriceSeries: %v", err)
			}
			err = s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("PriceSeries.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	s := &PriceSeries{Provider: "uniswap"}
	if err := s.Validate(); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestFinancialsValidate(t *testing.T) {
	tests := []struct {
		name    string
		f       Financials
		wantErr bool
	}{
		{"valid", Financials{LiquidationIncentive: 0.15, CollateralFactor: 0.75}, false},
		{"zero incentive", Financials{LiquidationIncentive: 0, CollateralFactor: 0.75}, true},
		{"collateral factor of one", Financials{LiquidationIncentive: 0.1, CollateralFactor: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Financials.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReportValidate(t *testing.T) {
	valid := func() Report {
		return Report{
			ID:         "id-1",
			Address:    "0xabc",
			Provider:   "sushiswap",
			StartBlock: 100,
			EndBlock:   200,
			Financials: Financials{LiquidationIncentive: 0.15, CollateralFactor: 0.75},
			TokenDown:  0.2,
			Found:      true,
			Samples:    10,
			Triggered:  4,
			CreatedAt:  time.Now(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *Report)
		wantErr bool
	}{
		{"valid", func(r *Report) {}, false},
		{"not found", func(r *Report) { r.Found = false; r.TokenDown = 0; r.Triggered = 0 }, false},
		{"empty ID", func(r *Report) { r.ID = "" }, true},
		{"reversed blocks", func(r *Report) { r.EndBlock = 50 }, true},
		{"negative token down", func(r *Report) { r.TokenDown = -0.1 }, true},
		{"value without liquidation", func(r *Report) { r.Found = false }, true},
		{"bad financials", func(r *Report) { r.Financials.CollateralFactor = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Report.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
