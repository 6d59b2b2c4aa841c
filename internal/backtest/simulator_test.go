package backtest

import (
	"context"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return DefaultParams()
}

func TestTWAP_Symmetric(t *testing.T) {
	pairs := [][2]float64{{100, 50}, {0, 3}, {1e-9, 1e9}, {42, 42}}
	for _, p := range pairs {
		assert.Equal(t, TWAP(p[0], p[1]), TWAP(p[1], p[0]))
	}
	assert.Equal(t, 75.0, TWAP(100, 50))
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"defaults", DefaultParams(), false},
		{"zero incentive", Params{LiquidationIncentive: 0, CollateralFactor: 0.75, SlippageDivisor: 8}, true},
		{"incentive of one", Params{LiquidationIncentive: 1, CollateralFactor: 0.75, SlippageDivisor: 8}, true},
		{"negative collateral factor", Params{LiquidationIncentive: 0.1, CollateralFactor: -0.2, SlippageDivisor: 8}, true},
		{"zero divisor", Params{LiquidationIncentive: 0.1, CollateralFactor: 0.5, SlippageDivisor: 0}, true},
		{"NaN divisor", Params{LiquidationIncentive: 0.1, CollateralFactor: 0.5, SlippageDivisor: math.NaN()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParams_Slippage(t *testing.T) {
	assert.Equal(t, 0.09375, defaultParams().Slippage())

	p := defaultParams()
	p.SlippageDivisor = 4
	assert.Equal(t, 0.1875, p.Slippage())
}

func TestRoundIncentive(t *testing.T) {
	tests := []struct {
		li   float64
		want float64
	}{
		{0.123456, 0.1235},
		{0.15004, 0.15},
		{0.10005, 0.1001}, // stored just above the tie
		{0.1, 0.1},
		{0.00015, 0.0001}, // stored just below the tie
		{0.00045, 0.0004},
		{0.00025, 0.0003},
		{0.15005, 0.15},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundIncentive(tt.li), "li=%v", tt.li)
	}
}

// Every k/10000 + 0.00005 sits near a tie; the rounding must follow the exact
// binary value, taking the larger candidate on a true tie.
func TestRoundIncentive_ExactBinaryValue(t *testing.T) {
	half := big.NewRat(1, 2)
	scale := big.NewRat(10000, 1)
	for k := 0; k < 10000; k++ {
		li := float64(k)/10000 + 0.00005

		x := new(big.Rat).SetFloat64(li)
		x.Mul(x, scale).Add(x, half)
		n := new(big.Int).Quo(x.Num(), x.Denom())
		want := float64(n.Int64()) / 10000

		require.Equal(t, want, RoundIncentive(li), "li=%v", li)
	}
}

func TestSimulate_FlatSeries(t *testing.T) {
	res, err := Simulate(context.Background(), []float64{100, 100, 100, 100}, defaultParams())
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.TokenDown)
	assert.Equal(t, 3, res.Triggered)
	assert.Equal(t, 3, res.Windows)
	assert.Equal(t, 0.15, res.Incentive)
	assert.Equal(t, 0.09375, res.Slippage)
}

func TestSimulate_TrailingCrash(t *testing.T) {
	// Index 2 only sees (100, 50): deviation 1/3 plus slippage beats the incentive.
	res, err := Simulate(context.Background(), []float64{100, 100, 100, 50}, defaultParams())
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.TokenDown)
	assert.Equal(t, 2, res.Triggered)
	assert.Equal(t, 3, res.Windows)
}

func TestSimulate_SharpDropAtFirstStep(t *testing.T) {
	// (100, 90): twap 95, deviation 5/95 + 0.09375 < 0.15, so it liquidates at once.
	res, err := Simulate(context.Background(), []float64{100, 90, 90}, defaultParams())
	require.NoError(t, err)

	want := math.Abs(100-TWAP(100, 90)) / 100
	assert.InDelta(t, want, res.TokenDown, 1e-12)
	assert.Equal(t, 0, res.StartIndex)
	assert.Equal(t, 1, res.TriggerIndex)
}

func TestSimulate_ForwardSearch(t *testing.T) {
	// From index 0 the crash window (100, 60) cannot liquidate; the next flat
	// window (60, 60) does, 40% below the start price.
	res, err := Simulate(context.Background(), []float64{100, 60, 60, 60}, defaultParams())
	require.NoError(t, err)

	assert.InDelta(t, 0.4, res.TokenDown, 1e-12)
	assert.Equal(t, 0, res.StartIndex)
	assert.Equal(t, 2, res.TriggerIndex)
	assert.Equal(t, 3, res.Triggered)
	assert.Equal(t, 4, res.Windows)
}

func TestSimulate_RisingPricesLiquidateImmediately(t *testing.T) {
	prices := []float64{100, 110, 121}
	res, err := Simulate(context.Background(), prices, defaultParams())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Triggered)
	assert.Equal(t, 2, res.Windows)
	want := math.Max(
		math.Abs(100-TWAP(100, 110))/100,
		math.Abs(110-TWAP(110, 121))/110,
	)
	assert.InDelta(t, want, res.TokenDown, 1e-12)
}

func TestSimulate_NoLiquidationFound(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		params Params
	}{
		{"collapsing series", []float64{100, 50, 25}, defaultParams()},
		{"incentive below slippage", []float64{100, 100, 100}, Params{LiquidationIncentive: 0.05, CollateralFactor: 0.75, SlippageDivisor: 8}},
		{"zero prices", []float64{0, 0, 10}, defaultParams()},
		{"collapse to zero", []float64{10, 0, 0}, defaultParams()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Simulate(context.Background(), tt.prices, tt.params)
			assert.ErrorIs(t, err, ErrNoLiquidationFound)
		})
	}
}

func TestSimulate_InsufficientData(t *testing.T) {
	for _, prices := range [][]float64{nil, {}, {100}} {
		_, err := Simulate(context.Background(), prices, defaultParams())
		assert.ErrorIs(t, err, ErrInsufficientData)
	}
}

func TestSimulate_TwoObservations(t *testing.T) {
	res, err := Simulate(context.Background(), []float64{100, 100}, defaultParams())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Windows)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 0.0, res.TokenDown)
}

func TestSimulate_RoundingLaw(t *testing.T) {
	prices := []float64{100, 97, 99, 80, 80, 85, 70, 71}
	base := defaultParams()

	want, err := Simulate(context.Background(), prices, base)
	require.NoError(t, err)

	for _, li := range []float64{0.150001, 0.149996, 0.15004} {
		p := base
		p.LiquidationIncentive = li
		got, err := Simulate(context.Background(), prices, p)
		require.NoError(t, err)
		assert.Equal(t, want, got, "li=%v", li)
	}
}

func TestSimulate_RoundingDecidesTrigger(t *testing.T) {
	// cf 0.8 gives slippage 0.1; a flat series liquidates only if li > 0.1 after rounding.
	prices := []float64{100, 100, 100}
	p := Params{LiquidationIncentive: 0.10004, CollateralFactor: 0.8, SlippageDivisor: 8}

	_, err := Simulate(context.Background(), prices, p)
	assert.ErrorIs(t, err, ErrNoLiquidationFound)

	p.LiquidationIncentive = 0.10005
	res, err := Simulate(context.Background(), prices, p)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.TokenDown)
}

func TestSimulate_Deterministic(t *testing.T) {
	prices := []float64{100, 92, 95, 60, 61, 58, 90, 40, 41}
	first, err1 := Simulate(context.Background(), prices, defaultParams())
	second, err2 := Simulate(context.Background(), prices, defaultParams())
	assert.Equal(t, err1, err2)
	assert.Equal(t, first, second)
}

func TestSimulate_DoesNotMutateInput(t *testing.T) {
	prices := []float64{100, 60, 60, 60}
	orig := append([]float64(nil), prices...)
	_, err := Simulate(context.Background(), prices, defaultParams())
	require.NoError(t, err)
	assert.Equal(t, orig, prices)
}

func TestSimulate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Simulate(ctx, []float64{100, 100, 100}, defaultParams())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLiquidates(t *testing.T) {
	assert.True(t, Liquidates(100, 100, 0.15, 0.09375))
	assert.False(t, Liquidates(75, 50, 0.15, 0.09375))
	assert.False(t, Liquidates(0, 0, 0.15, 0.09375))
	assert.False(t, Liquidates(math.Inf(1), 10, 0.15, 0.09375))
	assert.False(t, Liquidates(math.NaN(), 10, 0.15, 0.09375))
}
