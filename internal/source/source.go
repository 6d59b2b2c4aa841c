// Package source fetches historical token prices from DEX subgraphs.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownProvider is returned when no price source is registered under a name.
var ErrUnknownProvider = errors.New("unknown price provider")

// PriceSource quotes a token in ETH at historical blocks.
type PriceSource interface {
	Name() string
	// TokenPrices returns one ETH price per block, in the order of blocks.
	TokenPrices(ctx context.Context, address string, blocks []int64) ([]float64, error)
	// LatestBlock returns the highest block the source has indexed.
	LatestBlock(ctx context.Context) (int64, error)
}

// USDConverter quotes ETH in USD at historical blocks.
type USDConverter interface {
	ETHPrices(ctx context.Context, blocks []int64) ([]float64, error)
	LatestBlock(ctx context.Context) (int64, error)
}

// Registry maps provider names to price sources.
type Registry struct {
	sources map[string]PriceSource
}

// NewRegistry creates a Registry holding sources.
func NewRegistry(sources ...PriceSource) *Registry {
	r := &Registry{sources: make(map[string]PriceSource)}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a source under its name.
func (r *Registry) Register(s PriceSource) {
	r.sources[strings.ToLower(s.Name())] = s
}

// Get looks up a source by case-insensitive name.
func (r *Registry) Get(name string) (PriceSource, error) {
	s, ok := r.sources[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return s, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToUSD converts per-block ETH prices to USD using the ETH/USD price at the same blocks.
func ToUSD(ctx context.Context, conv USDConverter, blocks []int64, ethPrices []float64) ([]float64, error) {
	if len(blocks) != len(ethPrices) {
		return nil, fmt.Errorf("got %d prices for %d blocks", len(ethPrices), len(blocks))
	}
	ethUSD, err := conv.ETHPrices(ctx, blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ETH/USD prices: %w", err)
	}
	if len(ethUSD) != len(blocks) {
		return nil, fmt.Errorf("got %d ETH/USD prices for %d blocks", len(ethUSD), len(blocks))
	}

	usd := make([]float64, len(ethPrices))
	for i := range ethPrices {
		usd[i] = ethPrices[i] * ethUSD[i]
	}
	return usd, nil
}
