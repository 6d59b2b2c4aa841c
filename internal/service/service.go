// Package service runs end-to-end backtests: block selection, price fetching with
// a local cache, USD conversion, simulation and report persistence.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/tokendown/internal/backtest"
	"github.com/rewired-gh/tokendown/internal/logger"
	"github.com/rewired-gh/tokendown/internal/metrics"
	"github.com/rewired-gh/tokendown/internal/models"
	"github.com/rewired-gh/tokendown/internal/source"
	"github.com/rewired-gh/tokendown/internal/storage"
)

// ethUSDToken keys cached ETH/USD prices.
const ethUSDToken = "eth-usd"

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid backtest request")

// Config holds the backtest defaults applied to requests that leave a field unset.
type Config struct {
	Provider        string
	Period          int64
	SegmentsBack    int64
	EndBlock        int64 // 0 resolves to the provider's latest indexed block
	Financials      models.Financials
	SlippageDivisor float64
	Concurrency     int
	ConverterName   string
}

// DefaultConfig returns the reference backtest: SushiSwap, 68-block period,
// 6500 blocks back from 14077409.
func DefaultConfig() Config {
	return Config{
		Provider:     "sushiswap",
		Period:       68,
		SegmentsBack: 6500,
		EndBlock:     14077409,
		Financials: models.Financials{
			LiquidationIncentive: 0.15,
			CollateralFactor:     0.75,
		},
		SlippageDivisor: 8,
		Concurrency:     4,
		ConverterName:   "uniswap",
	}
}

// Request describes one backtest. Zero fields take the service defaults.
type Request struct {
	Address      string
	Provider     string
	EndBlock     int64
	Period       int64
	SegmentsBack int64
	Financials   models.Financials
}

// Service runs backtests.
type Service struct {
	sources   *source.Registry
	converter source.USDConverter
	store     *storage.Storage
	config    Config
}

// New creates a Service. store may be nil to disable caching and persistence.
func New(sources *source.Registry, converter source.USDConverter, store *storage.Storage, config Config) *Service {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Service{
		sources:   sources,
		converter: converter,
		store:     store,
		config:    config,
	}
}

func (s *Service) withDefaults(req Request) Request {
	if req.Provider == "" {
		req.Provider = s.config.Provider
	}
	if req.EndBlock == 0 {
		req.EndBlock = s.config.EndBlock
	}
	if req.Period == 0 {
		req.Period = s.config.Period
	}
	if req.SegmentsBack == 0 {
		req.SegmentsBack = s.config.SegmentsBack
	}
	if req.Financials.LiquidationIncentive == 0 {
		req.Financials.LiquidationIncentive = s.config.Financials.LiquidationIncentive
	}
	if req.Financials.CollateralFactor == 0 {
		req.Financials.CollateralFactor = s.config.Financials.CollateralFactor
	}
	return req
}

// Run executes one backtest. A series in which no liquidation ever succeeds
// yields a report with Found=false rather than an error.
func (s *Service) Run(ctx context.Context, req Request) (*models.Report, error) {
	req = s.withDefaults(req)
	start := time.Now()

	report, err := s.run(ctx, req)

	provider := s.providerLabel(req.Provider)
	metrics.BacktestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.BacktestRuns.WithLabelValues(provider, "error").Inc()
	case report.Found:
		metrics.BacktestRuns.WithLabelValues(provider, "found").Inc()
		metrics.LastTokenDown.WithLabelValues(provider, report.Address).Set(report.TokenDown)
	default:
		metrics.BacktestRuns.WithLabelValues(provider, "no_liquidation").Inc()
	}
	return report, err
}

// providerLabel keeps the provider label set bounded to registered sources.
func (s *Service) providerLabel(name string) string {
	src, err := s.sources.Get(name)
	if err != nil {
		return "unknown"
	}
	return strings.ToLower(src.Name())
}

func (s *Service) run(ctx context.Context, req Request) (*models.Report, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("%w: token address is required", ErrInvalidRequest)
	}
	if err := req.Financials.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	params := backtest.Params{
		LiquidationIncentive: req.Financials.LiquidationIncentive,
		CollateralFactor:     req.Financials.CollateralFactor,
		SlippageDivisor:      s.config.SlippageDivisor,
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	src, err := s.sources.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	series, err := s.PriceSeries(ctx, src, req)
	if err != nil {
		return nil, err
	}

	res, err := backtest.Simulate(ctx, series.Prices(), params)
	found := true
	if errors.Is(err, backtest.ErrNoLiquidationFound) {
		found = false
		logger.Warn("No liquidation succeeded for %s on %s over blocks %d-%d",
			req.Address, src.Name(), series.StartBlock, series.EndBlock)
	} else if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}

	report := &models.Report{
		ID:         uuid.New().String(),
		Address:    strings.ToLower(req.Address),
		Provider:   src.Name(),
		StartBlock: series.StartBlock,
		EndBlock:   series.EndBlock,
		Financials: req.Financials,
		Found:      found,
		Samples:    len(series.Points),
		Triggered:  res.Triggered,
		CreatedAt:  time.Now(),
	}
	if found {
		report.TokenDown = res.TokenDown
	}

	if s.store != nil {
		if err := s.store.SaveReport(report); err != nil {
			logger.Warn("Failed to persist report %s: %v", report.ID, err)
		}
	}

	logger.Info("Backtest %s: %s on %s, %d samples, token_down=%.6f found=%v",
		report.ID, report.Address, report.Provider, report.Samples, report.TokenDown, report.Found)
	return report, nil
}

// PriceSeries builds the USD price series a request asks for.
func (s *Service) PriceSeries(ctx context.Context, src source.PriceSource, req Request) (*models.PriceSeries, error) {
	end := req.EndBlock
	if end <= 0 {
		latest, err := s.latestBlock(ctx, src)
		if err != nil {
			return nil, err
		}
		end = latest
	}

	blocks, err := source.BlocksToQuery(end, req.Period, req.SegmentsBack)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ethPrices, err := s.cachedPrices(ctx, src.Name(), req.Address, blocks, func(ctx context.Context) ([]float64, error) {
		return src.TokenPrices(ctx, req.Address, blocks)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s prices: %w", src.Name(), err)
	}

	usd, err := source.ToUSD(ctx, cachingConverter{s: s}, blocks, ethPrices)
	if err != nil {
		return nil, err
	}

	series, err := models.NewPriceSeries(strings.ToLower(req.Address), src.Name(), blocks, usd)
	if err != nil {
		return nil, err
	}
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("invalid price series: %w", err)
	}
	return series, nil
}

// latestBlock returns the newest block indexed by both src and the ETH/USD
// converter, so every selected block can be converted.
func (s *Service) latestBlock(ctx context.Context, src source.PriceSource) (int64, error) {
	latest, err := src.LatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve latest block: %w", err)
	}
	convLatest, err := s.converter.LatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve latest ETH/USD block: %w", err)
	}
	if convLatest < latest {
		logger.Debug("ETH/USD source trails %s (%d < %d), ending at %d", src.Name(), convLatest, latest, convLatest)
		latest = convLatest
	}
	return latest, nil
}

// cachingConverter serves ETH/USD prices through the price cache.
type cachingConverter struct {
	s *Service
}

func (c cachingConverter) LatestBlock(ctx context.Context) (int64, error) {
	return c.s.converter.LatestBlock(ctx)
}

func (c cachingConverter) ETHPrices(ctx context.Context, blocks []int64) ([]float64, error) {
	return c.s.cachedPrices(ctx, c.s.config.ConverterName, ethUSDToken, blocks, func(ctx context.Context) ([]float64, error) {
		return c.s.converter.ETHPrices(ctx, blocks)
	})
}

func (s *Service) cachedPrices(
	ctx context.Context,
	sourceName, token string,
	blocks []int64,
	fetch func(context.Context) ([]float64, error),
) ([]float64, error) {
	if s.store != nil {
		prices, ok, err := s.store.LoadPrices(sourceName, token, blocks)
		if err != nil {
			logger.Warn("Price cache read failed for %s/%s: %v", sourceName, token, err)
		} else if ok {
			metrics.PriceCacheHits.WithLabelValues("hit").Inc()
			logger.Debug("Served %d %s/%s prices from cache", len(blocks), sourceName, token)
			return prices, nil
		}
	}
	metrics.PriceCacheHits.WithLabelValues("miss").Inc()

	prices, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(prices) != len(blocks) {
		return nil, fmt.Errorf("got %d prices for %d blocks", len(prices), len(blocks))
	}

	if s.store != nil {
		if err := s.store.SavePrices(sourceName, token, blocks, prices); err != nil {
			logger.Warn("Price cache write failed for %s/%s: %v", sourceName, token, err)
		}
	}
	return prices, nil
}

// RunBatch runs independent backtests in parallel, at most Concurrency at a time.
// Reports are returned in request order. The first error cancels the remaining runs.
func (s *Service) RunBatch(ctx context.Context, reqs []Request) ([]*models.Report, error) {
	reports := make([]*models.Report, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			r, err := s.Run(ctx, req)
			if err != nil {
				return fmt.Errorf("backtest %s on %s: %w", req.Address, req.Provider, err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Reports lists persisted reports, newest first.
func (s *Service) Reports(address string, limit int) ([]*models.Report, error) {
	if s.store == nil {
		return []*models.Report{}, nil
	}
	return s.store.ListReports(address, limit)
}

// Report loads one persisted report by ID.
func (s *Service) Report(id string) (*models.Report, error) {
	if s.store == nil {
		return nil, fmt.Errorf("report %s: %w", id, storage.ErrNotFound)
	}
	return s.store.GetReport(id)
}

// Providers returns the registered provider names.
func (s *Service) Providers() []string {
	return s.sources.Names()
}
