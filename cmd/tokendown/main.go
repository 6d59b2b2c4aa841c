package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/tokendown/internal/config"
	"github.com/rewired-gh/tokendown/internal/logger"
	"github.com/rewired-gh/tokendown/internal/models"
	"github.com/rewired-gh/tokendown/internal/server"
	"github.com/rewired-gh/tokendown/internal/service"
	"github.com/rewired-gh/tokendown/internal/source"
	"github.com/rewired-gh/tokendown/internal/storage"
	"github.com/rewired-gh/tokendown/internal/telegram"
)

func main() {
	root, a := newRootCmd()
	err := root.Execute()
	a.close()
	if err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	store    *storage.Storage
	svc      *service.Service
	telegram *telegram.Client
}

func newRootCmd() (*cobra.Command, *app) {
	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:          "tokendown",
		Short:        "Backtest lending-market liquidation parameters against DEX price history",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults and TOKENDOWN_* env when empty)")

	root.AddCommand(newRunCmd(a), newServeCmd(a))
	return root, a
}

func (a *app) init(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if configPath != "" {
		logger.Info("Configuration loaded from %s", configPath)
	}

	a.store, err = storage.New(cfg.Storage.MaxReports, cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	clientCfg := source.ClientConfig{
		Timeout:           cfg.Subgraph.Timeout,
		MaxRetries:        cfg.Subgraph.MaxRetries,
		RetryDelayBase:    cfg.Subgraph.RetryDelayBase,
		BatchSize:         cfg.Subgraph.BatchSize,
		RequestsPerSecond: cfg.Subgraph.RequestsPerSecond,
	}
	registry := source.NewRegistry()
	var converter *source.SubgraphSource
	for name, url := range cfg.Subgraph.Providers {
		src := source.NewSubgraphSource(name, url, clientCfg)
		registry.Register(src)
		if name == cfg.Subgraph.ETHPriceProvider {
			converter = src
		}
	}
	logger.Debug("Registered price providers: %v", registry.Names())

	a.svc = service.New(registry, converter, a.store, service.Config{
		Provider:     cfg.Backtest.Provider,
		Period:       cfg.Backtest.Period,
		SegmentsBack: cfg.Backtest.SegmentsBack,
		EndBlock:     cfg.Backtest.EndBlock,
		Financials: models.Financials{
			LiquidationIncentive: cfg.Backtest.LiquidationIncentive,
			CollateralFactor:     cfg.Backtest.CollateralFactor,
		},
		SlippageDivisor: cfg.Backtest.SlippageDivisor,
		Concurrency:     cfg.Backtest.Concurrency,
		ConverterName:   cfg.Subgraph.ETHPriceProvider,
	})

	if cfg.Telegram.Enabled {
		a.telegram, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	return nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd(a *app) *cobra.Command {
	var (
		addresses []string
		provider  string
		li, cf    float64
		endBlock  int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run backtests for one or more token addresses and print the worst drop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			reqs := make([]service.Request, 0, len(addresses))
			for _, addr := range addresses {
				reqs = append(reqs, service.Request{
					Address:    addr,
					Provider:   provider,
					EndBlock:   endBlock,
					Financials: models.Financials{LiquidationIncentive: li, CollateralFactor: cf},
				})
			}

			reports, err := a.svc.RunBatch(ctx, reqs)
			if err != nil {
				if a.telegram != nil {
					if sendErr := a.telegram.SendError(err); sendErr != nil {
						logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
					}
				}
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range reports {
				out := map[string]any{"address": r.Address, "tokenDown": nil}
				if r.Found {
					out["tokenDown"] = r.TokenDown
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}

			if a.telegram != nil {
				if err := a.telegram.SendReports(reports); err != nil {
					logger.Error("Failed to send Telegram notification: %v", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&addresses, "address", nil, "Token address (repeatable)")
	cmd.Flags().StringVar(&provider, "provider", "", "Liquidity source (default from config)")
	cmd.Flags().Float64Var(&li, "li", 0, "Liquidation incentive (default from config)")
	cmd.Flags().Float64Var(&cf, "cf", 0, "Collateral factor (default from config)")
	cmd.Flags().Int64Var(&endBlock, "end", 0, "Last block of the backtest (default from config)")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the backtest HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if a.telegram != nil {
				a.telegram.ListenForCommands(ctx, a.svc.Providers)
			}

			srv := server.New(a.svc, server.Config{
				Addr:         a.cfg.Server.Addr,
				CacheMaxAge:  a.cfg.Server.CacheMaxAge,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
			})
			if err := srv.ListenAndServe(ctx); err != nil {
				return err
			}
			logger.Info("Service stopped")
			return nil
		},
	}
}
