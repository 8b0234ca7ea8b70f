package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennengfeng/Binance-Trade-BOT/config"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/binanceclient"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/logger"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/utils"
)

func main() {
	var (
		marketName string
		symbol     string
		interval   string
		months     int
		outDir     string
	)
	cmd := &cobra.Command{
		Use:          "fetch_klines",
		Short:        "Export historical candles to CSV",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// 1. Load Configuration
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// 2. Initialize Logger
			appLogger := logger.New(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
			defer appLogger.Close()

			mkt := domain.MarketType(strings.ToLower(marketName))
			if mkt != domain.MarketFutures && mkt != domain.MarketSpot {
				return fmt.Errorf("unknown market %q", marketName)
			}
			tf, err := domain.ParseTimeframe(interval)
			if err != nil {
				return err
			}
			symbol = strings.ToUpper(symbol)

			// 3. Initialize Exchange Client (public endpoints only)
			binanceClient, err := binanceclient.New(binanceclient.Config{
				UseTestnet:        cfg.IsTestnet,
				Logger:            appLogger,
				RequestsPerSecond: cfg.RequestsPerSecond,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize Binance client: %w", err)
			}

			end := time.Now().UTC()
			start := end.AddDate(0, -months, 0)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			appLogger.Info(ctx, "Fetching klines", map[string]interface{}{
				"market": mkt, "symbol": symbol, "interval": tf, "start": start, "end": end,
			})
			klines, err := binanceClient.GetKlinesRange(ctx, mkt, symbol, string(tf), start, end)
			if err != nil {
				appLogger.Error(ctx, err, "Error fetching klines")
				return err
			}
			appLogger.Info(ctx, "Fetched klines", map[string]interface{}{"count": len(klines)})

			filename := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s_%s_to_%s.csv",
				mkt, symbol, tf, start.Format("20060102"), end.Format("20060102")))
			if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
				appLogger.Error(ctx, err, "Error writing CSV")
				return err
			}
			appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
			return nil
		},
	}
	cmd.Flags().StringVar(&marketName, "market", string(domain.MarketFutures), "spot or futures")
	cmd.Flags().StringVar(&symbol, "symbol", "ETHUSDT", "symbol")
	cmd.Flags().StringVar(&interval, "interval", "1m", "candle interval")
	cmd.Flags().IntVar(&months, "months", 3, "months of history")
	cmd.Flags().StringVar(&outDir, "out", "data", "output directory")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
