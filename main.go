package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennengfeng/Binance-Trade-BOT/config"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/binanceclient"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/credentials"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/logger"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/notify"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/sqlite"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/app"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/classifier"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/market"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/metrics"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/position"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/risk"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/strategy"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/strategy/indicators"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tradebot",
		Short:         "Multi-user Binance signal and auto-trading controller",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd(), newClearHaltCmd(), newPositionsCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var usersFile string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the shared candle loop and all active users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if usersFile != "" {
				cfg.UsersFile = usersFile
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.DryRun = dryRun
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&usersFile, "users", "", "users file (overrides USERS_FILE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "trade against simulated accounts (overrides DRY_RUN)")
	return cmd
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Initialize Logger
	appLogger := newLogger(cfg)
	defer appLogger.Close()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 2. Load Users
	users, err := config.LoadUsers(cfg.UsersFile)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load users")
		return err
	}
	appLogger.Info(ctx, "Users loaded", map[string]interface{}{"count": len(users), "file": cfg.UsersFile})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath:         cfg.DBPath,
		Logger:         appLogger,
		OrderRetention: cfg.OrderRetention,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Metrics
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(ctx, err, "Metrics server failed", map[string]interface{}{"addr": cfg.MetricsAddr})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		appLogger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 5. Notifications
	sink, err := notify.OpenFile(cfg.NotifyFile, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to open notification sink")
		return err
	}
	defer sink.Close()

	// 6. Exchange access: one public client for market data, one client per credential for trading.
	marketClient, err := binanceclient.New(binanceclient.Config{
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		RequestsPerSecond:    cfg.RequestsPerSecond,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance market data client")
		return err
	}
	creds, err := credentials.New(credentials.Config{
		UseTestnet:        cfg.IsTestnet,
		DryRun:            cfg.DryRun,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            appLogger,
	})
	if err != nil {
		return err
	}
	if cfg.DryRun {
		appLogger.Warn(ctx, "Dry-run mode: orders go to simulated accounts")
	}

	// 7. Candle aggregator and signal engine
	agg, err := market.NewAggregator(market.Config{
		TickInterval:    cfg.PollTick,
		MaxPollInterval: cfg.MaxPollInterval,
		StaleAfter:      cfg.StaleAfter,
		HistorySize:     cfg.HistorySize,
		FetchLimit:      market.DefaultConfig().FetchLimit,
		MinSpacing:      cfg.MarketSpacing,
		MinBackoff:      market.DefaultConfig().MinBackoff,
		MaxBackoff:      market.DefaultConfig().MaxBackoff,
		Concurrency:     cfg.FetchConcurrency,
	}, marketClient, appLogger, market.WithMetrics(m))
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize candle aggregator")
		return err
	}
	maType := indicators.SimpleMovingAverage
	if cfg.StrategyMAType == "EMA" {
		maType = indicators.ExponentialMovingAverage
	}
	indicatorSet := indicators.SetConfig{
		FastMA:    cfg.StrategyFastMAPeriod,
		SlowMA:    cfg.StrategySlowMAPeriod,
		MAType:    maType,
		MACD:      indicators.MACDConfig{Fast: cfg.MACDFast, Slow: cfg.MACDSlow, Signal: cfg.MACDSignal},
		ATRPeriod: cfg.ATRPeriod,
	}
	engine, err := strategy.New(strategy.Config{
		Indicators:         indicatorSet,
		AnomalyATRMultiple: cfg.AnomalyATRMultiple,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize signal engine")
		return err
	}
	if need := indicatorSet.Warmup(); cfg.HistorySize < need {
		err := fmt.Errorf("HISTORY_SIZE %d is below the %d candles the indicators need to arm", cfg.HistorySize, need)
		appLogger.Error(ctx, err, "FATAL: Invalid configuration")
		return err
	}

	// 8. Order attribution, protection and positions
	cls, err := classifier.New(cfg.OrderTagPrefix, repo, appLogger)
	if err != nil {
		return err
	}
	riskManager, err := risk.NewManager(appLogger, cls, m)
	if err != nil {
		return err
	}
	pcfg := position.DefaultConfig()
	pcfg.FillTimeout = cfg.FillTimeout
	pcfg.MaxCloseAttempts = cfg.CloseAttempts
	pcfg.RepriceStep = cfg.RepriceStep
	positions, err := position.NewManager(pcfg, position.Dependencies{
		Credentials: creds,
		Positions:   repo,
		Trades:      repo,
		Classifier:  cls,
		Risk:        riskManager,
		Notifier:    sink,
		Metrics:     m,
		Logger:      appLogger,
		ATR:         engine.LatestATR,
	})
	if err != nil {
		return err
	}

	// 9. Initialize Application Service
	tradingService, err := app.NewTradingService(app.Config{
		ReconcileSpec:   cfg.ReconcileSpec,
		SummarySpec:     cfg.SummarySpec,
		OrderRetention:  cfg.OrderRetention,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, app.Dependencies{
		Aggregator:  agg,
		Engine:      engine,
		Positions:   positions,
		Classifier:  cls,
		Credentials: creds,
		Trades:      repo,
		Orders:      repo,
		Notifier:    sink,
		Metrics:     m,
		Logger:      appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		return err
	}

	// 10. Start the Service; returns once ctx is canceled and in-flight reactions drained.
	if err := tradingService.Start(ctx, users); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		return err
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
	return nil
}

func newLogger(cfg *config.Config) *logger.ZeroLogger {
	return logger.New(logger.Options{
		Level:      cfg.LogLevel,
		JSON:       cfg.LogJSON,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// openRepo is shared by the offline maintenance commands.
func openRepo() (*config.Config, *logger.ZeroLogger, *sqlite.Repository, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	appLogger := newLogger(cfg)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger, OrderRetention: cfg.OrderRetention})
	if err != nil {
		appLogger.Close()
		return nil, nil, nil, err
	}
	return cfg, appLogger, repo, nil
}

func newClearHaltCmd() *cobra.Command {
	var userID int64
	var symbol string
	cmd := &cobra.Command{
		Use:   "clear-halt",
		Short: "Lift the halt of a (user, symbol) so automated trading resumes on next start",
		Long: "Lift the halt of a (user, symbol) in the position store. The bot reconciles the position " +
			"with the exchange when it next loads it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, appLogger, repo, err := openRepo()
			if err != nil {
				return err
			}
			defer appLogger.Close()
			defer repo.Close()

			ctx := cmd.Context()
			symbol = strings.ToUpper(symbol)
			pos, err := repo.FindOpen(ctx, userID, symbol)
			if err != nil {
				return err
			}
			if pos == nil || !pos.IsHalted() {
				fmt.Fprintf(cmd.OutOrStdout(), "no halted position for user %d %s\n", userID, symbol)
				return nil
			}
			reason := pos.HaltReason
			pos.State = domain.StateFlat
			if pos.HasExposure() {
				pos.State = domain.StateOpen
			}
			pos.HaltReason = ""
			if err := repo.Update(ctx, pos); err != nil {
				return err
			}
			appLogger.Info(ctx, "Halt cleared", map[string]interface{}{"userID": userID, "symbol": symbol, "reason": reason})
			fmt.Fprintf(cmd.OutOrStdout(), "halt cleared for user %d %s (was: %s)\n", userID, symbol, reason)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol, e.g. BTCUSDT")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func newPositionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List stored open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, appLogger, repo, err := openRepo()
			if err != nil {
				return err
			}
			defer appLogger.Close()
			defer repo.Close()

			open, err := repo.FindAllOpen(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tSYMBOL\tSIDE\tSTATE\tORIGIN\tQTY\tENTRY\tSL\tTP\tHALT")
			for _, p := range open {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%g\t%g\t%g\t%g\t%s\n",
					p.UserID, p.Symbol, p.Side, p.State, p.Origin, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit, p.HaltReason)
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
