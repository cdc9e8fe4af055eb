package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/internal/api"
	"github.com/hedgesys/sentinel/internal/broker"
	"github.com/hedgesys/sentinel/internal/config"
	"github.com/hedgesys/sentinel/internal/emergency"
	"github.com/hedgesys/sentinel/internal/forecast"
	"github.com/hedgesys/sentinel/internal/lossmin"
	"github.com/hedgesys/sentinel/internal/monitor"
	"github.com/hedgesys/sentinel/internal/recovery"
	"github.com/hedgesys/sentinel/internal/state"
	"github.com/hedgesys/sentinel/internal/store"
	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

var (
	configPath = flag.String("config", "", "Path to config file (yaml)")
	accounts   = flag.String("accounts", "demo-1", "Comma-separated account IDs to monitor")
)

func main() {
	flag.Parse()

	// Local development reads credentials from .env; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logger := logrus.WithField("component", "main")
	logger.Info("starting margin sentinel")

	bus := events.NewBus(256)

	var mirror *events.NATSMirror
	if cfg.NATSURL != "" {
		mirror, err = events.NewNATSMirror(events.NATSConfig{URL: cfg.NATSURL, ClientID: "sentinel"})
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to NATS")
		}
		mirror.Attach(bus)
	}

	sampleStore := store.NewSampleStore()
	stateMgr := state.NewManager(bus, cfg.Monitoring.DefaultLossCut)

	forecaster := forecast.NewForecaster(sampleStore, bus, forecast.Config{
		RecomputeInterval:   time.Duration(cfg.Forecast.RecomputeIntervalMs) * time.Millisecond,
		TargetMarginLevel:   cfg.Forecast.TargetMarginLevel,
		CountdownConfidence: cfg.Forecast.CountdownConfidence,
		LossCutLevel:        cfg.Monitoring.DefaultLossCut,
	})

	mode := emergency.NewMode(emergency.ModeConfig{
		SuspendedOperations: cfg.Emergency.SuspendedByLevel(),
		AllowedOperations:   cfg.Emergency.AllowedByLevel(),
		AutoRecoveryEnabled: cfg.Emergency.AutoRecoveryEnabled,
		AutoRecoveryTimeout: cfg.Emergency.AutoRecoveryTimeout(),
	}, bus)

	dispatcher := buildDispatcher(cfg, logger)
	executor := emergency.NewExecutor(dispatcher, emergency.NewRegistry(), mode, bus)
	executor.ReserveAccount = cfg.Emergency.ReserveAccount
	analyzer := emergency.NewAnalyzer()
	analyzer.Bind(bus, stateMgr)

	// The real telemetry source and position service are external; sim
	// mode drives everything off the built-in random-walk feed.
	feed := broker.NewSimFeed(time.Now().UnixNano())

	mon := monitor.NewMonitor(feed, sampleStore, stateMgr, bus, monitor.Config{
		Interval: cfg.Monitoring.PollingInterval(),
		Thresholds: monitor.Thresholds{
			Warning:  cfg.Monitoring.WarningThreshold,
			Danger:   cfg.Monitoring.DangerThreshold,
			Critical: cfg.Monitoring.CriticalThreshold,
			LossCut:  cfg.Monitoring.DefaultLossCut,
		},
	})

	mon.SetCriticalHandler(func(accountID string, sample types.MarginSample) {
		dyn := &emergency.DynamicContext{
			MarginLevel: sample.MarginLevel,
			Equity:      sample.Equity,
			UsedMargin:  sample.UsedMargin,
			FreeMargin:  sample.FreeMargin,
		}
		if sample.UnrealizedPL < 0 {
			dyn.TotalLoss = -sample.UnrealizedPL
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := executor.HandleLossCutDetection(ctx, accountID, nil, dyn); err != nil {
				logger.WithError(err).WithField("account", accountID).Error("loss cut response failed to start")
			}
		}()
	})

	calculator := recovery.NewCalculator(cfg.Forecast.TargetMarginLevel)
	optimizer := lossmin.NewOptimizer(lossmin.Preferences{
		MaxLossPercentage:          cfg.LossMin.MaxLossPercentage,
		PreferPartialClose:         cfg.LossMin.PreferPartialClose,
		EnableHedging:              cfg.LossMin.EnableHedging,
		HedgeRatio:                 cfg.LossMin.HedgeRatio,
		PrioritizeMarginEfficiency: cfg.LossMin.PrioritizeMarginEfficiency,
	})

	server := api.NewServer(cfg.HTTPListen, api.Deps{
		Monitor:    mon,
		State:      stateMgr,
		Forecaster: forecaster,
		Mode:       mode,
		Executor:   executor,
		Analyzer:   analyzer,
		Calculator: calculator,
		Optimizer:  optimizer,
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("api server failed")
		}
	}()

	forecaster.Start()
	for _, id := range strings.Split(*accounts, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := mon.StartAccount(id); err != nil {
			logger.WithError(err).WithField("account", id).Fatal("failed to start account monitor")
		}
	}

	fmt.Printf("margin sentinel running, api on %s\n", cfg.HTTPListen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("api shutdown error")
	}
	mon.Stop()
	forecaster.Stop()
	executor.Stop()
	if mirror != nil {
		mirror.Close()
	}
	bus.Close()

	logger.Info("margin sentinel stopped")
}

func buildDispatcher(cfg *config.Config, logger *logrus.Entry) broker.Dispatcher {
	if cfg.Broker.Mode == "binance" {
		logger.Info("dispatching orders to binance futures")
		return broker.NewBinanceDispatcher(cfg.Broker.APIKey, cfg.Broker.SecretKey, unresolvedPositions{})
	}
	logger.Info("dispatching orders to the simulator")
	return broker.NewSimDispatcher()
}

// unresolvedPositions stands in until a position data service is
// attached; close and reduce commands cannot be sized without one.
type unresolvedPositions struct{}

func (unresolvedPositions) ResolvePosition(_ context.Context, accountID, positionID string) (*types.Position, error) {
	return nil, fmt.Errorf("no position service attached, cannot resolve %s/%s", accountID, positionID)
}
