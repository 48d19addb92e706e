// Command tradecore launches the execution core runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantmill/tradecore/internal/bus"
	"github.com/quantmill/tradecore/internal/config"
	"github.com/quantmill/tradecore/internal/engine"
	"github.com/quantmill/tradecore/internal/journal"
	"github.com/quantmill/tradecore/internal/observability"
	"github.com/quantmill/tradecore/internal/risk"
	"github.com/quantmill/tradecore/internal/router"
	"github.com/quantmill/tradecore/internal/schema"
	"github.com/quantmill/tradecore/internal/telemetry"
)

const (
	defaultConfigPath        = "config/tradecore.yaml"
	loggerPrefix             = "tradecore "
	shutdownTimeout          = 30 * time.Second
	busShutdownTimeout       = 2 * time.Second
	journalShutdownTimeout   = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	drainInterval            = 5 * time.Millisecond
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	appCfg, err := loadConfig(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, venues=%d",
		appCfg.Environment, len(appCfg.Router.Venues))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	dataBus := bus.NewMemoryBus(bus.Config{
		QueueCapacity:    appCfg.Bus.QueueCapacity,
		SubscriberBuffer: appCfg.Bus.SubscriberBuffer,
	})
	dataBus.Start()

	exec := engine.New(engine.Config{
		QueueCapacity: appCfg.Engine.QueueCapacity,
		LatencyWindow: appCfg.Engine.LatencyWindow,
	})

	orderRouter := router.New(router.Config{
		ArchiveCapacity: appCfg.Router.ArchiveCapacity,
		Publisher:       dataBus,
	})
	if err := registerVenues(orderRouter, appCfg.Router.Venues); err != nil {
		logger.Fatalf("register venues: %v", err)
	}

	riskManager := risk.NewManager(risk.Limits{
		Capital:              appCfg.Risk.Capital,
		MaxPositionSize:      appCfg.Risk.MaxPositionSize,
		MaxDrawdownPct:       appCfg.Risk.MaxDrawdownPct,
		MaxConcentrationPct:  appCfg.Risk.MaxConcentrationPct,
		MaxPortfolioLeverage: appCfg.Risk.MaxPortfolioLeverage,
		MaxDailyLoss:         appCfg.Risk.MaxDailyLoss,
		MinSharpeRatio:       appCfg.Risk.MinSharpeRatio,
		MaxOrdersPerSecond:   appCfg.Risk.MaxOrdersPerSecond,
		VaRConfidence:        appCfg.Risk.VaRConfidence,
	})
	eventJournal, journalPool, err := startJournal(ctx, dataBus, appCfg.Journal)
	if err != nil {
		logger.Fatalf("start journal: %v", err)
	}

	var lifecycle conc.WaitGroup
	if err := startEnginePump(ctx, &lifecycle, dataBus, exec); err != nil {
		logger.Fatalf("start engine pump: %v", err)
	}
	if err := startSignalFlow(ctx, &lifecycle, dataBus, orderRouter, riskManager); err != nil {
		logger.Fatalf("start signal flow: %v", err)
	}

	logger.Print("tradecore started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		dataBus:     dataBus,
		journal:     eventJournal,
		journalPool: journalPool,
		telemetry:   telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(ctx context.Context, path string) (config.AppConfig, error) {
	cfg, err := config.Load(ctx, path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.FromEnv()
	}
	return config.AppConfig{}, err
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	if appCfg.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		cfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	cfg.Environment = string(appCfg.Environment)
	cfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	cfg.Enabled = appCfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func registerVenues(orderRouter *router.Router, venues []config.VenueConfig) error {
	for _, vc := range venues {
		venue := router.Venue{Name: vc.Name, Priority: vc.Priority}
		var err error
		if venue.FeeRate, err = parseDecimal(vc.FeeRate); err != nil {
			return fmt.Errorf("venue %s feeRate: %w", vc.Name, err)
		}
		if venue.MinOrderSize, err = parseDecimal(vc.MinOrderSize); err != nil {
			return fmt.Errorf("venue %s minOrderSize: %w", vc.Name, err)
		}
		if venue.MaxOrderSize, err = parseDecimal(vc.MaxOrderSize); err != nil {
			return fmt.Errorf("venue %s maxOrderSize: %w", vc.Name, err)
		}
		for _, t := range vc.SupportedTypes {
			venue.SupportedTypes = append(venue.SupportedTypes, schema.OrderType(t))
		}
		if err := orderRouter.RegisterVenue(venue); err != nil {
			return err
		}
	}
	return nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// startEnginePump forwards engine-bound bus traffic into the execution engine
// and drains its queue on a short interval.
func startEnginePump(ctx context.Context, lifecycle *conc.WaitGroup, dataBus *bus.MemoryBus, exec *engine.Engine) error {
	sub, err := dataBus.Subscribe(schema.TopicAll)
	if err != nil {
		return err
	}

	lifecycle.Go(func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				exec.ProcessPending()
				return
			case <-ticker.C:
				exec.ProcessPending()
			case env, ok := <-sub.C():
				if !ok {
					exec.ProcessPending()
					return
				}
				msg, isMsg := env.Payload.(schema.Message)
				if !isMsg {
					continue
				}
				if err := exec.Submit(msg); err != nil {
					observability.Log().Error("engine pump: submit",
						observability.F("kind", msg.Kind.String()),
						observability.F("error", err.Error()))
				}
			}
		}
	})
	return nil
}

// startSignalFlow turns admitted trading signals into routed orders and feeds
// fill reports back into the risk manager's exposure tracking. Risk metrics
// are published periodically on the risk topic.
func startSignalFlow(ctx context.Context, lifecycle *conc.WaitGroup, dataBus *bus.MemoryBus, orderRouter *router.Router, riskManager *risk.Manager) error {
	signals, err := dataBus.Subscribe(schema.TopicSignals)
	if err != nil {
		return err
	}
	fills, err := dataBus.Subscribe(schema.TopicFills)
	if err != nil {
		return err
	}

	lifecycle.Go(func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dataBus.Publish(schema.TopicRisk, riskManager.Snapshot()); err != nil {
					observability.Log().Debug("signal flow: risk snapshot publish",
						observability.F("error", err.Error()))
				}
			case env, ok := <-signals.C():
				if !ok {
					return
				}
				handleSignal(env, dataBus, orderRouter, riskManager)
			case env, ok := <-fills.C():
				if !ok {
					return
				}
				if fill, isFill := env.Payload.(router.Fill); isFill {
					delta := fill.Quantity
					if fill.Side == schema.SideSell {
						delta = -delta
					}
					riskManager.UpdatePosition(fill.Symbol, delta, fill.Price)
				}
			}
		}
	})
	return nil
}

func handleSignal(env schema.Envelope, dataBus *bus.MemoryBus, orderRouter *router.Router, riskManager *risk.Manager) {
	msg, isMsg := env.Payload.(schema.Message)
	if !isMsg || msg.Kind != schema.KindSignal {
		return
	}
	if msg.Action == schema.ActionHold || msg.Quantity <= 0 || msg.Price <= 0 {
		return
	}

	if err := riskManager.CheckOrderRisk(msg.Symbol, msg.Quantity, msg.Price); err != nil {
		observability.Log().Info("signal flow: order rejected by risk",
			observability.F("symbol", msg.Symbol),
			observability.F("error", err.Error()))
		return
	}

	side := schema.SideBuy
	posSide := schema.SideLong
	if msg.Action == schema.ActionSell {
		side = schema.SideSell
		posSide = schema.SideShort
	}
	order, err := orderRouter.Submit(router.OrderRequest{
		Symbol:   msg.Symbol,
		Side:     side,
		Type:     schema.OrderTypeMarket,
		Quantity: msg.Quantity,
	})
	if err != nil {
		observability.Log().Error("signal flow: route order",
			observability.F("symbol", msg.Symbol),
			observability.F("error", err.Error()))
		return
	}

	exec := schema.ExecuteOrderMessage(order.ID, msg.Symbol, posSide, msg.Quantity, msg.Price)
	if err := dataBus.Publish(schema.TopicOrders, exec); err != nil {
		observability.Log().Error("signal flow: publish execution",
			observability.F("order_id", order.ID),
			observability.F("error", err.Error()))
	}
}

func startJournal(ctx context.Context, dataBus *bus.MemoryBus, cfg config.JournalConfig) (*journal.Journal, *pgxpool.Pool, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	if err := journal.Migrate(ctx, cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("journal pool: %w", err)
	}

	sub, err := dataBus.Subscribe(schema.TopicAll)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	j := journal.New(journal.NewPGStore(pool), journal.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushEvery(),
	})
	j.Start(sub.C())
	return j, pool, nil
}

type gracefulShutdownConfig struct {
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	dataBus     *bus.MemoryBus
	journal     *journal.Journal
	journalPool *pgxpool.Pool
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.dataBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.journal != nil {
		shutdownStep("flushing event journal", journalShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.journal.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}
	if cfg.journalPool != nil {
		cfg.journalPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
