package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tradecore/order_engine/internal/domain"
	"github.com/tradecore/order_engine/internal/infrastructure/exchange"
	"github.com/tradecore/order_engine/internal/infrastructure/logger"
	"github.com/tradecore/order_engine/internal/infrastructure/storage"
	"github.com/tradecore/order_engine/internal/usecase"
	"github.com/tradecore/order_engine/internal/web"
)

type Config struct {
	Broker struct {
		Name         string `yaml:"name"` // bybit or alpaca
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"broker"`
	Engine struct {
		DBPath             string   `yaml:"db_path"`
		QuoteCurrency      string   `yaml:"quote_currency"`
		ReconcileMs        int      `yaml:"reconcile_interval_ms"`
		PriceRefreshMs     int      `yaml:"price_refresh_interval_ms"`
		BrokerTimeoutMs    int      `yaml:"broker_timeout_ms"`
		StreamSymbols      []string `yaml:"stream_symbols"`
		SavePositionCloses bool     `yaml:"save_position_closes"`
	} `yaml:"engine"`
	Risk    domain.RiskSettings `yaml:"risk"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{Risk: domain.DefaultRiskSettings()}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Credentials come from the environment when present, so the yaml file can
// stay free of secrets.
func resolveCredentials(cfg *Config) {
	prefix := map[string]string{
		"bybit":  "BYBIT",
		"alpaca": "ALPACA",
	}[cfg.Broker.Name]
	if key := os.Getenv(prefix + "_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
}

func newBroker(cfg *Config, log *zap.Logger) (domain.Broker, error) {
	switch cfg.Broker.Name {
	case "bybit":
		return exchange.NewBybitBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.RESTEndpoint, cfg.Broker.WSEndpoint, log), nil
	case "alpaca":
		return exchange.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.RESTEndpoint, log), nil
	default:
		return nil, fmt.Errorf("unknown broker: %q", cfg.Broker.Name)
	}
}

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// .env is optional
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	resolveCredentials(cfg)

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.Level, cfg.Logging.File)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbPath := cfg.Engine.DBPath
	if dbPath == "" {
		dbPath = "engine.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	broker, err := newBroker(cfg, log)
	if err != nil {
		log.Fatal("Failed to init broker", zap.Error(err))
	}

	svcCfg := usecase.DefaultOrderServiceConfig()
	if cfg.Engine.QuoteCurrency != "" {
		svcCfg.QuoteCurrency = cfg.Engine.QuoteCurrency
	}
	if cfg.Engine.BrokerTimeoutMs > 0 {
		svcCfg.BrokerTimeout = time.Duration(cfg.Engine.BrokerTimeoutMs) * time.Millisecond
	}

	engine := usecase.NewEngine(store, broker, cfg.Risk, svcCfg, log)

	// Closed positions go to the position_history table for later review.
	if cfg.Engine.SavePositionCloses {
		engine.Notifier.SubscribePositions(func(ev domain.PositionEvent) {
			if ev.Type != domain.EventPositionClosed || ev.Position == nil {
				return
			}
			history := domain.PositionHistoryFromEvent(ev)
			if err := store.SavePositionHistory(context.Background(), history); err != nil {
				log.Error("Failed to save position history", zap.Error(err))
			}
		})
	}

	engine.Notifier.SubscribeOrders(func(ev domain.OrderEvent) {
		log.Info("Order status changed",
			zap.String("order_id", ev.Order.ID),
			zap.String("client_order_id", ev.Order.ClientOrderID),
			zap.String("from", string(ev.PreviousStatus)),
			zap.String("to", string(ev.Order.Status)))
	})

	// Bybit keeps a ticker stream open for the configured symbols so price
	// lookups rarely hit REST.
	if bybit, ok := broker.(*exchange.BybitBroker); ok && len(cfg.Engine.StreamSymbols) > 0 {
		if err := bybit.Subscribe(cfg.Engine.StreamSymbols); err != nil {
			log.Error("Failed to open price stream", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweep := durationOrDefault(cfg.Engine.ReconcileMs, 5*time.Second)
	refresh := durationOrDefault(cfg.Engine.PriceRefreshMs, 3*time.Second)
	go engine.Run(ctx, sweep, refresh)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := web.NewServer(port, engine.Orders, engine.Tracker, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}

func durationOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
