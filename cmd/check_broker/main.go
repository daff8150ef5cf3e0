package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tradecore/order_engine/internal/domain"
	"github.com/tradecore/order_engine/internal/infrastructure/exchange"
)

type Config struct {
	Broker struct {
		Name         string `yaml:"name"`
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"broker"`
	Engine struct {
		QuoteCurrency string `yaml:"quote_currency"`
	} `yaml:"engine"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := zap.NewNop()
	var broker domain.Broker
	symbol := "BTCUSDT"
	switch cfg.Broker.Name {
	case "bybit":
		broker = exchange.NewBybitBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.RESTEndpoint, cfg.Broker.WSEndpoint, log)
	case "alpaca":
		broker = exchange.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.RESTEndpoint, log)
		symbol = "AAPL"
	default:
		fmt.Printf("Unknown broker: %q\n", cfg.Broker.Name)
		os.Exit(1)
	}

	fmt.Printf("Testing %s connectivity...\n", broker.Name())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Public endpoint
	price, err := broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %s\n", symbol, price.String())
	}

	// Signed endpoint
	currency := cfg.Engine.QuoteCurrency
	if currency == "" {
		currency = "USDT"
	}
	balance, err := broker.GetBalance(ctx, currency)
	if err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Balance (%s): %s\n", currency, balance.String())
}
