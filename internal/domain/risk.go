package domain

import "github.com/shopspring/decimal"

// RiskSettings is the process-wide configuration consulted by the risk
// evaluator. Percent fields are expressed as whole percents (10 = 10%).
type RiskSettings struct {
	Enabled                  bool            `yaml:"enabled" json:"enabled"`
	MinOrderSize             decimal.Decimal `yaml:"min_order_size" json:"min_order_size"`
	MaxOrderSize             decimal.Decimal `yaml:"max_order_size" json:"max_order_size"` // zero = unlimited
	MaxPositionSizePercent   decimal.Decimal `yaml:"max_position_size_percent" json:"max_position_size_percent"`
	MaxConcurrentPositions   int             `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	MaxTotalExposurePercent  decimal.Decimal `yaml:"max_total_exposure_percent" json:"max_total_exposure_percent"`
	DefaultStopLossPercent   decimal.Decimal `yaml:"default_stop_loss_percent" json:"default_stop_loss_percent"`
	DefaultTakeProfitPercent decimal.Decimal `yaml:"default_take_profit_percent" json:"default_take_profit_percent"`
}

// DefaultRiskSettings returns the limits used when the config omits them.
func DefaultRiskSettings() RiskSettings {
	return RiskSettings{
		Enabled:                  true,
		MinOrderSize:             decimal.NewFromInt(10),
		MaxOrderSize:             decimal.Zero,
		MaxPositionSizePercent:   decimal.NewFromInt(10),
		MaxConcurrentPositions:   5,
		MaxTotalExposurePercent:  decimal.NewFromInt(50),
		DefaultStopLossPercent:   decimal.NewFromInt(2),
		DefaultTakeProfitPercent: decimal.NewFromInt(5),
	}
}
