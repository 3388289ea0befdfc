package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config carries every runtime parameter. It is loaded once at startup
// and passed into service constructors; services never read viper
// themselves.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsPort string
	JWTSecret   string

	Funding        FundingConfig
	FX             FXConfig
	Settlement     SettlementConfig
	Reconciliation ReconciliationConfig
}

// FundingConfig bounds funding input. MaxAmount is a fat-finger sanity
// ceiling, not a business rule.
type FundingConfig struct {
	MaxAmount decimal.Decimal
}

// FXConfig controls rate lookup and caching.
type FXConfig struct {
	FallbackRate decimal.Decimal // used when the provider has no rate
	CacheTTL     time.Duration
	StaticRates  map[string]string // currency -> rate, optional in-process source
}

// SettlementConfig selects the profit/loss split policy.
type SettlementConfig struct {
	SplitPolicy string // "proportional" or "equal"
}

// ReconciliationConfig holds the imbalance tolerance band.
type ReconciliationConfig struct {
	ToleranceEUR decimal.Decimal
}

// Load reads .env plus environment overrides and resolves defaults.
func Load() Config {
	viper.SetDefault("env", "local")
	viper.SetDefault("http.port", "8080")
	viper.SetDefault("metrics.port", "9095")
	viper.SetDefault("jwt.secret_key", "")

	viper.SetDefault("funding.max_amount", "50000")
	viper.SetDefault("fx.fallback_rate", "1.0")
	viper.SetDefault("fx.cache_ttl", 30*24*time.Hour)
	viper.SetDefault("settlement.split_policy", "proportional")
	viper.SetDefault("reconciliation.tolerance_eur", "10")

	return Config{
		Env:         viper.GetString("env"),
		HTTPPort:    viper.GetString("http.port"),
		MetricsPort: viper.GetString("metrics.port"),
		JWTSecret:   viper.GetString("jwt.secret_key"),
		Funding: FundingConfig{
			MaxAmount: mustDecimal(viper.GetString("funding.max_amount")),
		},
		FX: FXConfig{
			FallbackRate: mustDecimal(viper.GetString("fx.fallback_rate")),
			CacheTTL:     viper.GetDuration("fx.cache_ttl"),
			StaticRates:  viper.GetStringMapString("fx.static_rates"),
		},
		Settlement: SettlementConfig{
			SplitPolicy: viper.GetString("settlement.split_policy"),
		},
		Reconciliation: ReconciliationConfig{
			ToleranceEUR: mustDecimal(viper.GetString("reconciliation.tolerance_eur")),
		},
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("config: invalid decimal value " + s)
	}
	return d
}
