package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/config"
)

// RateSource supplies conversion rates to EUR. Implemented by the
// external FX provider; StaticRateSource serves fixed rates from config.
type RateSource interface {
	GetRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, bool)
}

// StaticRateSource resolves rates from a fixed currency -> rate table.
type StaticRateSource struct {
	rates map[string]decimal.Decimal
}

func NewStaticRateSource(rates map[string]string) *StaticRateSource {
	parsed := make(map[string]decimal.Decimal, len(rates)+1)
	parsed["EUR"] = decimal.NewFromInt(1)
	for cur, raw := range rates {
		if d, err := decimal.NewFromString(raw); err == nil {
			parsed[cur] = d
		}
	}
	return &StaticRateSource{rates: parsed}
}

func (s *StaticRateSource) GetRate(_ context.Context, currency string, _ time.Time) (decimal.Decimal, bool) {
	d, ok := s.rates[currency]
	return d, ok
}

// FXService caches provider rates per (currency, date). The cache is
// shared read-mostly; population uses SetNX so a key is written at most
// once. A cold-key stampede hits the provider more than once, which is
// tolerated.
type FXService struct {
	source RateSource
	redis  *redis.Client
	ttl    time.Duration
	log    *zap.Logger

	mu    sync.RWMutex
	local map[string]decimal.Decimal
}

func NewFXService(source RateSource, rdb *redis.Client, cfg config.FXConfig, log *zap.Logger) *FXService {
	return &FXService{
		source: source,
		redis:  rdb,
		ttl:    cfg.CacheTTL,
		log:    log,
		local:  make(map[string]decimal.Decimal),
	}
}

// Rate returns the EUR conversion rate for currency on date, and whether
// the provider knew it. EUR is always 1.
func (s *FXService) Rate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, bool) {
	if currency == "EUR" {
		return decimal.NewFromInt(1), true
	}

	key := fxCacheKey(currency, date)

	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, key).Result(); err == nil {
			if d, perr := decimal.NewFromString(raw); perr == nil {
				return d, true
			}
		}
	}

	s.mu.RLock()
	d, ok := s.local[key]
	s.mu.RUnlock()
	if ok {
		return d, true
	}

	rate, found := s.source.GetRate(ctx, currency, date)
	if !found {
		return decimal.Decimal{}, false
	}

	if s.redis != nil {
		if err := s.redis.SetNX(ctx, key, rate.String(), s.ttl).Err(); err != nil {
			s.log.Warn("fx cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	s.mu.Lock()
	s.local[key] = rate
	s.mu.Unlock()

	return rate, true
}

func fxCacheKey(currency string, date time.Time) string {
	return "fx:" + currency + ":" + date.UTC().Format("2006-01-02")
}
