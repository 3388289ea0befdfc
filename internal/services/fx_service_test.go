package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/config"
)

func TestFXService_Rate(t *testing.T) {
	date := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	cfg := config.FXConfig{FallbackRate: dec("1.0"), CacheTTL: time.Hour}

	t.Run("EUR is always 1 without any lookup", func(t *testing.T) {
		source := new(MockRateSource)
		svc := NewFXService(source, nil, cfg, zap.NewNop())

		rate, found := svc.Rate(context.Background(), "EUR", date)
		assert.True(t, found)
		assert.True(t, rate.Equal(dec("1")))
		source.AssertNotCalled(t, "GetRate")
	})

	t.Run("redis hit skips the provider", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectGet("fx:USD:2026-08-31").SetVal("0.92")

		source := new(MockRateSource)
		svc := NewFXService(source, rdb, cfg, zap.NewNop())

		rate, found := svc.Rate(context.Background(), "USD", date)
		assert.True(t, found)
		assert.True(t, rate.Equal(dec("0.92")))
		source.AssertNotCalled(t, "GetRate")
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("miss hits the provider and populates the cache once", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectGet("fx:GBP:2026-08-31").RedisNil()
		rmock.ExpectSetNX("fx:GBP:2026-08-31", "1.15", time.Hour).SetVal(true)

		source := new(MockRateSource)
		source.On("GetRate", mock.Anything, "GBP", date).Return(dec("1.15"), true).Once()
		svc := NewFXService(source, rdb, cfg, zap.NewNop())

		rate, found := svc.Rate(context.Background(), "GBP", date)
		assert.True(t, found)
		assert.True(t, rate.Equal(dec("1.15")))
		source.AssertExpectations(t)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("in-process cache serves repeat lookups without redis", func(t *testing.T) {
		source := new(MockRateSource)
		source.On("GetRate", mock.Anything, "USD", date).Return(dec("0.92"), true).Once()
		svc := NewFXService(source, nil, cfg, zap.NewNop())

		for i := 0; i < 3; i++ {
			rate, found := svc.Rate(context.Background(), "USD", date)
			assert.True(t, found)
			assert.True(t, rate.Equal(dec("0.92")))
		}
		source.AssertExpectations(t)
	})

	t.Run("provider miss reports not found", func(t *testing.T) {
		source := new(MockRateSource)
		source.On("GetRate", mock.Anything, "THB", date).Return(dec("0"), false)
		svc := NewFXService(source, nil, cfg, zap.NewNop())

		_, found := svc.Rate(context.Background(), "THB", date)
		assert.False(t, found)
	})
}

func TestStaticRateSource(t *testing.T) {
	source := NewStaticRateSource(map[string]string{"USD": "0.92", "bad": "x"})

	rate, found := source.GetRate(context.Background(), "USD", time.Now())
	assert.True(t, found)
	assert.True(t, rate.Equal(dec("0.92")))

	_, found = source.GetRate(context.Background(), "JPY", time.Now())
	assert.False(t, found)

	rate, found = source.GetRate(context.Background(), "EUR", time.Now())
	assert.True(t, found)
	assert.True(t, rate.Equal(dec("1")))
}
