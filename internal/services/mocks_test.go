package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockRateSource struct {
	mock.Mock
}

func (m *MockRateSource) GetRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, bool) {
	args := m.Called(ctx, currency, date)
	return args.Get(0).(decimal.Decimal), args.Bool(1)
}
