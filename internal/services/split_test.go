package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestProportionalSplit(t *testing.T) {
	strategy := ProportionalSplit{}

	t.Run("shares proportional to stake", func(t *testing.T) {
		legs := []SettlementLeg{
			{BetID: 1, StakeEUR: dec("300")},
			{BetID: 2, StakeEUR: dec("200")},
		}
		shares := strategy.Split(legs, dec("50"))

		assert.True(t, shares[1].Equal(dec("30")), "got %s", shares[1])
		assert.True(t, shares[2].Equal(dec("20")), "got %s", shares[2])
	})

	t.Run("shares sum exactly to rounded pnl", func(t *testing.T) {
		legs := []SettlementLeg{
			{BetID: 1, StakeEUR: dec("100")},
			{BetID: 2, StakeEUR: dec("100")},
			{BetID: 3, StakeEUR: dec("100")},
		}
		pnl := dec("10")
		shares := strategy.Split(legs, pnl)

		sum := decimal.Zero
		for _, v := range shares {
			sum = sum.Add(v)
		}
		assert.True(t, sum.Equal(pnl), "shares sum to %s, want %s", sum, pnl)
	})

	t.Run("remainder goes to largest stake", func(t *testing.T) {
		legs := []SettlementLeg{
			{BetID: 1, StakeEUR: dec("500")},
			{BetID: 2, StakeEUR: dec("250")},
			{BetID: 3, StakeEUR: dec("250")},
		}
		// 0.025 rounds up on both quarter legs; the -0.01 remainder lands on bet 1
		shares := strategy.Split(legs, dec("0.10"))

		sum := shares[1].Add(shares[2]).Add(shares[3])
		assert.True(t, sum.Equal(dec("0.10")))
		assert.True(t, shares[2].Equal(shares[3]))
	})

	t.Run("negative pnl splits as loss", func(t *testing.T) {
		legs := []SettlementLeg{
			{BetID: 1, StakeEUR: dec("300")},
			{BetID: 2, StakeEUR: dec("100")},
		}
		shares := strategy.Split(legs, dec("-40"))

		assert.True(t, shares[1].Equal(dec("-30")))
		assert.True(t, shares[2].Equal(dec("-10")))
	})

	t.Run("zero total stake degrades to equal split", func(t *testing.T) {
		legs := []SettlementLeg{
			{BetID: 1, StakeEUR: decimal.Zero},
			{BetID: 2, StakeEUR: decimal.Zero},
		}
		shares := strategy.Split(legs, dec("10"))

		assert.True(t, shares[1].Equal(dec("5")))
		assert.True(t, shares[2].Equal(dec("5")))
	})
}

func TestEqualSplit(t *testing.T) {
	strategy := EqualSplit{}

	t.Run("even division", func(t *testing.T) {
		legs := []SettlementLeg{
			{BetID: 1, StakeEUR: dec("900")},
			{BetID: 2, StakeEUR: dec("100")},
		}
		shares := strategy.Split(legs, dec("50"))

		assert.True(t, shares[1].Equal(dec("25")))
		assert.True(t, shares[2].Equal(dec("25")))
	})

	t.Run("remainder keeps exact sum", func(t *testing.T) {
		legs := []SettlementLeg{
			{BetID: 1, StakeEUR: dec("100")},
			{BetID: 2, StakeEUR: dec("100")},
			{BetID: 3, StakeEUR: dec("100")},
		}
		pnl := dec("0.10")
		shares := strategy.Split(legs, pnl)

		sum := shares[1].Add(shares[2]).Add(shares[3])
		assert.True(t, sum.Equal(pnl), "shares sum to %s, want %s", sum, pnl)
	})
}

func TestNewSplitStrategy(t *testing.T) {
	assert.Equal(t, "equal", NewSplitStrategy("equal").Name())
	assert.Equal(t, "proportional", NewSplitStrategy("proportional").Name())
	assert.Equal(t, "proportional", NewSplitStrategy("bogus").Name())
}
