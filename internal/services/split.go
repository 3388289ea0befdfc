package services

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SettlementLeg is one surebet leg as seen by the settlement computation.
type SettlementLeg struct {
	BetID       int64
	AssociateID int64
	BookmakerID int64
	Side        string
	StakeEUR    decimal.Decimal
	Currency    string
}

// SplitStrategy apportions the aggregate profit or loss of a surebet
// across its legs. The returned shares are rounded to 2 decimals and sum
// exactly to the rounded P&L.
type SplitStrategy interface {
	Name() string
	Split(legs []SettlementLeg, pnlEUR decimal.Decimal) map[int64]decimal.Decimal
}

// NewSplitStrategy resolves the configured policy name. Unknown names
// fall back to proportional.
func NewSplitStrategy(policy string) SplitStrategy {
	if policy == "equal" {
		return EqualSplit{}
	}
	return ProportionalSplit{}
}

// ProportionalSplit gives each leg a share of P&L proportional to its
// stake. Zero total stake degenerates to an equal split.
type ProportionalSplit struct{}

func (ProportionalSplit) Name() string { return "proportional" }

func (ProportionalSplit) Split(legs []SettlementLeg, pnlEUR decimal.Decimal) map[int64]decimal.Decimal {
	total := decimal.Zero
	for _, l := range legs {
		total = total.Add(l.StakeEUR)
	}
	if total.Sign() == 0 {
		return EqualSplit{}.Split(legs, pnlEUR)
	}

	shares := make(map[int64]decimal.Decimal, len(legs))
	for _, l := range legs {
		shares[l.BetID] = RoundEUR(pnlEUR.Mul(l.StakeEUR).Div(total))
	}
	distributeRemainder(legs, shares, pnlEUR)
	return shares
}

// EqualSplit divides P&L evenly across legs regardless of stake.
type EqualSplit struct{}

func (EqualSplit) Name() string { return "equal" }

func (EqualSplit) Split(legs []SettlementLeg, pnlEUR decimal.Decimal) map[int64]decimal.Decimal {
	shares := make(map[int64]decimal.Decimal, len(legs))
	if len(legs) == 0 {
		return shares
	}
	each := RoundEUR(pnlEUR.Div(decimal.NewFromInt(int64(len(legs)))))
	for _, l := range legs {
		shares[l.BetID] = each
	}
	distributeRemainder(legs, shares, pnlEUR)
	return shares
}

// distributeRemainder assigns the rounding remainder to the leg with the
// largest stake (lowest bet id on ties) so shares sum exactly to the
// rounded P&L.
func distributeRemainder(legs []SettlementLeg, shares map[int64]decimal.Decimal, pnlEUR decimal.Decimal) {
	if len(legs) == 0 {
		return
	}
	sum := decimal.Zero
	for _, v := range shares {
		sum = sum.Add(v)
	}
	remainder := RoundEUR(pnlEUR).Sub(sum)
	if remainder.Sign() == 0 {
		return
	}

	ordered := make([]SettlementLeg, len(legs))
	copy(ordered, legs)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].StakeEUR.Equal(ordered[j].StakeEUR) {
			return ordered[i].StakeEUR.GreaterThan(ordered[j].StakeEUR)
		}
		return ordered[i].BetID < ordered[j].BetID
	})
	target := ordered[0].BetID
	shares[target] = shares[target].Add(remainder)
}
