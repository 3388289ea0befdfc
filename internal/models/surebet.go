package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SurebetStatus is the lifecycle of a surebet. The open -> settled
// transition happens exactly once.
type SurebetStatus string

const (
	SurebetOpen    SurebetStatus = "open"
	SurebetSettled SurebetStatus = "settled"
)

// Bet statuses as delivered by the verification pipeline. Only verified
// and matched bets can become surebet legs.
const (
	BetVerified = "verified"
	BetMatched  = "matched"
	BetSettled  = "settled"
)

// Surebet groups two or more approved bets that cover all outcomes of the
// same market. Aggregated risk fields are computed when the legs are
// linked.
type Surebet struct {
	ID                 int64           `json:"id" db:"id"`
	EventRef           string          `json:"event_ref" db:"event_ref"`
	MarketRef          string          `json:"market_ref" db:"market_ref"`
	Status             SurebetStatus   `json:"status" db:"status"`
	WorstCaseProfitEUR decimal.Decimal `json:"worst_case_profit_eur" db:"worst_case_profit_eur"`
	TotalStakedEUR     decimal.Decimal `json:"total_staked_eur" db:"total_staked_eur"`
	ROI                decimal.Decimal `json:"roi" db:"roi"`
	RiskClassification string          `json:"risk_classification" db:"risk_classification"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	SettledAt          *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// SurebetBet links one bet to a surebet. The side tag is immutable once
// the row exists; a mis-assigned leg is corrected by unlink + relink,
// never by updating side in place.
type SurebetBet struct {
	SurebetID int64     `json:"surebet_id" db:"surebet_id"`
	BetID     int64     `json:"bet_id" db:"bet_id"`
	Side      string    `json:"side" db:"side"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Bet is an approved bet record supplied by the verification pipeline.
type Bet struct {
	ID                int64           `json:"id" db:"id"`
	AssociateID       int64           `json:"associate_id" db:"associate_id"`
	BookmakerID       int64           `json:"bookmaker_id" db:"bookmaker_id"`
	StakeEUR          decimal.Decimal `json:"stake_eur" db:"stake_eur"`
	Currency          string          `json:"currency" db:"currency"`
	Odds              decimal.Decimal `json:"odds" db:"odds"`
	CanonicalEventID  string          `json:"canonical_event_id" db:"canonical_event_id"`
	CanonicalMarketID string          `json:"canonical_market_id" db:"canonical_market_id"`
	Side              string          `json:"side" db:"side"`
	Status            string          `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}
