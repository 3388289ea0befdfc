package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Associate is a syndicate member who contributes capital and holds
// bookmaker accounts. Never hard-deleted while it owns ledger entries;
// deactivate instead.
type Associate struct {
	ID                   int64               `json:"id" db:"id"`
	Alias                string              `json:"alias" db:"alias"` // unique display name
	HomeCurrency         string              `json:"home_currency" db:"home_currency"`
	IsAdmin              bool                `json:"is_admin" db:"is_admin"`
	Active               bool                `json:"active" db:"active"`
	MaxStakePerSurebet   decimal.NullDecimal `json:"max_stake_per_surebet,omitempty" db:"max_stake_per_surebet"`
	MaxBookmakerExposure decimal.NullDecimal `json:"max_bookmaker_exposure,omitempty" db:"max_bookmaker_exposure"`
	CreatedAt            time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at" db:"updated_at"`
}

// Bookmaker is one betting account owned by an associate. Name is unique
// per associate.
type Bookmaker struct {
	ID              int64     `json:"id" db:"id"`
	AssociateID     int64     `json:"associate_id" db:"associate_id"`
	Name            string    `json:"name" db:"name"`
	AccountCurrency string    `json:"account_currency" db:"account_currency"`
	Active          bool      `json:"active" db:"active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
