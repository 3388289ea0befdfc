package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger movement.
type EntryType string

const (
	EntryDeposit    EntryType = "DEPOSIT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
	EntryBetResult  EntryType = "BET_RESULT"
	EntryCorrection EntryType = "CORRECTION"
)

// SettlementState is the resolution of a single surebet leg.
type SettlementState string

const (
	SettlementWon  SettlementState = "WON"
	SettlementLost SettlementState = "LOST"
	SettlementVoid SettlementState = "VOID"
)

// LedgerEntry is the atomic, immutable unit of financial truth. Rows are
// appended once and never updated or deleted; corrections are new
// CORRECTION rows.
type LedgerEntry struct {
	ID                   int64               `json:"id" db:"id"`
	Type                 EntryType           `json:"type" db:"entry_type"`
	AssociateID          int64               `json:"associate_id" db:"associate_id"`
	BookmakerID          *int64              `json:"bookmaker_id,omitempty" db:"bookmaker_id"`
	AmountNative         decimal.Decimal     `json:"amount_native" db:"amount_native"`
	NativeCurrency       string              `json:"native_currency" db:"native_currency"`
	FXRateSnapshot       decimal.Decimal     `json:"fx_rate_snapshot" db:"fx_rate_snapshot"`
	AmountEUR            decimal.Decimal     `json:"amount_eur" db:"amount_eur"` // frozen at append, never recomputed
	SettlementState      *SettlementState    `json:"settlement_state,omitempty" db:"settlement_state"`
	PrincipalReturnedEUR decimal.NullDecimal `json:"principal_returned_eur,omitempty" db:"principal_returned_eur"`
	PerSurebetShareEUR   decimal.NullDecimal `json:"per_surebet_share_eur,omitempty" db:"per_surebet_share_eur"`
	SurebetID            *int64              `json:"surebet_id,omitempty" db:"surebet_id"`
	BetID                *int64              `json:"bet_id,omitempty" db:"bet_id"`
	SettlementBatchID    *string             `json:"settlement_batch_id,omitempty" db:"settlement_batch_id"`
	Reference            string              `json:"reference,omitempty" db:"reference"` // caller idempotency key
	CreatedAt            time.Time           `json:"created_at" db:"created_at"`
	CreatedBy            string              `json:"created_by" db:"created_by"`
	Note                 string              `json:"note" db:"note"`
}

// BalanceCheck is an operator-reported snapshot of a bookmaker's reported
// balance, used as a trust-but-verify cross-check against the modeled
// ledger balance. Read-only once recorded.
type BalanceCheck struct {
	ID             int64           `json:"id" db:"id"`
	AssociateID    int64           `json:"associate_id" db:"associate_id"`
	BookmakerID    int64           `json:"bookmaker_id" db:"bookmaker_id"`
	BalanceNative  decimal.Decimal `json:"balance_native" db:"balance_native"`
	NativeCurrency string          `json:"native_currency" db:"native_currency"`
	FXRateUsed     decimal.Decimal `json:"fx_rate_used" db:"fx_rate_used"`
	CheckedAt      time.Time       `json:"checked_at" db:"checked_at"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
}
