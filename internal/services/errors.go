package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError rejects malformed input. Recoverable: the caller can
// correct the request and retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ImmutableEntryError rejects an update or delete of an append-only row,
// or a change to a surebet leg's side. Fatal to the operation and never
// retried; the UI treats it as a tampering alert.
type ImmutableEntryError struct {
	Entity string
	ID     int64
}

func (e *ImmutableEntryError) Error() string {
	return fmt.Sprintf("%s %d is append-only and cannot be modified", e.Entity, e.ID)
}

// AlreadySettledError rejects re-settlement of a settled surebet.
// Idempotent callers treat it as "no-op, already done".
type AlreadySettledError struct {
	SurebetID int64
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("surebet %d is already settled", e.SurebetID)
}

// FXUnavailableError is a warning, not a failure: the operation proceeded
// with the fallback rate and the caller surfaces the degradation.
type FXUnavailableError struct {
	Currency     string
	Date         time.Time
	FallbackRate decimal.Decimal
}

func (e *FXUnavailableError) Error() string {
	return fmt.Sprintf("no FX rate for %s on %s, used fallback %s",
		e.Currency, e.Date.Format("2006-01-02"), e.FallbackRate.String())
}

// StorageError wraps an underlying transaction failure. The caller may
// retry once with the same idempotency key; the core never retries
// internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
