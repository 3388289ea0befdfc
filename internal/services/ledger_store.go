package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/metrics"
	"github.com/surepool/backend/internal/models"
)

// SettlementNotePrefix marks ledger entries produced by settlement, so
// reconciliation can separate funding activity from trading activity.
const SettlementNotePrefix = "[settlement]"

// LedgerFilter narrows a ledger query. Nil fields match everything.
type LedgerFilter struct {
	AssociateID *int64
	BookmakerID *int64
	Type        *models.EntryType
	SurebetID   *int64
	From        *time.Time
	To          *time.Time
}

// LedgerStore is the single source of truth. It exposes append and query
// only; rows are immutable once committed, enforced both here and by
// database triggers.
type LedgerStore struct {
	db  *sql.DB
	log *zap.Logger
}

func NewLedgerStore(db *sql.DB, log *zap.Logger) *LedgerStore {
	return &LedgerStore{db: db, log: log}
}

// RoundEUR applies the ledger's rounding policy: 2 decimals, half up,
// applied once at the leaf computation and never re-rounded downstream.
func RoundEUR(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Append validates and writes one entry in its own transaction.
func (s *LedgerStore) Append(ctx context.Context, e models.LedgerEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "begin append", Err: err}
	}
	defer tx.Rollback()

	id, err := s.AppendTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "commit append", Err: err}
	}
	return id, nil
}

// AppendTx validates and writes one entry inside a caller-owned
// transaction. amount_eur is computed from the caller-supplied FX
// snapshot and frozen; it is never derived again at read time.
func (s *LedgerStore) AppendTx(ctx context.Context, tx *sql.Tx, e models.LedgerEntry) (int64, error) {
	if err := s.validateEntry(ctx, tx, e); err != nil {
		return 0, err
	}

	amountEUR := RoundEUR(e.AmountNative.Mul(e.FXRateSnapshot))

	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (
			entry_type, associate_id, bookmaker_id,
			amount_native, native_currency, fx_rate_snapshot, amount_eur,
			settlement_state, principal_returned_eur, per_surebet_share_eur,
			surebet_id, bet_id, settlement_batch_id,
			reference, created_by, note
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		e.Type, e.AssociateID, e.BookmakerID,
		e.AmountNative, e.NativeCurrency, e.FXRateSnapshot, amountEUR,
		(*string)(e.SettlementState), e.PrincipalReturnedEUR, e.PerSurebetShareEUR,
		e.SurebetID, e.BetID, e.SettlementBatchID,
		nullIfEmpty(e.Reference), e.CreatedBy, e.Note,
	).Scan(&id)
	if err != nil {
		return 0, mapStorageErr("append ledger entry", err)
	}

	metrics.LedgerAppends.WithLabelValues(string(e.Type)).Inc()
	return id, nil
}

// Update always fails: ledger rows are append-only. Corrections are new
// CORRECTION entries.
func (s *LedgerStore) Update(_ context.Context, id int64, _ models.LedgerEntry) error {
	return &ImmutableEntryError{Entity: "ledger entry", ID: id}
}

// Delete always fails: ledger rows are append-only.
func (s *LedgerStore) Delete(_ context.Context, id int64) error {
	return &ImmutableEntryError{Entity: "ledger entry", ID: id}
}

// Query returns entries matching the filter, ordered by created_at then
// id ascending so running-balance computation is deterministic.
func (s *LedgerStore) Query(ctx context.Context, f LedgerFilter) ([]models.LedgerEntry, error) {
	query := `
		SELECT id, entry_type, associate_id, bookmaker_id,
		       amount_native, native_currency, fx_rate_snapshot, amount_eur,
		       settlement_state, principal_returned_eur, per_surebet_share_eur,
		       surebet_id, bet_id, settlement_batch_id,
		       reference, created_at, created_by, note
		FROM ledger_entries`

	var (
		conds []string
		args  []any
	)
	addCond := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.AssociateID != nil {
		addCond("associate_id = $%d", *f.AssociateID)
	}
	if f.BookmakerID != nil {
		addCond("bookmaker_id = $%d", *f.BookmakerID)
	}
	if f.Type != nil {
		addCond("entry_type = $%d", string(*f.Type))
	}
	if f.SurebetID != nil {
		addCond("surebet_id = $%d", *f.SurebetID)
	}
	if f.From != nil {
		addCond("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		addCond("created_at < $%d", *f.To)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStorageErr("query ledger", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, mapStorageErr("scan ledger entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageErr("iterate ledger", err)
	}
	return entries, nil
}

func (s *LedgerStore) validateEntry(ctx context.Context, tx *sql.Tx, e models.LedgerEntry) error {
	switch e.Type {
	case models.EntryDeposit, models.EntryWithdrawal, models.EntryBetResult, models.EntryCorrection:
	default:
		return &ValidationError{Field: "type", Reason: "unknown entry type " + string(e.Type)}
	}
	if e.AssociateID <= 0 {
		return &ValidationError{Field: "associate_id", Reason: "required"}
	}
	if !ValidCurrency(e.NativeCurrency) {
		return &ValidationError{Field: "native_currency", Reason: "must be a 3-letter ISO code"}
	}
	if e.FXRateSnapshot.Sign() <= 0 {
		return &ValidationError{Field: "fx_rate_snapshot", Reason: "must be positive"}
	}
	if e.CreatedBy == "" {
		return &ValidationError{Field: "created_by", Reason: "required"}
	}

	if e.Type == models.EntryBetResult {
		if e.SurebetID == nil || e.BetID == nil {
			return &ValidationError{Field: "surebet_id", Reason: "BET_RESULT requires surebet and bet references"}
		}
		if e.SettlementState == nil {
			return &ValidationError{Field: "settlement_state", Reason: "BET_RESULT requires a settlement state"}
		}
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM surebet_bets WHERE surebet_id = $1 AND bet_id = $2)`,
			*e.SurebetID, *e.BetID).Scan(&exists)
		if err != nil {
			return mapStorageErr("check surebet leg", err)
		}
		if !exists {
			return &ValidationError{Field: "bet_id", Reason: fmt.Sprintf("bet %d is not a leg of surebet %d", *e.BetID, *e.SurebetID)}
		}
	}
	return nil
}

func scanLedgerEntry(rows *sql.Rows) (models.LedgerEntry, error) {
	var (
		e         models.LedgerEntry
		bookmaker sql.NullInt64
		state     sql.NullString
		surebet   sql.NullInt64
		bet       sql.NullInt64
		batch     sql.NullString
		reference sql.NullString
	)
	err := rows.Scan(
		&e.ID, &e.Type, &e.AssociateID, &bookmaker,
		&e.AmountNative, &e.NativeCurrency, &e.FXRateSnapshot, &e.AmountEUR,
		&state, &e.PrincipalReturnedEUR, &e.PerSurebetShareEUR,
		&surebet, &bet, &batch,
		&reference, &e.CreatedAt, &e.CreatedBy, &e.Note,
	)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if bookmaker.Valid {
		e.BookmakerID = &bookmaker.Int64
	}
	if state.Valid {
		st := models.SettlementState(state.String)
		e.SettlementState = &st
	}
	if surebet.Valid {
		e.SurebetID = &surebet.Int64
	}
	if bet.Valid {
		e.BetID = &bet.Int64
	}
	if batch.Valid {
		e.SettlementBatchID = &batch.String
	}
	if reference.Valid {
		e.Reference = reference.String
	}
	return e, nil
}

// mapStorageErr translates driver errors into the service taxonomy. The
// immutability triggers raise with a recognizable message; unique
// violations on the idempotency reference become validation errors.
func mapStorageErr(op string, err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		msg := strings.ToLower(pqErr.Message)
		if strings.Contains(msg, "append-only") || strings.Contains(msg, "immutable") {
			return &ImmutableEntryError{Entity: immutableEntity(msg)}
		}
		if pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "reference") {
			return &ValidationError{Field: "reference", Reason: "duplicate idempotency reference"}
		}
	}
	return &StorageError{Op: op, Err: err}
}

// immutableEntity names what a storage trigger refused to mutate, so the
// tamper alert says which protected row was touched.
func immutableEntity(msg string) string {
	switch {
	case strings.Contains(msg, "balance check"):
		return "balance check"
	case strings.Contains(msg, "surebet leg"):
		return "surebet leg side"
	default:
		return "ledger entry"
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
