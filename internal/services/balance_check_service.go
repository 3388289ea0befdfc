package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/middleware"
	"github.com/surepool/backend/internal/models"
)

// BalanceCheckRequest records one operator-reported bookmaker balance.
type BalanceCheckRequest struct {
	AssociateID   int64           `json:"associate_id" validate:"required,gt=0"`
	BookmakerID   int64           `json:"bookmaker_id" validate:"required,gt=0"`
	BalanceNative decimal.Decimal `json:"balance_native"`
	Currency      string          `json:"currency" validate:"required,len=3"`
	FXRateUsed    decimal.Decimal `json:"fx_rate_used"`
	CheckedAt     *time.Time      `json:"checked_at,omitempty"`
}

// BalanceCheckService persists balance snapshots consumed read-only by
// reconciliation. Rows are never mutated once recorded.
type BalanceCheckService struct {
	db        *sql.DB
	validator *ValidationHelper
	log       *zap.Logger
}

func NewBalanceCheckService(db *sql.DB, log *zap.Logger) *BalanceCheckService {
	return &BalanceCheckService{db: db, validator: NewValidationHelper(), log: log}
}

// Record validates and stores one snapshot.
func (s *BalanceCheckService) Record(ctx context.Context, req BalanceCheckRequest, createdBy string) (int64, error) {
	if req.BalanceNative.Sign() < 0 {
		return 0, &ValidationError{Field: "balance_native", Reason: "must not be negative"}
	}
	if !ValidCurrency(req.Currency) {
		return 0, &ValidationError{Field: "currency", Reason: "must be a 3-letter ISO code"}
	}
	if req.FXRateUsed.Sign() <= 0 {
		return 0, &ValidationError{Field: "fx_rate_used", Reason: "must be positive"}
	}

	var owner int64
	err := s.db.QueryRowContext(ctx,
		`SELECT associate_id FROM bookmakers WHERE id = $1`, req.BookmakerID).Scan(&owner)
	if err == sql.ErrNoRows {
		return 0, &ValidationError{Field: "bookmaker_id", Reason: "unknown bookmaker"}
	}
	if err != nil {
		return 0, mapStorageErr("lookup bookmaker", err)
	}
	if owner != req.AssociateID {
		return 0, &ValidationError{Field: "bookmaker_id", Reason: "bookmaker does not belong to associate"}
	}

	checkedAt := time.Now().UTC()
	if req.CheckedAt != nil {
		checkedAt = req.CheckedAt.UTC()
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO balance_checks (associate_id, bookmaker_id, balance_native, native_currency, fx_rate_used, checked_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		req.AssociateID, req.BookmakerID, req.BalanceNative, req.Currency, req.FXRateUsed, checkedAt, createdBy,
	).Scan(&id)
	if err != nil {
		return 0, mapStorageErr("insert balance check", err)
	}
	return id, nil
}

// List returns snapshots for one bookmaker, newest first.
func (s *BalanceCheckService) List(ctx context.Context, bookmakerID int64) ([]models.BalanceCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, associate_id, bookmaker_id, balance_native, native_currency, fx_rate_used, checked_at, created_by
		FROM balance_checks
		WHERE bookmaker_id = $1
		ORDER BY checked_at DESC, id DESC`, bookmakerID)
	if err != nil {
		return nil, mapStorageErr("list balance checks", err)
	}
	defer rows.Close()

	var checks []models.BalanceCheck
	for rows.Next() {
		var bc models.BalanceCheck
		if err := rows.Scan(&bc.ID, &bc.AssociateID, &bc.BookmakerID, &bc.BalanceNative,
			&bc.NativeCurrency, &bc.FXRateUsed, &bc.CheckedAt, &bc.CreatedBy); err != nil {
			return nil, mapStorageErr("scan balance check", err)
		}
		checks = append(checks, bc)
	}
	return checks, rows.Err()
}

// HandleRecord is POST /api/v1/balance-checks.
func (s *BalanceCheckService) HandleRecord(w http.ResponseWriter, r *http.Request) {
	var req BalanceCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	id, err := s.Record(r.Context(), req, middleware.OperatorFromContext(r.Context()))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"id": id})
}

// HandleList is GET /api/v1/balance-checks?bookmaker_id=.
func (s *BalanceCheckService) HandleList(w http.ResponseWriter, r *http.Request) {
	bookmakerID, err := strconv.ParseInt(r.URL.Query().Get("bookmaker_id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "bookmaker_id is required and must be an integer", http.StatusBadRequest, nil)
		return
	}

	checks, err := s.List(r.Context(), bookmakerID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if checks == nil {
		checks = []models.BalanceCheck{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(checks)
}
