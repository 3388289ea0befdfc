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

	"github.com/surepool/backend/internal/config"
	"github.com/surepool/backend/internal/metrics"
	"github.com/surepool/backend/internal/middleware"
	"github.com/surepool/backend/internal/models"
)

// FundingRequest posts a DEPOSIT or WITHDRAWAL into the ledger.
type FundingRequest struct {
	AssociateID int64            `json:"associate_id" validate:"required,gt=0"`
	BookmakerID *int64           `json:"bookmaker_id,omitempty"`
	Type        models.EntryType `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL"`
	Amount      decimal.Decimal  `json:"amount"`
	Currency    string           `json:"currency" validate:"required,len=3"`
	Reference   string           `json:"reference,omitempty"` // idempotency key, duplicates rejected
	Note        string           `json:"note,omitempty" validate:"max=200"`
}

// FundingService validates and posts funding movements. It is one of the
// two writers into the ledger store.
type FundingService struct {
	db        *sql.DB
	ledger    *LedgerStore
	fx        *FXService
	cfg       config.FundingConfig
	fallback  decimal.Decimal
	validator *ValidationHelper
	log       *zap.Logger
}

func NewFundingService(db *sql.DB, ledger *LedgerStore, fx *FXService, cfg config.FundingConfig, fxCfg config.FXConfig, log *zap.Logger) *FundingService {
	return &FundingService{
		db:        db,
		ledger:    ledger,
		fx:        fx,
		cfg:       cfg,
		fallback:  fxCfg.FallbackRate,
		validator: NewValidationHelper(),
		log:       log,
	}
}

// RecordTransaction validates the request, snapshots the FX rate and
// appends exactly one ledger entry. Withdrawals are stored negated so
// summation yields net position directly. The returned warning is non-nil
// when the FX provider had no rate and the fallback was used.
func (s *FundingService) RecordTransaction(ctx context.Context, req FundingRequest, createdBy string) (int64, *FXUnavailableError, error) {
	if req.Amount.Sign() <= 0 {
		return 0, nil, &ValidationError{Field: "amount", Reason: "must be strictly positive"}
	}
	if !ValidCurrency(req.Currency) {
		return 0, nil, &ValidationError{Field: "currency", Reason: "must be a 3-letter ISO code"}
	}
	if req.Amount.GreaterThan(s.cfg.MaxAmount) {
		return 0, nil, &ValidationError{Field: "amount", Reason: "exceeds sanity ceiling " + s.cfg.MaxAmount.String()}
	}
	if req.Type != models.EntryDeposit && req.Type != models.EntryWithdrawal {
		return 0, nil, &ValidationError{Field: "type", Reason: "must be DEPOSIT or WITHDRAWAL"}
	}

	if err := s.checkOwnership(ctx, req.AssociateID, req.BookmakerID); err != nil {
		return 0, nil, err
	}

	today := time.Now().UTC()
	rate, found := s.fx.Rate(ctx, req.Currency, today)
	var warn *FXUnavailableError
	if !found {
		rate = s.fallback
		warn = &FXUnavailableError{Currency: req.Currency, Date: today, FallbackRate: rate}
		metrics.FXFallbacks.Inc()
		s.log.Warn("fx rate unavailable, using fallback",
			zap.String("currency", req.Currency),
			zap.String("fallback", rate.String()))
	}

	amount := req.Amount
	if req.Type == models.EntryWithdrawal {
		amount = amount.Neg()
	}

	id, err := s.ledger.Append(ctx, models.LedgerEntry{
		Type:           req.Type,
		AssociateID:    req.AssociateID,
		BookmakerID:    req.BookmakerID,
		AmountNative:   amount,
		NativeCurrency: req.Currency,
		FXRateSnapshot: rate,
		Reference:      req.Reference,
		CreatedBy:      createdBy,
		Note:           req.Note,
	})
	if err != nil {
		return 0, nil, err
	}
	return id, warn, nil
}

func (s *FundingService) checkOwnership(ctx context.Context, associateID int64, bookmakerID *int64) error {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM associates WHERE id = $1`, associateID).Scan(&active)
	if err == sql.ErrNoRows {
		return &ValidationError{Field: "associate_id", Reason: "unknown associate"}
	}
	if err != nil {
		return mapStorageErr("lookup associate", err)
	}
	if !active {
		return &ValidationError{Field: "associate_id", Reason: "associate is inactive"}
	}

	if bookmakerID != nil {
		var owner int64
		err := s.db.QueryRowContext(ctx,
			`SELECT associate_id FROM bookmakers WHERE id = $1`, *bookmakerID).Scan(&owner)
		if err == sql.ErrNoRows {
			return &ValidationError{Field: "bookmaker_id", Reason: "unknown bookmaker"}
		}
		if err != nil {
			return mapStorageErr("lookup bookmaker", err)
		}
		if owner != associateID {
			return &ValidationError{Field: "bookmaker_id", Reason: "bookmaker does not belong to associate"}
		}
	}
	return nil
}

// CorrectionRequest posts a signed CORRECTION entry. Corrections are the
// only way to fix a mistaken ledger row; the original row stays intact.
type CorrectionRequest struct {
	AssociateID int64           `json:"associate_id" validate:"required,gt=0"`
	BookmakerID *int64          `json:"bookmaker_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"` // signed, moves TB directly
	Currency    string          `json:"currency" validate:"required,len=3"`
	Note        string          `json:"note" validate:"required,max=200"`
}

// RecordCorrection appends a CORRECTION entry. A note explaining the
// correction is mandatory.
func (s *FundingService) RecordCorrection(ctx context.Context, req CorrectionRequest, createdBy string) (int64, *FXUnavailableError, error) {
	if req.Amount.Sign() == 0 {
		return 0, nil, &ValidationError{Field: "amount", Reason: "must be non-zero"}
	}
	if !ValidCurrency(req.Currency) {
		return 0, nil, &ValidationError{Field: "currency", Reason: "must be a 3-letter ISO code"}
	}
	if req.Amount.Abs().GreaterThan(s.cfg.MaxAmount) {
		return 0, nil, &ValidationError{Field: "amount", Reason: "exceeds sanity ceiling " + s.cfg.MaxAmount.String()}
	}
	if req.Note == "" {
		return 0, nil, &ValidationError{Field: "note", Reason: "a correction requires an explanation"}
	}
	if err := s.checkOwnership(ctx, req.AssociateID, req.BookmakerID); err != nil {
		return 0, nil, err
	}

	today := time.Now().UTC()
	rate, found := s.fx.Rate(ctx, req.Currency, today)
	var warn *FXUnavailableError
	if !found {
		rate = s.fallback
		warn = &FXUnavailableError{Currency: req.Currency, Date: today, FallbackRate: rate}
		metrics.FXFallbacks.Inc()
	}

	id, err := s.ledger.Append(ctx, models.LedgerEntry{
		Type:           models.EntryCorrection,
		AssociateID:    req.AssociateID,
		BookmakerID:    req.BookmakerID,
		AmountNative:   req.Amount,
		NativeCurrency: req.Currency,
		FXRateSnapshot: rate,
		CreatedBy:      createdBy,
		Note:           req.Note,
	})
	if err != nil {
		return 0, nil, err
	}
	return id, warn, nil
}

// HandleCorrection is POST /api/v1/corrections.
func (s *FundingService) HandleCorrection(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	id, warn, err := s.RecordCorrection(r.Context(), req, middleware.OperatorFromContext(r.Context()))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	resp := map[string]any{"ledger_id": id}
	if warn != nil {
		resp["warning"] = warn.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// HandleRecord is POST /api/v1/funding.
func (s *FundingService) HandleRecord(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	id, warn, err := s.RecordTransaction(r.Context(), req, middleware.OperatorFromContext(r.Context()))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	resp := map[string]any{"ledger_id": id}
	if warn != nil {
		resp["warning"] = warn.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// HandleQueryLedger is GET /api/v1/ledger, the audit/history view.
func (s *FundingService) HandleQueryLedger(w http.ResponseWriter, r *http.Request) {
	f, err := parseLedgerFilter(r)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	entries, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func parseLedgerFilter(r *http.Request) (LedgerFilter, error) {
	var f LedgerFilter
	q := r.URL.Query()

	for param, dst := range map[string]**int64{
		"associate_id": &f.AssociateID,
		"bookmaker_id": &f.BookmakerID,
		"surebet_id":   &f.SurebetID,
	} {
		if raw := q.Get(param); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return f, &ValidationError{Field: param, Reason: "must be an integer"}
			}
			*dst = &v
		}
	}
	if raw := q.Get("type"); raw != "" {
		t := models.EntryType(raw)
		f.Type = &t
	}
	for param, dst := range map[string]**time.Time{
		"from": &f.From,
		"to":   &f.To,
	} {
		if raw := q.Get(param); raw != "" {
			t, err := time.Parse("2006-01-02", raw)
			if err != nil {
				return f, &ValidationError{Field: param, Reason: "must be YYYY-MM-DD"}
			}
			*dst = &t
		}
	}
	return f, nil
}
