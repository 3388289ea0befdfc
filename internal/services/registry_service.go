package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/models"
)

// Risk classifications assigned when surebet legs are linked.
const (
	RiskCovered = "covered" // worst-case outcome still profitable or break-even
	RiskExposed = "exposed" // at least one outcome loses money
)

// AssociateRequest creates or edits an associate profile.
type AssociateRequest struct {
	Alias                string              `json:"alias" validate:"required,max=64"`
	HomeCurrency         string              `json:"home_currency" validate:"required,len=3"`
	IsAdmin              bool                `json:"is_admin"`
	Active               *bool               `json:"active,omitempty"`
	MaxStakePerSurebet   decimal.NullDecimal `json:"max_stake_per_surebet,omitempty"`
	MaxBookmakerExposure decimal.NullDecimal `json:"max_bookmaker_exposure,omitempty"`
}

// BookmakerRequest creates a bookmaker account under an associate.
type BookmakerRequest struct {
	Name            string `json:"name" validate:"required,max=64"`
	AccountCurrency string `json:"account_currency" validate:"required,len=3"`
}

// SurebetLegRequest names one leg of a new surebet.
type SurebetLegRequest struct {
	BetID int64  `json:"bet_id" validate:"required,gt=0"`
	Side  string `json:"side" validate:"required,max=32"`
}

// LinkRequest creates a surebet from two or more approved bets.
type LinkRequest struct {
	EventRef  string              `json:"event_ref" validate:"required,max=128"`
	MarketRef string              `json:"market_ref" validate:"required,max=128"`
	Legs      []SurebetLegRequest `json:"legs" validate:"required,min=2,dive"`
}

// RegistryService manages associates, bookmakers and surebet linking.
// Ledger-owning rows are never hard-deleted; leg sides are immutable and
// corrected only by unlink + relink.
type RegistryService struct {
	db        *sql.DB
	validator *ValidationHelper
	log       *zap.Logger
}

func NewRegistryService(db *sql.DB, log *zap.Logger) *RegistryService {
	return &RegistryService{db: db, validator: NewValidationHelper(), log: log}
}

// CreateAssociate registers a new syndicate member.
func (s *RegistryService) CreateAssociate(ctx context.Context, req AssociateRequest) (int64, error) {
	if !ValidCurrency(req.HomeCurrency) {
		return 0, &ValidationError{Field: "home_currency", Reason: "must be a 3-letter ISO code"}
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO associates (alias, home_currency, is_admin, active, max_stake_per_surebet, max_bookmaker_exposure)
		VALUES ($1,$2,$3,TRUE,$4,$5)
		RETURNING id`,
		req.Alias, req.HomeCurrency, req.IsAdmin, req.MaxStakePerSurebet, req.MaxBookmakerExposure,
	).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, &ValidationError{Field: "alias", Reason: "alias already in use"}
		}
		return 0, mapStorageErr("insert associate", err)
	}
	return id, nil
}

// UpdateAssociate edits a profile in place. The ledger history is
// untouched: profiles are mutable, ledger rows are not.
func (s *RegistryService) UpdateAssociate(ctx context.Context, id int64, req AssociateRequest) error {
	if !ValidCurrency(req.HomeCurrency) {
		return &ValidationError{Field: "home_currency", Reason: "must be a 3-letter ISO code"}
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE associates
		SET alias = $1, home_currency = $2, is_admin = $3, active = $4,
		    max_stake_per_surebet = $5, max_bookmaker_exposure = $6, updated_at = NOW()
		WHERE id = $7`,
		req.Alias, req.HomeCurrency, req.IsAdmin, active,
		req.MaxStakePerSurebet, req.MaxBookmakerExposure, id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return &ValidationError{Field: "alias", Reason: "alias already in use"}
		}
		return mapStorageErr("update associate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ValidationError{Field: "id", Reason: "unknown associate"}
	}
	return nil
}

// DeleteAssociate removes an associate that owns no ledger entries.
// Associates with ledger history must be deactivated instead.
func (s *RegistryService) DeleteAssociate(ctx context.Context, id int64) error {
	var owns bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE associate_id = $1)`, id).Scan(&owns)
	if err != nil {
		return mapStorageErr("check ledger ownership", err)
	}
	if owns {
		return &ValidationError{Field: "id", Reason: "associate owns ledger entries; deactivate instead of deleting"}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM associates WHERE id = $1`, id)
	if err != nil {
		return mapStorageErr("delete associate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ValidationError{Field: "id", Reason: "unknown associate"}
	}
	return nil
}

// ListAssociates returns all profiles.
func (s *RegistryService) ListAssociates(ctx context.Context) ([]models.Associate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias, home_currency, is_admin, active,
		       max_stake_per_surebet, max_bookmaker_exposure, created_at, updated_at
		FROM associates ORDER BY id`)
	if err != nil {
		return nil, mapStorageErr("list associates", err)
	}
	defer rows.Close()

	var out []models.Associate
	for rows.Next() {
		var a models.Associate
		if err := rows.Scan(&a.ID, &a.Alias, &a.HomeCurrency, &a.IsAdmin, &a.Active,
			&a.MaxStakePerSurebet, &a.MaxBookmakerExposure, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, mapStorageErr("scan associate", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateBookmaker adds a bookmaker account under an associate.
func (s *RegistryService) CreateBookmaker(ctx context.Context, associateID int64, req BookmakerRequest) (int64, error) {
	if !ValidCurrency(req.AccountCurrency) {
		return 0, &ValidationError{Field: "account_currency", Reason: "must be a 3-letter ISO code"}
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bookmakers (associate_id, name, account_currency, active)
		VALUES ($1,$2,$3,TRUE)
		RETURNING id`,
		associateID, req.Name, req.AccountCurrency,
	).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Code {
			case "23505":
				return 0, &ValidationError{Field: "name", Reason: "bookmaker name already in use for this associate"}
			case "23503":
				return 0, &ValidationError{Field: "associate_id", Reason: "unknown associate"}
			}
		}
		return 0, mapStorageErr("insert bookmaker", err)
	}
	return id, nil
}

// LinkBets creates a surebet from verified/matched bets and freezes its
// aggregated risk fields. Each associate's max-stake risk limit is
// enforced at link time.
func (s *RegistryService) LinkBets(ctx context.Context, req LinkRequest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "begin link", Err: err}
	}
	defer tx.Rollback()

	legs := make([]models.Bet, 0, len(req.Legs))
	seen := make(map[int64]bool, len(req.Legs))
	for _, lr := range req.Legs {
		if seen[lr.BetID] {
			return 0, &ValidationError{Field: "legs", Reason: fmt.Sprintf("bet %d listed twice", lr.BetID)}
		}
		seen[lr.BetID] = true

		var b models.Bet
		err := tx.QueryRowContext(ctx, `
			SELECT id, associate_id, bookmaker_id, stake_eur, currency, odds, status
			FROM bets WHERE id = $1`, lr.BetID).Scan(
			&b.ID, &b.AssociateID, &b.BookmakerID, &b.StakeEUR, &b.Currency, &b.Odds, &b.Status)
		if err == sql.ErrNoRows {
			return 0, &ValidationError{Field: "legs", Reason: fmt.Sprintf("unknown bet %d", lr.BetID)}
		}
		if err != nil {
			return 0, mapStorageErr("load bet", err)
		}
		if b.Status != models.BetVerified && b.Status != models.BetMatched {
			return 0, &ValidationError{Field: "legs", Reason: fmt.Sprintf("bet %d is %s, not verified or matched", b.ID, b.Status)}
		}
		b.Side = lr.Side
		legs = append(legs, b)
	}

	if err := s.checkStakeLimits(ctx, tx, legs); err != nil {
		return 0, err
	}

	totalStake, worstCase := aggregateRisk(legs)
	roi := decimal.Zero
	if totalStake.Sign() > 0 {
		roi = worstCase.Div(totalStake).Round(4)
	}
	classification := RiskCovered
	if worstCase.Sign() < 0 {
		classification = RiskExposed
	}

	var surebetID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO surebets (event_ref, market_ref, status, worst_case_profit_eur, total_staked_eur, roi, risk_classification)
		VALUES ($1,$2,'open',$3,$4,$5,$6)
		RETURNING id`,
		req.EventRef, req.MarketRef, RoundEUR(worstCase), RoundEUR(totalStake), roi, classification,
	).Scan(&surebetID)
	if err != nil {
		return 0, mapStorageErr("insert surebet", err)
	}

	for _, leg := range legs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO surebet_bets (surebet_id, bet_id, side)
			VALUES ($1,$2,$3)`,
			surebetID, leg.ID, leg.Side); err != nil {
			return 0, mapStorageErr("insert surebet leg", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bets SET status = 'matched' WHERE id = ANY($1) AND status = 'verified'`,
		pq.Array(betIDs(legs))); err != nil {
		return 0, mapStorageErr("mark bets matched", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "commit link", Err: err}
	}
	return surebetID, nil
}

// UnlinkLeg removes a mis-assigned leg so it can be re-added with the
// right side. The side column itself is never updated; a settled surebet
// can no longer be changed.
func (s *RegistryService) UnlinkLeg(ctx context.Context, surebetID, betID int64) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM surebets WHERE id = $1`, surebetID).Scan(&status)
	if err == sql.ErrNoRows {
		return &ValidationError{Field: "surebet_id", Reason: "unknown surebet"}
	}
	if err != nil {
		return mapStorageErr("load surebet", err)
	}
	if models.SurebetStatus(status) == models.SurebetSettled {
		return &AlreadySettledError{SurebetID: surebetID}
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM surebet_bets WHERE surebet_id = $1 AND bet_id = $2`, surebetID, betID)
	if err != nil {
		return mapStorageErr("unlink leg", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ValidationError{Field: "bet_id", Reason: "bet is not a leg of this surebet"}
	}
	return nil
}

// UpdateLegSide always fails: a leg's side tag is immutable. Fixing a
// mis-assigned side means UnlinkLeg followed by re-linking.
func (s *RegistryService) UpdateLegSide(_ context.Context, _, betID int64, _ string) error {
	return &ImmutableEntryError{Entity: "surebet leg side", ID: betID}
}

func (s *RegistryService) checkStakeLimits(ctx context.Context, tx *sql.Tx, legs []models.Bet) error {
	perAssociate := make(map[int64]decimal.Decimal)
	for _, leg := range legs {
		perAssociate[leg.AssociateID] = perAssociate[leg.AssociateID].Add(leg.StakeEUR)
	}
	for associateID, stake := range perAssociate {
		var limit decimal.NullDecimal
		err := tx.QueryRowContext(ctx,
			`SELECT max_stake_per_surebet FROM associates WHERE id = $1`, associateID).Scan(&limit)
		if err == sql.ErrNoRows {
			return &ValidationError{Field: "legs", Reason: fmt.Sprintf("unknown associate %d", associateID)}
		}
		if err != nil {
			return mapStorageErr("load stake limit", err)
		}
		if limit.Valid && stake.GreaterThan(limit.Decimal) {
			return &ValidationError{Field: "legs", Reason: fmt.Sprintf("associate %d stake %s exceeds per-surebet limit %s",
				associateID, stake.String(), limit.Decimal.String())}
		}
	}
	return nil
}

// aggregateRisk computes total stake and the worst-case profit: the
// minimum over sides of (payout if that side wins) minus total stake.
func aggregateRisk(legs []models.Bet) (totalStake, worstCase decimal.Decimal) {
	payoutBySide := make(map[string]decimal.Decimal)
	for _, leg := range legs {
		totalStake = totalStake.Add(leg.StakeEUR)
		payoutBySide[leg.Side] = payoutBySide[leg.Side].Add(leg.StakeEUR.Mul(leg.Odds))
	}

	first := true
	for _, payout := range payoutBySide {
		profit := payout.Sub(totalStake)
		if first || profit.LessThan(worstCase) {
			worstCase = profit
			first = false
		}
	}
	return totalStake, worstCase
}

func betIDs(legs []models.Bet) []int64 {
	ids := make([]int64, len(legs))
	for i, leg := range legs {
		ids[i] = leg.ID
	}
	return ids
}

// HandleCreateAssociate is POST /api/v1/associates.
func (s *RegistryService) HandleCreateAssociate(w http.ResponseWriter, r *http.Request) {
	var req AssociateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	id, err := s.CreateAssociate(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"id": id})
}

// HandleListAssociates is GET /api/v1/associates.
func (s *RegistryService) HandleListAssociates(w http.ResponseWriter, r *http.Request) {
	out, err := s.ListAssociates(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if out == nil {
		out = []models.Associate{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleUpdateAssociate is PUT /api/v1/associates/{id}.
func (s *RegistryService) HandleUpdateAssociate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "invalid associate id", http.StatusBadRequest, nil)
		return
	}
	var req AssociateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	if err := s.UpdateAssociate(r.Context(), id, req); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteAssociate is DELETE /api/v1/associates/{id}.
func (s *RegistryService) HandleDeleteAssociate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "invalid associate id", http.StatusBadRequest, nil)
		return
	}
	if err := s.DeleteAssociate(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateBookmaker is POST /api/v1/associates/{id}/bookmakers.
func (s *RegistryService) HandleCreateBookmaker(w http.ResponseWriter, r *http.Request) {
	associateID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "invalid associate id", http.StatusBadRequest, nil)
		return
	}
	var req BookmakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	id, err := s.CreateBookmaker(r.Context(), associateID, req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"id": id})
}

// HandleLinkSurebet is POST /api/v1/surebets.
func (s *RegistryService) HandleLinkSurebet(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	id, err := s.LinkBets(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"surebet_id": id})
}

// HandleUnlinkLeg is DELETE /api/v1/surebets/{surebetId}/legs/{betId}.
func (s *RegistryService) HandleUnlinkLeg(w http.ResponseWriter, r *http.Request) {
	surebetID, err := strconv.ParseInt(chi.URLParam(r, "surebetId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "invalid surebet id", http.StatusBadRequest, nil)
		return
	}
	betID, err := strconv.ParseInt(chi.URLParam(r, "betId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "invalid bet id", http.StatusBadRequest, nil)
		return
	}

	if err := s.UnlinkLeg(r.Context(), surebetID, betID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
