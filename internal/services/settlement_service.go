package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/config"
	"github.com/surepool/backend/internal/metrics"
	"github.com/surepool/backend/internal/middleware"
	"github.com/surepool/backend/internal/models"
)

// LegOutcome is the operator-reported resolution of one leg: its state
// plus the payout received from the bookmaker in the leg's native
// currency (zero for LOST, the returned stake for VOID).
type LegOutcome struct {
	BetID        int64                  `json:"bet_id" validate:"required,gt=0"`
	State        models.SettlementState `json:"state" validate:"required,oneof=WON LOST VOID"`
	PayoutNative decimal.Decimal        `json:"payout_native"`
}

// Outcome resolves a whole surebet; every leg must be covered.
type Outcome struct {
	Legs []LegOutcome `json:"legs" validate:"required,min=2,dive"`
}

// SettlementService is the second writer into the ledger store. One
// settlement produces one atomic batch of BET_RESULT entries that
// distribute principal and profit/loss across all legs.
type SettlementService struct {
	db        *sql.DB
	ledger    *LedgerStore
	fx        *FXService
	strategy  SplitStrategy
	fallback  decimal.Decimal
	validator *ValidationHelper
	log       *zap.Logger
}

func NewSettlementService(db *sql.DB, ledger *LedgerStore, fx *FXService, cfg config.SettlementConfig, fxCfg config.FXConfig, log *zap.Logger) *SettlementService {
	return &SettlementService{
		db:        db,
		ledger:    ledger,
		fx:        fx,
		strategy:  NewSplitStrategy(cfg.SplitPolicy),
		fallback:  fxCfg.FallbackRate,
		validator: NewValidationHelper(),
		log:       log,
	}
}

// Settle posts the BET_RESULT batch for one resolved surebet and flips
// its status to settled, all inside one transaction. A surebet already
// settled fails with AlreadySettledError and appends nothing.
func (s *SettlementService) Settle(ctx context.Context, surebetID int64, outcome Outcome, createdBy string) (string, []*FXUnavailableError, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, &StorageError{Op: "begin settlement", Err: err}
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM surebets WHERE id = $1 FOR UPDATE`, surebetID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil, &ValidationError{Field: "surebet_id", Reason: "unknown surebet"}
	}
	if err != nil {
		return "", nil, mapStorageErr("lock surebet", err)
	}
	if models.SurebetStatus(status) == models.SurebetSettled {
		return "", nil, &AlreadySettledError{SurebetID: surebetID}
	}

	legs, err := s.loadLegs(ctx, tx, surebetID)
	if err != nil {
		return "", nil, err
	}
	if len(legs) < 2 {
		return "", nil, &ValidationError{Field: "surebet_id", Reason: "surebet has fewer than two legs"}
	}

	byBet := make(map[int64]LegOutcome, len(outcome.Legs))
	for _, lo := range outcome.Legs {
		if _, dup := byBet[lo.BetID]; dup {
			return "", nil, &ValidationError{Field: "legs", Reason: fmt.Sprintf("duplicate outcome for bet %d", lo.BetID)}
		}
		byBet[lo.BetID] = lo
	}
	for _, leg := range legs {
		if _, ok := byBet[leg.BetID]; !ok {
			return "", nil, &ValidationError{Field: "legs", Reason: fmt.Sprintf("missing outcome for bet %d", leg.BetID)}
		}
	}
	if len(byBet) != len(legs) {
		return "", nil, &ValidationError{Field: "legs", Reason: "outcome references bets that are not legs of this surebet"}
	}

	// Aggregate P&L = total payout - total stake, all in EUR.
	now := time.Now().UTC()
	var warnings []*FXUnavailableError
	totalStake, totalPayout := decimal.Zero, decimal.Zero
	payoutEUR := make(map[int64]decimal.Decimal, len(legs))
	for _, leg := range legs {
		lo := byBet[leg.BetID]
		if lo.PayoutNative.Sign() < 0 {
			return "", nil, &ValidationError{Field: "payout_native", Reason: "must not be negative"}
		}
		rate, found := s.fx.Rate(ctx, leg.Currency, now)
		if !found {
			rate = s.fallback
			warnings = append(warnings, &FXUnavailableError{Currency: leg.Currency, Date: now, FallbackRate: rate})
			metrics.FXFallbacks.Inc()
			s.log.Warn("fx rate unavailable during settlement",
				zap.Int64("surebet_id", surebetID),
				zap.String("currency", leg.Currency))
		}
		payoutEUR[leg.BetID] = lo.PayoutNative.Mul(rate)
		totalStake = totalStake.Add(leg.StakeEUR)
		totalPayout = totalPayout.Add(payoutEUR[leg.BetID])
	}
	pnl := totalPayout.Sub(totalStake)

	shares := s.strategy.Split(legs, pnl)
	batchID := uuid.NewString()

	for _, leg := range legs {
		lo := byBet[leg.BetID]
		state := lo.State

		principal := decimal.Zero
		if state == models.SettlementWon || state == models.SettlementVoid {
			principal = RoundEUR(leg.StakeEUR)
		}
		share := shares[leg.BetID]
		amount := principal.Add(share)

		note := fmt.Sprintf("%s surebet %d bet %d %s", SettlementNotePrefix, surebetID, leg.BetID, state)
		_, err := s.ledger.AppendTx(ctx, tx, models.LedgerEntry{
			Type:                 models.EntryBetResult,
			AssociateID:          leg.AssociateID,
			BookmakerID:          &leg.BookmakerID,
			AmountNative:         amount,
			NativeCurrency:       "EUR",
			FXRateSnapshot:       decimal.NewFromInt(1),
			SettlementState:      &state,
			PrincipalReturnedEUR: decimal.NewNullDecimal(principal),
			PerSurebetShareEUR:   decimal.NewNullDecimal(share),
			SurebetID:            &surebetID,
			BetID:                &leg.BetID,
			SettlementBatchID:    &batchID,
			CreatedBy:            createdBy,
			Note:                 note,
		})
		if err != nil {
			return "", nil, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE surebets SET status = 'settled', settled_at = NOW() WHERE id = $1 AND status = 'open'`,
		surebetID)
	if err != nil {
		return "", nil, mapStorageErr("flip surebet status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil, &AlreadySettledError{SurebetID: surebetID}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bets SET status = 'settled' WHERE id IN (SELECT bet_id FROM surebet_bets WHERE surebet_id = $1)`,
		surebetID); err != nil {
		return "", nil, mapStorageErr("flip bet status", err)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, &StorageError{Op: "commit settlement", Err: err}
	}

	metrics.SettlementBatches.Inc()
	s.log.Info("surebet settled",
		zap.Int64("surebet_id", surebetID),
		zap.String("batch_id", batchID),
		zap.String("pnl_eur", RoundEUR(pnl).String()),
		zap.String("split_policy", s.strategy.Name()))
	return batchID, warnings, nil
}

func (s *SettlementService) loadLegs(ctx context.Context, tx *sql.Tx, surebetID int64) ([]SettlementLeg, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT sb.bet_id, sb.side, b.associate_id, b.bookmaker_id, b.stake_eur, b.currency
		FROM surebet_bets sb
		JOIN bets b ON b.id = sb.bet_id
		WHERE sb.surebet_id = $1
		ORDER BY sb.bet_id`, surebetID)
	if err != nil {
		return nil, mapStorageErr("load surebet legs", err)
	}
	defer rows.Close()

	var legs []SettlementLeg
	for rows.Next() {
		var l SettlementLeg
		if err := rows.Scan(&l.BetID, &l.Side, &l.AssociateID, &l.BookmakerID, &l.StakeEUR, &l.Currency); err != nil {
			return nil, mapStorageErr("scan surebet leg", err)
		}
		legs = append(legs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageErr("iterate surebet legs", err)
	}
	return legs, nil
}

// HandleSettle is POST /api/v1/surebets/{surebetId}/settle.
func (s *SettlementService) HandleSettle(w http.ResponseWriter, r *http.Request) {
	surebetID, err := strconv.ParseInt(chi.URLParam(r, "surebetId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "invalid surebet id", http.StatusBadRequest, nil)
		return
	}

	var outcome Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		SendErrorResponse(w, "invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(outcome); err != nil {
		SendErrorResponse(w, "validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	batchID, warnings, err := s.Settle(r.Context(), surebetID, outcome, middleware.OperatorFromContext(r.Context()))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	resp := map[string]any{"batch_id": batchID}
	if len(warnings) > 0 {
		msgs := make([]string, len(warnings))
		for i, wrn := range warnings {
			msgs[i] = wrn.Error()
		}
		resp["warnings"] = msgs
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}
