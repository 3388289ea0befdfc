package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/config"
	"github.com/surepool/backend/internal/models"
)

// Reconciliation statuses. The band around zero is the configured
// tolerance, not a hard-coded constant.
const (
	StatusBalanced    = "balanced"
	StatusOverholding = "overholding"
	StatusShort       = "short"
	StatusUnverified  = "unverified"
)

// AssociateMetrics is the per-associate reconciliation view. Everything
// here is recomputed from the ledger on every call; replaying the ledger
// in created_at order always yields the same numbers.
type AssociateMetrics struct {
	AssociateID       int64           `json:"associate_id"`
	Alias             string          `json:"alias"`
	NetDepositsEUR    decimal.Decimal `json:"net_deposits_eur"`    // ND: funding only, settlement rows excluded
	FairShareEUR      decimal.Decimal `json:"fair_share_eur"`      // accumulated per-surebet P&L shares
	ShouldHoldEUR     decimal.Decimal `json:"should_hold_eur"`     // YF = ND + FairShare
	TotalBalanceEUR   decimal.Decimal `json:"total_balance_eur"`   // TB: every ledger movement, unfiltered
	PendingBalanceEUR decimal.Decimal `json:"pending_balance_eur"` // staked but unsettled, informational
	DeltaEUR          decimal.Decimal `json:"delta_eur"`           // TB - YF
	Status            string          `json:"status"`
}

// BookmakerSummary cross-checks the modeled ledger balance of one
// bookmaker against the last operator-reported balance.
type BookmakerSummary struct {
	BookmakerID        int64               `json:"bookmaker_id"`
	AssociateID        int64               `json:"associate_id"`
	Name               string              `json:"name"`
	ModeledBalanceEUR  decimal.Decimal     `json:"modeled_balance_eur"`
	ReportedBalanceEUR decimal.NullDecimal `json:"reported_balance_eur,omitempty"`
	DeltaEUR           decimal.NullDecimal `json:"delta_eur,omitempty"`
	LastCheckedAt      *time.Time          `json:"last_checked_at,omitempty"`
	Status             string              `json:"status"`
}

// MetricsFilter narrows ListAssociateMetrics.
type MetricsFilter struct {
	AssociateID *int64
}

// ReconciliationService derives financial summaries from the ledger
// store, balance checks and pending stakes. Pure read side: it owns no
// persistent state and never mutates anything.
type ReconciliationService struct {
	db     *sql.DB
	ledger *LedgerStore
	cfg    config.ReconciliationConfig
	log    *zap.Logger
}

func NewReconciliationService(db *sql.DB, ledger *LedgerStore, cfg config.ReconciliationConfig, log *zap.Logger) *ReconciliationService {
	return &ReconciliationService{db: db, ledger: ledger, cfg: cfg, log: log}
}

// ListAssociateMetrics folds the full ledger into per-associate ND,
// FairShare, YF, TB, pending balance and imbalance.
func (s *ReconciliationService) ListAssociateMetrics(ctx context.Context, f MetricsFilter) ([]AssociateMetrics, error) {
	aliases, err := s.loadAssociateAliases(ctx, f.AssociateID)
	if err != nil {
		return nil, err
	}

	entries, err := s.ledger.Query(ctx, LedgerFilter{AssociateID: f.AssociateID})
	if err != nil {
		return nil, err
	}

	pending, err := s.loadPendingStakes(ctx, f.AssociateID)
	if err != nil {
		return nil, err
	}

	byAssociate := make(map[int64]*AssociateMetrics, len(aliases))
	for id, alias := range aliases {
		byAssociate[id] = &AssociateMetrics{
			AssociateID:       id,
			Alias:             alias,
			NetDepositsEUR:    decimal.Zero,
			FairShareEUR:      decimal.Zero,
			TotalBalanceEUR:   decimal.Zero,
			PendingBalanceEUR: decimal.Zero,
		}
	}

	for _, e := range entries {
		m, ok := byAssociate[e.AssociateID]
		if !ok {
			continue
		}
		m.TotalBalanceEUR = m.TotalBalanceEUR.Add(e.AmountEUR)

		switch e.Type {
		case models.EntryDeposit, models.EntryWithdrawal:
			// Withdrawals are stored negated, so the signed sum is ND.
			// Settlement-driven rows are excluded by the note marker.
			if !strings.HasPrefix(e.Note, SettlementNotePrefix) {
				m.NetDepositsEUR = m.NetDepositsEUR.Add(e.AmountEUR)
			}
		case models.EntryBetResult:
			if e.PerSurebetShareEUR.Valid {
				m.FairShareEUR = m.FairShareEUR.Add(e.PerSurebetShareEUR.Decimal)
			}
		}
	}

	for id, stake := range pending {
		if m, ok := byAssociate[id]; ok {
			m.PendingBalanceEUR = stake
		}
	}

	out := make([]AssociateMetrics, 0, len(byAssociate))
	for _, m := range byAssociate {
		m.ShouldHoldEUR = m.NetDepositsEUR.Add(m.FairShareEUR)
		m.DeltaEUR = m.TotalBalanceEUR.Sub(m.ShouldHoldEUR)
		m.Status = s.classify(m.DeltaEUR)
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssociateID < out[j].AssociateID })
	return out, nil
}

// ListBookmakerSummaries compares each bookmaker's modeled funding
// balance against its most recent operator balance check.
func (s *ReconciliationService) ListBookmakerSummaries(ctx context.Context, associateID int64) ([]BookmakerSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, associate_id, name FROM bookmakers WHERE associate_id = $1 ORDER BY id`, associateID)
	if err != nil {
		return nil, mapStorageErr("list bookmakers", err)
	}
	defer rows.Close()

	var summaries []BookmakerSummary
	for rows.Next() {
		var bs BookmakerSummary
		if err := rows.Scan(&bs.BookmakerID, &bs.AssociateID, &bs.Name); err != nil {
			return nil, mapStorageErr("scan bookmaker", err)
		}
		summaries = append(summaries, bs)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageErr("iterate bookmakers", err)
	}

	for i := range summaries {
		bs := &summaries[i]

		modeled, err := s.modeledBalance(ctx, bs.BookmakerID)
		if err != nil {
			return nil, err
		}
		bs.ModeledBalanceEUR = modeled

		check, err := s.latestBalanceCheck(ctx, bs.BookmakerID)
		if err != nil {
			return nil, err
		}
		if check == nil {
			bs.Status = StatusUnverified
			continue
		}

		reported := RoundEUR(check.BalanceNative.Mul(check.FXRateUsed))
		bs.ReportedBalanceEUR = decimal.NewNullDecimal(reported)
		delta := reported.Sub(modeled)
		bs.DeltaEUR = decimal.NewNullDecimal(delta)
		bs.LastCheckedAt = &check.CheckedAt
		bs.Status = s.classify(delta)
	}
	return summaries, nil
}

// modeledBalance sums funding movements (deposits minus withdrawals)
// restricted to one bookmaker's rows. Withdrawals are stored negated, so
// the signed sum is the modeled balance.
func (s *ReconciliationService) modeledBalance(ctx context.Context, bookmakerID int64) (decimal.Decimal, error) {
	deposit, withdrawal := models.EntryDeposit, models.EntryWithdrawal
	balance := decimal.Zero
	for _, t := range []models.EntryType{deposit, withdrawal} {
		entries, err := s.ledger.Query(ctx, LedgerFilter{BookmakerID: &bookmakerID, Type: &t})
		if err != nil {
			return decimal.Zero, err
		}
		for _, e := range entries {
			balance = balance.Add(e.AmountEUR)
		}
	}
	return balance, nil
}

func (s *ReconciliationService) latestBalanceCheck(ctx context.Context, bookmakerID int64) (*models.BalanceCheck, error) {
	var bc models.BalanceCheck
	err := s.db.QueryRowContext(ctx, `
		SELECT id, associate_id, bookmaker_id, balance_native, native_currency, fx_rate_used, checked_at, created_by
		FROM balance_checks
		WHERE bookmaker_id = $1
		ORDER BY checked_at DESC, id DESC
		LIMIT 1`, bookmakerID).Scan(
		&bc.ID, &bc.AssociateID, &bc.BookmakerID, &bc.BalanceNative,
		&bc.NativeCurrency, &bc.FXRateUsed, &bc.CheckedAt, &bc.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapStorageErr("load latest balance check", err)
	}
	return &bc, nil
}

func (s *ReconciliationService) loadAssociateAliases(ctx context.Context, associateID *int64) (map[int64]string, error) {
	query := `SELECT id, alias FROM associates`
	var args []any
	if associateID != nil {
		query += ` WHERE id = $1`
		args = append(args, *associateID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStorageErr("list associates", err)
	}
	defer rows.Close()

	aliases := make(map[int64]string)
	for rows.Next() {
		var (
			id    int64
			alias string
		)
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, mapStorageErr("scan associate", err)
		}
		aliases[id] = alias
	}
	return aliases, rows.Err()
}

// loadPendingStakes sums stakes of bets still verified/matched: money
// committed at bookmakers but not yet settled into the ledger.
func (s *ReconciliationService) loadPendingStakes(ctx context.Context, associateID *int64) (map[int64]decimal.Decimal, error) {
	query := `SELECT associate_id, COALESCE(SUM(stake_eur), 0)
		FROM bets WHERE status IN ('verified', 'matched')`
	var args []any
	if associateID != nil {
		query += ` AND associate_id = $1`
		args = append(args, *associateID)
	}
	query += ` GROUP BY associate_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStorageErr("sum pending stakes", err)
	}
	defer rows.Close()

	pending := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var (
			id    int64
			stake decimal.Decimal
		)
		if err := rows.Scan(&id, &stake); err != nil {
			return nil, mapStorageErr("scan pending stake", err)
		}
		pending[id] = stake
	}
	return pending, rows.Err()
}

func (s *ReconciliationService) classify(delta decimal.Decimal) string {
	switch {
	case delta.Abs().LessThanOrEqual(s.cfg.ToleranceEUR):
		return StatusBalanced
	case delta.Sign() > 0:
		return StatusOverholding
	default:
		return StatusShort
	}
}

// HandleListAssociates is GET /api/v1/reconciliation/associates.
func (s *ReconciliationService) HandleListAssociates(w http.ResponseWriter, r *http.Request) {
	var f MetricsFilter
	if raw := r.URL.Query().Get("associate_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			SendErrorResponse(w, "associate_id must be an integer", http.StatusBadRequest, nil)
			return
		}
		f.AssociateID = &id
	}

	out, err := s.ListAssociateMetrics(r.Context(), f)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if out == nil {
		out = []AssociateMetrics{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleListBookmakers is GET /api/v1/reconciliation/bookmakers.
func (s *ReconciliationService) HandleListBookmakers(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("associate_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		SendErrorResponse(w, "associate_id is required and must be an integer", http.StatusBadRequest, nil)
		return
	}

	out, err := s.ListBookmakerSummaries(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if out == nil {
		out = []BookmakerSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
