package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/config"
)

func newTestReconciliationService(t *testing.T) (*ReconciliationService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, dbmock, err := sqlmock.New()
	assert.NoError(t, err)

	log := zap.NewNop()
	ledger := NewLedgerStore(db, log)
	svc := NewReconciliationService(db, ledger, config.ReconciliationConfig{ToleranceEUR: dec("10")}, log)
	return svc, dbmock, func() { db.Close() }
}

// expectAssociateScenario wires one associate whose ledger holds a 1000
// EUR deposit plus a settlement batch entry of 350 (principal 300, share
// 50).
func expectAssociateScenario(dbmock sqlmock.Sqlmock) {
	now := time.Now().UTC()
	surebetID, betID, batch := int64(7), int64(9), "2f0a3a1e-52f7-4f87-9c7e-2f6f58a0a001"

	dbmock.ExpectQuery("SELECT id, alias FROM associates").
		WillReturnRows(sqlmock.NewRows([]string{"id", "alias"}).AddRow(int64(1), "alice"))
	dbmock.ExpectQuery("SELECT (.+) FROM ledger_entries ORDER BY created_at ASC, id ASC").
		WillReturnRows(sqlmock.NewRows(ledgerColumns()).
			AddRow(int64(1), "DEPOSIT", int64(1), nil, "1000", "EUR", "1", "1000",
				nil, nil, nil, nil, nil, nil, nil, now, "ops", "initial bankroll").
			AddRow(int64(2), "BET_RESULT", int64(1), int64(4), "350", "EUR", "1", "350",
				"WON", "300", "50", surebetID, betID, batch, nil, now.Add(time.Hour), "system",
				"[settlement] surebet 7 bet 9 WON"))
	dbmock.ExpectQuery("FROM bets WHERE status IN").
		WillReturnRows(sqlmock.NewRows([]string{"associate_id", "sum"}))
}

func TestReconciliationService_ListAssociateMetrics(t *testing.T) {
	t.Run("deposit plus settlement scenario", func(t *testing.T) {
		svc, dbmock, closeDB := newTestReconciliationService(t)
		defer closeDB()

		expectAssociateScenario(dbmock)

		out, err := svc.ListAssociateMetrics(context.Background(), MetricsFilter{})
		assert.NoError(t, err)
		if assert.Len(t, out, 1) {
			m := out[0]
			assert.Equal(t, "alice", m.Alias)
			assert.True(t, m.NetDepositsEUR.Equal(dec("1000")), "ND=%s", m.NetDepositsEUR)
			assert.True(t, m.FairShareEUR.Equal(dec("50")), "FairShare=%s", m.FairShareEUR)
			assert.True(t, m.ShouldHoldEUR.Equal(dec("1050")), "YF=%s", m.ShouldHoldEUR)
			assert.True(t, m.TotalBalanceEUR.Equal(dec("1350")), "TB=%s", m.TotalBalanceEUR)
			assert.True(t, m.DeltaEUR.Equal(dec("300")), "delta=%s", m.DeltaEUR)
			assert.Equal(t, StatusOverholding, m.Status)
		}
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("replaying the same ledger yields identical metrics", func(t *testing.T) {
		svc, dbmock, closeDB := newTestReconciliationService(t)
		defer closeDB()

		expectAssociateScenario(dbmock)
		first, err := svc.ListAssociateMetrics(context.Background(), MetricsFilter{})
		assert.NoError(t, err)

		expectAssociateScenario(dbmock)
		second, err := svc.ListAssociateMetrics(context.Background(), MetricsFilter{})
		assert.NoError(t, err)

		if assert.Len(t, second, len(first)) {
			for i := range first {
				assert.True(t, first[i].NetDepositsEUR.Equal(second[i].NetDepositsEUR))
				assert.True(t, first[i].ShouldHoldEUR.Equal(second[i].ShouldHoldEUR))
				assert.True(t, first[i].TotalBalanceEUR.Equal(second[i].TotalBalanceEUR))
				assert.True(t, first[i].DeltaEUR.Equal(second[i].DeltaEUR))
				assert.Equal(t, first[i].Status, second[i].Status)
			}
		}
	})

	t.Run("settlement-marked funding rows stay out of ND", func(t *testing.T) {
		svc, dbmock, closeDB := newTestReconciliationService(t)
		defer closeDB()

		now := time.Now().UTC()
		dbmock.ExpectQuery("SELECT id, alias FROM associates").
			WillReturnRows(sqlmock.NewRows([]string{"id", "alias"}).AddRow(int64(1), "alice"))
		dbmock.ExpectQuery("SELECT (.+) FROM ledger_entries ORDER BY created_at ASC, id ASC").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()).
				AddRow(int64(1), "DEPOSIT", int64(1), nil, "500", "EUR", "1", "500",
					nil, nil, nil, nil, nil, nil, nil, now, "ops", "").
				AddRow(int64(2), "DEPOSIT", int64(1), nil, "40", "EUR", "1", "40",
					nil, nil, nil, nil, nil, nil, nil, now, "system", "[settlement] rebalance"))
		dbmock.ExpectQuery("FROM bets WHERE status IN").
			WillReturnRows(sqlmock.NewRows([]string{"associate_id", "sum"}))

		out, err := svc.ListAssociateMetrics(context.Background(), MetricsFilter{})
		assert.NoError(t, err)
		if assert.Len(t, out, 1) {
			assert.True(t, out[0].NetDepositsEUR.Equal(dec("500")), "ND=%s", out[0].NetDepositsEUR)
			assert.True(t, out[0].TotalBalanceEUR.Equal(dec("540")), "TB=%s", out[0].TotalBalanceEUR)
		}
	})

	t.Run("tolerance band drives the status", func(t *testing.T) {
		cases := []struct {
			name   string
			amount string
			status string
		}{
			{"delta inside band is balanced", "10", StatusBalanced},
			{"delta above band is overholding", "10.01", StatusOverholding},
			{"delta below band is short", "-10.01", StatusShort},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				svc, dbmock, closeDB := newTestReconciliationService(t)
				defer closeDB()

				now := time.Now().UTC()
				// a lone CORRECTION moves TB while ND stays zero
				dbmock.ExpectQuery("SELECT id, alias FROM associates").
					WillReturnRows(sqlmock.NewRows([]string{"id", "alias"}).AddRow(int64(1), "alice"))
				dbmock.ExpectQuery("SELECT (.+) FROM ledger_entries ORDER BY created_at ASC, id ASC").
					WillReturnRows(sqlmock.NewRows(ledgerColumns()).
						AddRow(int64(1), "CORRECTION", int64(1), nil, tc.amount, "EUR", "1", tc.amount,
							nil, nil, nil, nil, nil, nil, nil, now, "ops", "manual adjustment"))
				dbmock.ExpectQuery("FROM bets WHERE status IN").
					WillReturnRows(sqlmock.NewRows([]string{"associate_id", "sum"}))

				out, err := svc.ListAssociateMetrics(context.Background(), MetricsFilter{})
				assert.NoError(t, err)
				if assert.Len(t, out, 1) {
					assert.Equal(t, tc.status, out[0].Status)
				}
			})
		}
	})

	t.Run("pending stakes are informational only", func(t *testing.T) {
		svc, dbmock, closeDB := newTestReconciliationService(t)
		defer closeDB()

		dbmock.ExpectQuery("SELECT id, alias FROM associates").
			WillReturnRows(sqlmock.NewRows([]string{"id", "alias"}).AddRow(int64(1), "alice"))
		dbmock.ExpectQuery("SELECT (.+) FROM ledger_entries ORDER BY created_at ASC, id ASC").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()))
		dbmock.ExpectQuery("FROM bets WHERE status IN").
			WillReturnRows(sqlmock.NewRows([]string{"associate_id", "sum"}).AddRow(int64(1), "75.50"))

		out, err := svc.ListAssociateMetrics(context.Background(), MetricsFilter{})
		assert.NoError(t, err)
		if assert.Len(t, out, 1) {
			assert.True(t, out[0].PendingBalanceEUR.Equal(dec("75.50")))
			assert.True(t, out[0].DeltaEUR.Equal(decimal.Zero), "pending stake must not move the imbalance")
		}
	})
}

func TestReconciliationService_ListBookmakerSummaries(t *testing.T) {
	t.Run("reported vs modeled balance", func(t *testing.T) {
		svc, dbmock, closeDB := newTestReconciliationService(t)
		defer closeDB()

		now := time.Now().UTC()
		dbmock.ExpectQuery("SELECT id, associate_id, name FROM bookmakers").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "associate_id", "name"}).
				AddRow(int64(4), int64(1), "betmax"))
		// modeled: deposits then withdrawals for bookmaker 4
		dbmock.ExpectQuery("WHERE bookmaker_id = \\$1 AND entry_type = \\$2").
			WithArgs(int64(4), "DEPOSIT").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()).
				AddRow(int64(1), "DEPOSIT", int64(1), int64(4), "600", "EUR", "1", "600",
					nil, nil, nil, nil, nil, nil, nil, now, "ops", ""))
		dbmock.ExpectQuery("WHERE bookmaker_id = \\$1 AND entry_type = \\$2").
			WithArgs(int64(4), "WITHDRAWAL").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()).
				AddRow(int64(2), "WITHDRAWAL", int64(1), int64(4), "-100", "EUR", "1", "-100",
					nil, nil, nil, nil, nil, nil, nil, now, "ops", ""))
		dbmock.ExpectQuery("FROM balance_checks").
			WithArgs(int64(4)).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "associate_id", "bookmaker_id", "balance_native", "native_currency", "fx_rate_used", "checked_at", "created_by",
			}).AddRow(int64(1), int64(1), int64(4), "500", "GBP", "1.1", now, "ops"))

		out, err := svc.ListBookmakerSummaries(context.Background(), 1)
		assert.NoError(t, err)
		if assert.Len(t, out, 1) {
			bs := out[0]
			assert.True(t, bs.ModeledBalanceEUR.Equal(dec("500")), "modeled=%s", bs.ModeledBalanceEUR)
			assert.True(t, bs.ReportedBalanceEUR.Decimal.Equal(dec("550")), "reported=%s", bs.ReportedBalanceEUR.Decimal)
			assert.True(t, bs.DeltaEUR.Decimal.Equal(dec("50")), "delta=%s", bs.DeltaEUR.Decimal)
			assert.Equal(t, StatusOverholding, bs.Status)
		}
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("no balance check means unverified", func(t *testing.T) {
		svc, dbmock, closeDB := newTestReconciliationService(t)
		defer closeDB()

		dbmock.ExpectQuery("SELECT id, associate_id, name FROM bookmakers").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "associate_id", "name"}).
				AddRow(int64(4), int64(1), "betmax"))
		dbmock.ExpectQuery("WHERE bookmaker_id = \\$1 AND entry_type = \\$2").
			WithArgs(int64(4), "DEPOSIT").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()))
		dbmock.ExpectQuery("WHERE bookmaker_id = \\$1 AND entry_type = \\$2").
			WithArgs(int64(4), "WITHDRAWAL").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()))
		dbmock.ExpectQuery("FROM balance_checks").
			WithArgs(int64(4)).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "associate_id", "bookmaker_id", "balance_native", "native_currency", "fx_rate_used", "checked_at", "created_by",
			}))

		out, err := svc.ListBookmakerSummaries(context.Background(), 1)
		assert.NoError(t, err)
		if assert.Len(t, out, 1) {
			assert.Equal(t, StatusUnverified, out[0].Status)
			assert.False(t, out[0].ReportedBalanceEUR.Valid)
		}
	})
}
