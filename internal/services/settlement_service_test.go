package services

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/config"
	"github.com/surepool/backend/internal/models"
)

func newTestSettlementService(t *testing.T, source RateSource) (*SettlementService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, dbmock, err := sqlmock.New()
	assert.NoError(t, err)

	log := zap.NewNop()
	fx := NewFXService(source, nil, config.FXConfig{FallbackRate: dec("1.0")}, log)
	ledger := NewLedgerStore(db, log)
	svc := NewSettlementService(db, ledger, fx,
		config.SettlementConfig{SplitPolicy: "proportional"},
		config.FXConfig{FallbackRate: dec("1.0")},
		log)
	return svc, dbmock, func() { db.Close() }
}

func legColumns() []string {
	return []string{"bet_id", "side", "associate_id", "bookmaker_id", "stake_eur", "currency"}
}

func twoLegRows() *sqlmock.Rows {
	return sqlmock.NewRows(legColumns()).
		AddRow(int64(1), "home", int64(10), int64(100), "300", "EUR").
		AddRow(int64(2), "away", int64(20), int64(200), "200", "EUR")
}

func wonLostOutcome() Outcome {
	return Outcome{Legs: []LegOutcome{
		{BetID: 1, State: models.SettlementWon, PayoutNative: dec("550")},
		{BetID: 2, State: models.SettlementLost, PayoutNative: dec("0")},
	}}
}

func TestSettlementService_Settle(t *testing.T) {
	t.Run("posts one batch splitting principal and pnl", func(t *testing.T) {
		svc, dbmock, closeDB := newTestSettlementService(t, new(MockRateSource))
		defer closeDB()

		dbmock.ExpectBegin()
		dbmock.ExpectQuery("SELECT status FROM surebets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("open"))
		dbmock.ExpectQuery("FROM surebet_bets sb JOIN bets b").
			WithArgs(int64(5)).
			WillReturnRows(twoLegRows())

		// leg 1: stake 300 WON -> principal 300, share 30, amount 330
		dbmock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(5), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		dbmock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs("BET_RESULT", int64(10), int64(100),
				dec("330"), "EUR", dec("1"), dec("330"),
				"WON", dec("300"), dec("30"),
				int64(5), int64(1), sqlmock.AnyArg(), nil, "ops", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))

		// leg 2: stake 200 LOST -> principal 0, share 20, amount 20
		dbmock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(5), int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		dbmock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs("BET_RESULT", int64(20), int64(200),
				dec("20"), "EUR", dec("1"), dec("20"),
				"LOST", dec("0"), dec("20"),
				int64(5), int64(2), sqlmock.AnyArg(), nil, "ops", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(102)))

		dbmock.ExpectExec("UPDATE surebets SET status = 'settled'").
			WithArgs(int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbmock.ExpectExec("UPDATE bets SET status = 'settled'").
			WithArgs(int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		dbmock.ExpectCommit()

		batchID, warnings, err := svc.Settle(context.Background(), 5, wonLostOutcome(), "ops")
		assert.NoError(t, err)
		assert.NotEmpty(t, batchID)
		assert.Empty(t, warnings)
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("already settled surebet appends nothing", func(t *testing.T) {
		svc, dbmock, closeDB := newTestSettlementService(t, new(MockRateSource))
		defer closeDB()

		dbmock.ExpectBegin()
		dbmock.ExpectQuery("SELECT status FROM surebets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("settled"))
		dbmock.ExpectRollback()

		_, _, err := svc.Settle(context.Background(), 5, wonLostOutcome(), "ops")
		var aerr *AlreadySettledError
		assert.ErrorAs(t, err, &aerr)
		assert.Equal(t, int64(5), aerr.SurebetID)
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("unknown surebet is a validation error", func(t *testing.T) {
		svc, dbmock, closeDB := newTestSettlementService(t, new(MockRateSource))
		defer closeDB()

		dbmock.ExpectBegin()
		dbmock.ExpectQuery("SELECT status FROM surebets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(404)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}))
		dbmock.ExpectRollback()

		_, _, err := svc.Settle(context.Background(), 404, wonLostOutcome(), "ops")
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("outcome must cover every leg", func(t *testing.T) {
		svc, dbmock, closeDB := newTestSettlementService(t, new(MockRateSource))
		defer closeDB()

		dbmock.ExpectBegin()
		dbmock.ExpectQuery("SELECT status FROM surebets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("open"))
		dbmock.ExpectQuery("FROM surebet_bets sb JOIN bets b").
			WithArgs(int64(5)).
			WillReturnRows(twoLegRows())
		dbmock.ExpectRollback()

		outcome := Outcome{Legs: []LegOutcome{
			{BetID: 1, State: models.SettlementWon, PayoutNative: dec("550")},
		}}
		_, _, err := svc.Settle(context.Background(), 5, outcome, "ops")
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("duplicate bet id in the outcome is rejected", func(t *testing.T) {
		svc, dbmock, closeDB := newTestSettlementService(t, new(MockRateSource))
		defer closeDB()

		dbmock.ExpectBegin()
		dbmock.ExpectQuery("SELECT status FROM surebets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("open"))
		dbmock.ExpectQuery("FROM surebet_bets sb JOIN bets b").
			WithArgs(int64(5)).
			WillReturnRows(twoLegRows())
		dbmock.ExpectRollback()

		// bet 1 appears twice; the second entry would silently replace
		// the WON payout if the duplicate were accepted.
		outcome := Outcome{Legs: []LegOutcome{
			{BetID: 1, State: models.SettlementWon, PayoutNative: dec("550")},
			{BetID: 1, State: models.SettlementLost, PayoutNative: dec("0")},
			{BetID: 2, State: models.SettlementLost, PayoutNative: dec("0")},
		}}
		_, _, err := svc.Settle(context.Background(), 5, outcome, "ops")
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
		assert.Equal(t, "legs", verr.Field)
		assert.Contains(t, verr.Reason, "duplicate outcome for bet 1")
		assert.NoError(t, dbmock.ExpectationsWereMet(), "nothing may be appended for a malformed outcome")
	})

	t.Run("mid-batch failure rolls back every entry", func(t *testing.T) {
		svc, dbmock, closeDB := newTestSettlementService(t, new(MockRateSource))
		defer closeDB()

		dbmock.ExpectBegin()
		dbmock.ExpectQuery("SELECT status FROM surebets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("open"))
		dbmock.ExpectQuery("FROM surebet_bets sb JOIN bets b").
			WithArgs(int64(5)).
			WillReturnRows(twoLegRows())

		dbmock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(5), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		dbmock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))

		dbmock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(5), int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		dbmock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnError(errors.New("disk full"))
		dbmock.ExpectRollback()

		_, _, err := svc.Settle(context.Background(), 5, wonLostOutcome(), "ops")
		var serr *StorageError
		assert.ErrorAs(t, err, &serr)
		assert.NoError(t, dbmock.ExpectationsWereMet(), "no commit may happen after a mid-batch failure")
	})
}
