package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewWithDB(sqlxDB, config.Default().Database), mock
}

func TestSaveRecords(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trade_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO trade_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	records := []domain.TradeRecord{
		{
			Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			StrategyID: "alpha",
			Symbol:     "BTC-USD",
			Confidence: 0.8,
			Direction:  domain.DirectionLong,
			Return:     0.02,
			PnL:        150,
		},
		{
			Timestamp:  time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC),
			StrategyID: "beta",
			Symbol:     "ETH-USD",
			Confidence: 0.6,
			Direction:  domain.DirectionShort,
			Return:     -0.01,
			PnL:        -40,
		},
	}

	require.NoError(t, store.SaveRecords(context.Background(), records))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsEmptyBatchIsNoop(t *testing.T) {
	store, mock := mockStore(t)

	require.NoError(t, store.SaveRecords(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsRollsBackOnError(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trade_records").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.SaveRecords(context.Background(), []domain.TradeRecord{
		{Timestamp: time.Now(), StrategyID: "alpha", Symbol: "BTC-USD", Direction: domain.DirectionLong},
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAnomalies(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO anomaly_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events := []domain.AnomalyEvent{
		{
			ID:         "ev-1",
			Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			StrategyID: "alpha",
			Kind:       domain.KindLargeLoss,
			Severity:   domain.SeverityCritical,
			Value:      -0.3,
			Threshold:  -0.2,
			Note:       "test",
		},
	}

	require.NoError(t, store.SaveAnomalies(context.Background(), events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentReturns(t *testing.T) {
	store, mock := mockStore(t)

	rows := sqlmock.NewRows([]string{"realized_return"}).
		AddRow(0.03).
		AddRow(-0.01).
		AddRow(0.02)
	mock.ExpectQuery("SELECT realized_return FROM trade_records").
		WithArgs("alpha", 3).
		WillReturnRows(rows)

	returns, err := store.RecentReturns(context.Background(), "alpha", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.03, -0.01, 0.02}, returns)
	assert.NoError(t, mock.ExpectationsWereMet())
}
