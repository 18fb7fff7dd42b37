package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	conn, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return conn, mock
}

func TestCloseOnlyClosesOpenCycles(t *testing.T) {
	conn, mock := newMockDB(t)
	r := Provide()
	id := snowflake.ID(42)
	end := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE billing_cycles\s+SET status = \$1, period_end = \$2, closed_at = \$3, updated_at = \$4\s+WHERE id = \$5 AND status = \$6`).
		WithArgs(string(billingcycledomain.BillingCycleStatusClosed), end, end, end, int64(id), string(billingcycledomain.BillingCycleStatusOpen)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE billing_cycles`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	closed, err := r.Close(context.Background(), conn, id, billingcycledomain.BillingCycleStatusClosed, end, end)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = r.Close(context.Background(), conn, id, billingcycledomain.BillingCycleStatusClosed, end, end)
	require.NoError(t, err)
	assert.False(t, closed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseReturnsDriverError(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectExec(`UPDATE billing_cycles`).WillReturnError(sql.ErrConnDone)

	_, err := Provide().Close(context.Background(), conn, 1, billingcycledomain.BillingCycleStatusClosed, time.Now(), time.Now())
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestListUninvoicedOrdersByPeriodEnd(t *testing.T) {
	conn, mock := newMockDB(t)
	end := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "subscription_id", "customer_id", "period_start", "period_end", "status"}).
		AddRow(int64(7), int64(3), "cus_1", end.AddDate(0, -1, 0), end, "closed").
		AddRow(int64(8), int64(4), "cus_2", end.AddDate(0, -1, 0), end, "closed")
	mock.ExpectQuery(`SELECT .* FROM billing_cycles\s+WHERE status = \$1 AND invoiced_at IS NULL\s+ORDER BY period_end ASC, id ASC LIMIT \$2`).
		WithArgs(string(billingcycledomain.BillingCycleStatusClosed), 50).
		WillReturnRows(rows)

	cycles, err := Provide().ListUninvoiced(context.Background(), conn, 50)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, snowflake.ID(7), cycles[0].ID)
	assert.Equal(t, "cus_2", cycles[1].CustomerID)
	assert.Equal(t, billingcycledomain.BillingCycleStatusClosed, cycles[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOpenReturnsNilWhenMissing(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT .* FROM billing_cycles\s+WHERE subscription_id = \$1 AND status = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	cycle, err := Provide().FindOpen(context.Background(), conn, 9)
	require.NoError(t, err)
	assert.Nil(t, cycle)
}
