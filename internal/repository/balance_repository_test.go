package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupMockDB 创建 mock 数据库连接
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

func balanceColumns() []string {
	return []string{"id", "account_id", "chain_id", "token_id", "value", "updated_at"}
}

func TestBalanceRepository_Adjust_LocksRow(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBalanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "gmfi_balances" WHERE .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(balanceColumns()).AddRow(10, 1, 31337, 2, "100", 0))
	mock.ExpectExec(`UPDATE "gmfi_balances" SET .*value \+ `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Adjust(context.Background(), 1, 31337, 2, decimal.NewFromInt(-40))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceRepository_Adjust_CreatesMissingRow(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBalanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "gmfi_balances" WHERE .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(balanceColumns()))
	mock.ExpectQuery(`INSERT INTO "gmfi_balances" .* ON CONFLICT DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectQuery(`SELECT \* FROM "gmfi_balances" WHERE .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(balanceColumns()).AddRow(11, 1, 31337, 2, "0", 0))
	mock.ExpectExec(`UPDATE "gmfi_balances" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Adjust(context.Background(), 1, 31337, 2, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceRepository_Adjust_Accumulates(t *testing.T) {
	f := newFixture(t)
	acc := f.account("0x00000000000000000000000000000000000000a1")

	require.NoError(t, f.repos.Balance.Adjust(f.ctx, acc.ID, testChainID, f.eth.ID, decimal.NewFromInt(1000)))
	require.NoError(t, f.repos.Balance.Adjust(f.ctx, acc.ID, testChainID, f.eth.ID, decimal.NewFromInt(-21000)))

	got, err := f.repos.Balance.Get(f.ctx, acc.ID, testChainID, f.eth.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(-20000).Equal(got), got.String())

	zero, err := f.repos.Balance.Get(f.ctx, acc.ID, 1, f.eth.ID)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	list, err := f.repos.Balance.ListByAccount(f.ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
