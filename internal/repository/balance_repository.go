package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

// BalanceRepository 余额仓储接口
type BalanceRepository interface {
	// Get 不存在时返回零值余额
	Get(ctx context.Context, accountID, chainID, tokenID int64) (decimal.Decimal, error)
	ListByAccount(ctx context.Context, accountID int64) ([]*model.Balance, error)
	// Adjust 在事务内按 读-锁-写 变更余额，delta 可为负
	Adjust(ctx context.Context, accountID, chainID, tokenID int64, delta decimal.Decimal) error
}

type balanceRepository struct {
	*Repository
}

// NewBalanceRepository 创建余额仓储
func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{Repository: NewRepository(db)}
}

func (r *balanceRepository) Get(ctx context.Context, accountID, chainID, tokenID int64) (decimal.Decimal, error) {
	var balance model.Balance
	err := r.DB(ctx).
		Where("account_id = ? AND chain_id = ? AND token_id = ?", accountID, chainID, tokenID).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Value, nil
}

func (r *balanceRepository) ListByAccount(ctx context.Context, accountID int64) ([]*model.Balance, error) {
	var balances []*model.Balance
	err := r.DB(ctx).Where("account_id = ?", accountID).Order("chain_id ASC, token_id ASC").Find(&balances).Error
	return balances, err
}

func (r *balanceRepository) Adjust(ctx context.Context, accountID, chainID, tokenID int64, delta decimal.Decimal) error {
	lock := &QueryOptions{ForUpdate: true}

	return r.Transaction(ctx, func(ctx context.Context) error {
		var balance model.Balance
		err := lock.ApplyLock(r.DB(ctx)).
			Where("account_id = ? AND chain_id = ? AND token_id = ?", accountID, chainID, tokenID).
			First(&balance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 首次出现先建零值行，并发插入时以已存在的行为准
			row := &model.Balance{
				AccountID: accountID,
				ChainID:   chainID,
				TokenID:   tokenID,
				Value:     decimal.Zero,
				UpdatedAt: nowMilli(),
			}
			if err := r.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
				return err
			}
			err = lock.ApplyLock(r.DB(ctx)).
				Where("account_id = ? AND chain_id = ? AND token_id = ?", accountID, chainID, tokenID).
				First(&balance).Error
		}
		if err != nil {
			return err
		}

		return r.DB(ctx).Model(&model.Balance{}).
			Where("id = ?", balance.ID).
			Updates(map[string]interface{}{
				"value":      gorm.Expr("value + ?", delta),
				"updated_at": nowMilli(),
			}).Error
	})
}
