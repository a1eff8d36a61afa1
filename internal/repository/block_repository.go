package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrBlockNotFound  = errors.New("block not found")
	ErrDuplicateBlock = errors.New("duplicate block")
)

// CascadeResult 删除区块时级联清理的数量
type CascadeResult struct {
	Blocks        int64
	Transactions  int64
	Payments      int64
	Notifications int64
}

// BlockRepository 区块仓储接口
type BlockRepository interface {
	Create(ctx context.Context, block *model.Block) error
	GetByID(ctx context.Context, id int64) (*model.Block, error)
	GetByHash(ctx context.Context, chainID int64, hash string) (*model.Block, error)
	GetByNumber(ctx context.Context, chainID, number int64) (*model.Block, error)
	// MaxNumber 链上已存储的最高区块号，ok=false 表示尚无区块
	MaxNumber(ctx context.Context, chainID int64) (number int64, ok bool, err error)
	// MinNumber 链上已存储的最低区块号
	MinNumber(ctx context.Context, chainID int64) (number int64, ok bool, err error)
	// ListUnconfirmed 区块号不超过 maxNumber 且交易已处理完的未确认区块，按区块号升序
	ListUnconfirmed(ctx context.Context, chainID, maxNumber int64, limit int) ([]*model.Block, error)
	// MarkIngested 区块内交易处理完毕
	MarkIngested(ctx context.Context, id int64) error
	// MarkConfirmed 条件更新 confirmed=false→true，返回是否由本次调用完成转换；未处理完的区块不会被确认
	MarkConfirmed(ctx context.Context, id int64) (bool, error)
	// DeleteFrom 删除 number 及以上的全部区块并级联清理
	DeleteFrom(ctx context.Context, chainID, number int64) (*CascadeResult, error)
}

type blockRepository struct {
	*Repository
}

// NewBlockRepository 创建区块仓储
func NewBlockRepository(db *gorm.DB) BlockRepository {
	return &blockRepository{Repository: NewRepository(db)}
}

func (r *blockRepository) Create(ctx context.Context, block *model.Block) error {
	block.CreatedAt = nowMilli()
	err := r.DB(ctx).Create(block).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateBlock
	}
	return err
}

func (r *blockRepository) GetByID(ctx context.Context, id int64) (*model.Block, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *blockRepository) GetByHash(ctx context.Context, chainID int64, hash string) (*model.Block, error) {
	return r.first(ctx, "chain_id = ? AND hash = ?", chainID, hash)
}

func (r *blockRepository) GetByNumber(ctx context.Context, chainID, number int64) (*model.Block, error) {
	return r.first(ctx, "chain_id = ? AND number = ?", chainID, number)
}

func (r *blockRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Block, error) {
	var block model.Block
	err := r.DB(ctx).Where(query, args...).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *blockRepository) MaxNumber(ctx context.Context, chainID int64) (int64, bool, error) {
	var max sql.NullInt64
	err := r.DB(ctx).Model(&model.Block{}).
		Where("chain_id = ?", chainID).
		Select("MAX(number)").
		Scan(&max).Error
	if err != nil {
		return 0, false, err
	}
	return max.Int64, max.Valid, nil
}

func (r *blockRepository) MinNumber(ctx context.Context, chainID int64) (int64, bool, error) {
	var min sql.NullInt64
	err := r.DB(ctx).Model(&model.Block{}).
		Where("chain_id = ?", chainID).
		Select("MIN(number)").
		Scan(&min).Error
	if err != nil {
		return 0, false, err
	}
	return min.Int64, min.Valid, nil
}

func (r *blockRepository) ListUnconfirmed(ctx context.Context, chainID, maxNumber int64, limit int) ([]*model.Block, error) {
	var blocks []*model.Block
	err := r.DB(ctx).
		Where("chain_id = ? AND number <= ? AND confirmed = ? AND ingested = ?", chainID, maxNumber, false, true).
		Order("number ASC").
		Limit(limit).
		Find(&blocks).Error
	return blocks, err
}

func (r *blockRepository) MarkIngested(ctx context.Context, id int64) error {
	result := r.DB(ctx).Model(&model.Block{}).Where("id = ?", id).Update("ingested", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBlockNotFound
	}
	return nil
}

func (r *blockRepository) MarkConfirmed(ctx context.Context, id int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Block{}).
		Where("id = ? AND confirmed = ? AND ingested = ?", id, false, true).
		Update("confirmed", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *blockRepository) DeleteFrom(ctx context.Context, chainID, number int64) (*CascadeResult, error) {
	res := &CascadeResult{}
	err := r.Transaction(ctx, func(ctx context.Context) error {
		db := r.DB(ctx)

		var blockIDs []int64
		if err := db.Model(&model.Block{}).
			Where("chain_id = ? AND number >= ?", chainID, number).
			Pluck("id", &blockIDs).Error; err != nil {
			return err
		}
		if len(blockIDs) == 0 {
			return nil
		}

		var txIDs []int64
		if err := db.Model(&model.Transaction{}).
			Where("block_id IN ?", blockIDs).
			Pluck("id", &txIDs).Error; err != nil {
			return err
		}

		if len(txIDs) > 0 {
			payments, err := r.rollbackPayments(ctx, txIDs)
			if err != nil {
				return err
			}
			res.Payments = payments

			for _, m := range []interface{}{&model.TokenTransfer{}, &model.Deposit{}} {
				if err := db.Where("transaction_id IN ?", txIDs).Delete(m).Error; err != nil {
					return err
				}
			}

			result := db.Where("transaction_id IN ?", txIDs).Delete(&model.Notification{})
			if result.Error != nil {
				return result.Error
			}
			res.Notifications = result.RowsAffected

			// 出账条目重新等待匹配，已过卡单窗口的会被重新广播
			if err := db.Model(&model.OutboundTransaction{}).
				Where("transaction_id IN ?", txIDs).
				Updates(map[string]interface{}{"transaction_id": nil, "updated_at": nowMilli()}).Error; err != nil {
				return err
			}
			if err := db.Model(&model.Withdrawal{}).
				Where("transaction_id IN ?", txIDs).
				Updates(map[string]interface{}{"transaction_id": nil, "updated_at": nowMilli()}).Error; err != nil {
				return err
			}

			result = db.Where("id IN ?", txIDs).Delete(&model.Transaction{})
			if result.Error != nil {
				return result.Error
			}
			res.Transactions = result.RowsAffected
		}

		result := db.Where("id IN ?", blockIDs).Delete(&model.Block{})
		if result.Error != nil {
			return result.Error
		}
		res.Blocks = result.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// rollbackPayments 删除支付记录并回退账单实付金额
func (r *blockRepository) rollbackPayments(ctx context.Context, txIDs []int64) (int64, error) {
	db := r.DB(ctx)

	var payments []*model.Payment
	if err := db.Where("transaction_id IN ?", txIDs).Find(&payments).Error; err != nil {
		return 0, err
	}
	if len(payments) == 0 {
		return 0, nil
	}

	totals := make(map[int64]decimal.Decimal)
	for _, p := range payments {
		totals[p.InvoiceID] = totals[p.InvoiceID].Add(p.Value)
	}
	now := nowMilli()
	for invoiceID, total := range totals {
		if err := db.Model(&model.Invoice{}).
			Where("id = ?", invoiceID).
			Updates(map[string]interface{}{
				"actual_value": gorm.Expr("actual_value - ?", total),
				"updated_at":   now,
			}).Error; err != nil {
			return 0, err
		}
		if err := db.Model(&model.Invoice{}).
			Where("id = ? AND actual_value < value", invoiceID).
			Update("paid", false).Error; err != nil {
			return 0, err
		}
	}

	result := db.Where("transaction_id IN ?", txIDs).Delete(&model.Payment{})
	return result.RowsAffected, result.Error
}
