package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
	ErrTransactionTyped      = errors.New("transaction type already set")
	ErrTokenTransferNotFound = errors.New("token transfer not found")
)

// TransactionRepository 链上交易仓储接口
type TransactionRepository interface {
	Create(ctx context.Context, tx *model.Transaction) error
	GetByID(ctx context.Context, id int64) (*model.Transaction, error)
	GetByHash(ctx context.Context, chainID int64, hash string) (*model.Transaction, error)
	ExistsByHash(ctx context.Context, chainID int64, hash string) (bool, error)
	ListByBlock(ctx context.Context, blockID int64) ([]*model.Transaction, error)
	// SetType 写入结算类型，只允许写一次
	SetType(ctx context.Context, id int64, typ model.SettlementType, projectID *int64) error

	CreateTokenTransfer(ctx context.Context, transfer *model.TokenTransfer) error
	GetTokenTransfer(ctx context.Context, transactionID int64) (*model.TokenTransfer, error)
}

type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建交易仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{Repository: NewRepository(db)}
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.Transaction) error {
	tx.CreatedAt = nowMilli()
	err := r.DB(ctx).Create(tx).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func (r *transactionRepository) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.DB(ctx).Where("id = ?", id).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) GetByHash(ctx context.Context, chainID int64, hash string) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.DB(ctx).Where("chain_id = ? AND hash = ?", chainID, hash).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) ExistsByHash(ctx context.Context, chainID int64, hash string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Transaction{}).
		Where("chain_id = ? AND hash = ?", chainID, hash).
		Count(&count).Error
	return count > 0, err
}

func (r *transactionRepository) ListByBlock(ctx context.Context, blockID int64) ([]*model.Transaction, error) {
	var txs []*model.Transaction
	err := r.DB(ctx).Where("block_id = ?", blockID).Order("tx_index ASC").Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) SetType(ctx context.Context, id int64, typ model.SettlementType, projectID *int64) error {
	result := r.DB(ctx).Model(&model.Transaction{}).
		Where("id = ? AND (type IS NULL OR type = ?)", id, model.SettlementTypeNone).
		Updates(map[string]interface{}{
			"type":       typ,
			"project_id": projectID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionTyped
	}
	return nil
}

func (r *transactionRepository) CreateTokenTransfer(ctx context.Context, transfer *model.TokenTransfer) error {
	err := r.DB(ctx).Create(transfer).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func (r *transactionRepository) GetTokenTransfer(ctx context.Context, transactionID int64) (*model.TokenTransfer, error) {
	var transfer model.TokenTransfer
	err := r.DB(ctx).Where("transaction_id = ?", transactionID).First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}
