package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrOutboundNotFound  = errors.New("outbound transaction not found")
	ErrDuplicateOutbound = errors.New("duplicate outbound nonce")
)

// DrainFilter 出账队列可提交条目筛选条件
type DrainFilter struct {
	// StuckBefore 早于此时间提交且仍未上链的条目视为卡单，需要重发
	StuckBefore int64
	// CreatedBefore 只处理早于此时间创建的条目
	CreatedBefore int64
	// MaxFailedTimes 账户模拟失败次数达到此值后暂停
	MaxFailedTimes int
	Limit          int
}

// OutboundRepository 出账队列仓储接口
type OutboundRepository interface {
	// Enqueue 以当前条目数作为 nonce 入队，调用方必须持有账户锁
	Enqueue(ctx context.Context, entry *model.OutboundTransaction) error
	GetByID(ctx context.Context, id int64) (*model.OutboundTransaction, error)
	CountByAccountChain(ctx context.Context, accountID, chainID int64) (int64, error)
	ListNonces(ctx context.Context, accountID, chainID int64) ([]uint64, error)
	ListEligible(ctx context.Context, filter DrainFilter) ([]*model.OutboundTransaction, error)
	// HasUnsentBefore 同账户同链上是否存在更小 nonce 且未提交的条目
	HasUnsentBefore(ctx context.Context, accountID, chainID int64, nonce uint64) (bool, error)
	MarkSent(ctx context.Context, id int64, hash string, at int64) error
	ClearSent(ctx context.Context, id int64) error
	// FindForTransaction 按哈希或 (账户, nonce) 查找链上交易对应的条目
	FindForTransaction(ctx context.Context, chainID int64, hash string, accountID int64, nonce uint64) (*model.OutboundTransaction, error)
	LinkTransaction(ctx context.Context, id, transactionID int64) error
}

type outboundRepository struct {
	*Repository
}

// NewOutboundRepository 创建出账队列仓储
func NewOutboundRepository(db *gorm.DB) OutboundRepository {
	return &outboundRepository{Repository: NewRepository(db)}
}

func (r *outboundRepository) Enqueue(ctx context.Context, entry *model.OutboundTransaction) error {
	count, err := r.CountByAccountChain(ctx, entry.AccountID, entry.ChainID)
	if err != nil {
		return err
	}

	now := nowMilli()
	entry.Nonce = uint64(count)
	entry.CreatedAt = now
	entry.UpdatedAt = now

	err = r.DB(ctx).Create(entry).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateOutbound
	}
	return err
}

func (r *outboundRepository) GetByID(ctx context.Context, id int64) (*model.OutboundTransaction, error) {
	var entry model.OutboundTransaction
	err := r.DB(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOutboundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *outboundRepository) CountByAccountChain(ctx context.Context, accountID, chainID int64) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.OutboundTransaction{}).
		Where("account_id = ? AND chain_id = ?", accountID, chainID).
		Count(&count).Error
	return count, err
}

func (r *outboundRepository) ListNonces(ctx context.Context, accountID, chainID int64) ([]uint64, error) {
	var nonces []uint64
	err := r.DB(ctx).Model(&model.OutboundTransaction{}).
		Where("account_id = ? AND chain_id = ?", accountID, chainID).
		Order("nonce ASC").
		Pluck("nonce", &nonces).Error
	return nonces, err
}

func (r *outboundRepository) ListEligible(ctx context.Context, filter DrainFilter) ([]*model.OutboundTransaction, error) {
	var entries []*model.OutboundTransaction
	err := r.DB(ctx).
		Joins("JOIN gmfi_accounts a ON a.id = gmfi_outbound_transactions.account_id").
		Where("(gmfi_outbound_transactions.transacted_at IS NULL OR (gmfi_outbound_transactions.transacted_at < ? AND gmfi_outbound_transactions.transaction_id IS NULL))", filter.StuckBefore).
		Where("a.failed_times < ?", filter.MaxFailedTimes).
		Where("gmfi_outbound_transactions.created_at < ?", filter.CreatedBefore).
		Order("gmfi_outbound_transactions.id ASC").
		Limit(filter.Limit).
		Find(&entries).Error
	return entries, err
}

func (r *outboundRepository) HasUnsentBefore(ctx context.Context, accountID, chainID int64, nonce uint64) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.OutboundTransaction{}).
		Where("account_id = ? AND chain_id = ? AND nonce < ? AND transacted_at IS NULL", accountID, chainID, nonce).
		Count(&count).Error
	return count > 0, err
}

func (r *outboundRepository) MarkSent(ctx context.Context, id int64, hash string, at int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"hash":          hash,
		"transacted_at": at,
	})
}

func (r *outboundRepository) ClearSent(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"transacted_at": nil,
	})
}

func (r *outboundRepository) FindForTransaction(ctx context.Context, chainID int64, hash string, accountID int64, nonce uint64) (*model.OutboundTransaction, error) {
	var entry model.OutboundTransaction
	err := r.DB(ctx).
		Where("chain_id = ? AND (hash = ? OR (account_id = ? AND nonce = ?))", chainID, hash, accountID, nonce).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOutboundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *outboundRepository) LinkTransaction(ctx context.Context, id, transactionID int64) error {
	// 广播失败但实际已上链的条目补记提交时间，避免重复提交
	return r.update(ctx, id, map[string]interface{}{
		"transaction_id": transactionID,
		"transacted_at":  gorm.Expr("COALESCE(transacted_at, ?)", nowMilli()),
	})
}

func (r *outboundRepository) update(ctx context.Context, id int64, updates map[string]interface{}) error {
	updates["updated_at"] = nowMilli()
	result := r.DB(ctx).Model(&model.OutboundTransaction{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOutboundNotFound
	}
	return nil
}
