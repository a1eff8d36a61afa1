package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrChainNotFound  = errors.New("chain not found")
	ErrDuplicateChain = errors.New("duplicate chain")
)

// ChainRepository 链配置仓储接口
type ChainRepository interface {
	Create(ctx context.Context, chain *model.Chain) error
	GetByID(ctx context.Context, id int64) (*model.Chain, error)
	List(ctx context.Context) ([]*model.Chain, error)
	ListActive(ctx context.Context) ([]*model.Chain, error)
	SetActive(ctx context.Context, id int64, active bool) error
	SetConfirmations(ctx context.Context, id int64, confirmations int) error
}

type chainRepository struct {
	*Repository
}

// NewChainRepository 创建链配置仓储
func NewChainRepository(db *gorm.DB) ChainRepository {
	return &chainRepository{Repository: NewRepository(db)}
}

func (r *chainRepository) Create(ctx context.Context, chain *model.Chain) error {
	now := nowMilli()
	chain.CreatedAt = now
	chain.UpdatedAt = now

	err := r.DB(ctx).Create(chain).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateChain
	}
	return err
}

func (r *chainRepository) GetByID(ctx context.Context, id int64) (*model.Chain, error) {
	var chain model.Chain
	err := r.DB(ctx).Where("id = ?", id).First(&chain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (r *chainRepository) List(ctx context.Context) ([]*model.Chain, error) {
	var chains []*model.Chain
	err := r.DB(ctx).Order("id ASC").Find(&chains).Error
	return chains, err
}

func (r *chainRepository) ListActive(ctx context.Context) ([]*model.Chain, error) {
	var chains []*model.Chain
	err := r.DB(ctx).Where("active = ?", true).Order("id ASC").Find(&chains).Error
	return chains, err
}

// SetActive 启用/停用 (链配置中仅此字段与确认数可变)
func (r *chainRepository) SetActive(ctx context.Context, id int64, active bool) error {
	return r.updateColumn(ctx, id, "active", active)
}

func (r *chainRepository) SetConfirmations(ctx context.Context, id int64, confirmations int) error {
	return r.updateColumn(ctx, id, "confirmations", confirmations)
}

func (r *chainRepository) updateColumn(ctx context.Context, id int64, column string, value interface{}) error {
	result := r.DB(ctx).Model(&model.Chain{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			column:       value,
			"updated_at": nowMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChainNotFound
	}
	return nil
}
