package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrDuplicateAccount = errors.New("duplicate account")
)

// AccountRepository 内部账户仓储接口
//
// 账户不可删除，接口不提供删除方法
type AccountRepository interface {
	Create(ctx context.Context, account *model.Account) error
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByAddress(ctx context.Context, address string) (*model.Account, error)
	ExistsByAddress(ctx context.Context, address string) (bool, error)
	// IncrFailedTimes 模拟调用失败计数 +1
	IncrFailedTimes(ctx context.Context, id int64) error
	ResetFailedTimes(ctx context.Context, id int64) error
	// SetProject 系统账户先于项目创建，创建项目后回填
	SetProject(ctx context.Context, id, projectID int64) error
}

type accountRepository struct {
	*Repository
}

// NewAccountRepository 创建账户仓储
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{Repository: NewRepository(db)}
}

func (r *accountRepository) Create(ctx context.Context, account *model.Account) error {
	account.CreatedAt = nowMilli()
	err := r.DB(ctx).Create(account).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateAccount
	}
	return err
}

func (r *accountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	var account model.Account
	err := r.DB(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetByAddress(ctx context.Context, address string) (*model.Account, error) {
	var account model.Account
	err := r.DB(ctx).Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) ExistsByAddress(ctx context.Context, address string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Account{}).Where("address = ?", address).Count(&count).Error
	return count > 0, err
}

func (r *accountRepository) IncrFailedTimes(ctx context.Context, id int64) error {
	result := r.DB(ctx).Model(&model.Account{}).
		Where("id = ?", id).
		Update("failed_times", gorm.Expr("failed_times + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) ResetFailedTimes(ctx context.Context, id int64) error {
	result := r.DB(ctx).Model(&model.Account{}).
		Where("id = ?", id).
		Update("failed_times", 0)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) SetProject(ctx context.Context, id, projectID int64) error {
	result := r.DB(ctx).Model(&model.Account{}).
		Where("id = ? AND project_id IS NULL", id).
		Update("project_id", projectID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
