package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrDuplicateUser   = errors.New("duplicate user")
)

// ProjectRepository 项目仓储接口
type ProjectRepository interface {
	Create(ctx context.Context, project *model.Project) error
	GetByID(ctx context.Context, id int64) (*model.Project, error)
	List(ctx context.Context) ([]*model.Project, error)
	// GetBySystemAddress 按系统账户地址查找项目
	GetBySystemAddress(ctx context.Context, address string) (*model.Project, error)
	IncrNotificationFailures(ctx context.Context, id int64) (int, error)
	ResetNotificationFailures(ctx context.Context, id int64) error
}

type projectRepository struct {
	*Repository
}

// NewProjectRepository 创建项目仓储
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{Repository: NewRepository(db)}
}

func (r *projectRepository) Create(ctx context.Context, project *model.Project) error {
	now := nowMilli()
	project.CreatedAt = now
	project.UpdatedAt = now
	return r.DB(ctx).Create(project).Error
}

func (r *projectRepository) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	var project model.Project
	err := r.DB(ctx).Where("id = ?", id).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) List(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	err := r.DB(ctx).Order("id ASC").Find(&projects).Error
	return projects, err
}

func (r *projectRepository) GetBySystemAddress(ctx context.Context, address string) (*model.Project, error) {
	var project model.Project
	err := r.DB(ctx).
		Joins("JOIN gmfi_accounts a ON a.id = gmfi_projects.system_account_id").
		Where("a.address = ?", address).
		First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) IncrNotificationFailures(ctx context.Context, id int64) (int, error) {
	var times int
	err := r.Transaction(ctx, func(ctx context.Context) error {
		result := r.DB(ctx).Model(&model.Project{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"notification_failed_times": gorm.Expr("notification_failed_times + 1"),
				"updated_at":                nowMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrProjectNotFound
		}
		return r.DB(ctx).Model(&model.Project{}).
			Where("id = ?", id).
			Pluck("notification_failed_times", &times).Error
	})
	return times, err
}

func (r *projectRepository) ResetNotificationFailures(ctx context.Context, id int64) error {
	result := r.DB(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"notification_failed_times": 0,
			"updated_at":                nowMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// UserRepository 终端用户仓储接口
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByUID(ctx context.Context, projectID int64, uid string) (*model.User, error)
	// GetByDepositAddress 按充值账户地址查找用户
	GetByDepositAddress(ctx context.Context, address string) (*model.User, error)
}

type userRepository struct {
	*Repository
}

// NewUserRepository 创建用户仓储
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{Repository: NewRepository(db)}
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	user.CreatedAt = nowMilli()
	err := r.DB(ctx).Create(user).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateUser
	}
	return err
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return r.first(r.DB(ctx).Where("id = ?", id))
}

func (r *userRepository) GetByUID(ctx context.Context, projectID int64, uid string) (*model.User, error) {
	return r.first(r.DB(ctx).Where("project_id = ? AND uid = ?", projectID, uid))
}

func (r *userRepository) GetByDepositAddress(ctx context.Context, address string) (*model.User, error) {
	return r.first(r.DB(ctx).
		Joins("JOIN gmfi_accounts a ON a.id = gmfi_users.deposit_account_id").
		Where("a.address = ?", address))
}

func (r *userRepository) first(db *gorm.DB) (*model.User, error) {
	var user model.User
	err := db.First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
