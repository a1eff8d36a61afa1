package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrNotificationNotFound  = errors.New("notification not found")
	ErrDuplicateNotification = errors.New("duplicate notification")
)

// NotificationRepository 通知仓储接口
type NotificationRepository interface {
	// Create 同一交易同一阶段重复创建返回 ErrDuplicateNotification
	Create(ctx context.Context, n *model.Notification) error
	GetByID(ctx context.Context, id int64) (*model.Notification, error)
	ListByTransaction(ctx context.Context, transactionID int64) ([]*model.Notification, error)
	// ListPending 未推送且所属项目未被暂停的通知，按创建顺序
	ListPending(ctx context.Context, maxFailedTimes, limit int) ([]*model.Notification, error)
	MarkNotified(ctx context.Context, id int64, at int64) error
	// Claim 推送前认领通知，未推送且未被认领 (或认领早于 staleBefore) 时成功
	Claim(ctx context.Context, id int64, at, staleBefore int64) (bool, error)
	// Unclaim 推送失败后放弃认领，下次执行可立即重试
	Unclaim(ctx context.Context, id int64) error
}

type notificationRepository struct {
	*Repository
}

// NewNotificationRepository 创建通知仓储
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{Repository: NewRepository(db)}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	n.CreatedAt = nowMilli()
	// savepoint 隔离唯一键冲突，外层事务可继续
	err := r.Transaction(ctx, func(ctx context.Context) error {
		return r.DB(ctx).Create(n).Error
	})
	if isDuplicateKeyError(err) {
		return ErrDuplicateNotification
	}
	return err
}

func (r *notificationRepository) GetByID(ctx context.Context, id int64) (*model.Notification, error) {
	var n model.Notification
	err := r.DB(ctx).Where("id = ?", id).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *notificationRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]*model.Notification, error) {
	var list []*model.Notification
	err := r.DB(ctx).Where("transaction_id = ?", transactionID).Order("id ASC").Find(&list).Error
	return list, err
}

func (r *notificationRepository) ListPending(ctx context.Context, maxFailedTimes, limit int) ([]*model.Notification, error) {
	var list []*model.Notification
	err := r.DB(ctx).
		Joins("JOIN gmfi_projects p ON p.id = gmfi_notifications.project_id").
		Where("gmfi_notifications.notified = ?", false).
		Where("p.active = ? AND p.notification_failed_times < ?", true, maxFailedTimes).
		Order("gmfi_notifications.id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *notificationRepository) MarkNotified(ctx context.Context, id int64, at int64) error {
	result := r.DB(ctx).Model(&model.Notification{}).
		Where("id = ? AND notified = ?", id, false).
		Updates(map[string]interface{}{
			"notified":    true,
			"notified_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (r *notificationRepository) Claim(ctx context.Context, id int64, at, staleBefore int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Notification{}).
		Where("id = ? AND notified = ?", id, false).
		Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Update("claimed_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *notificationRepository) Unclaim(ctx context.Context, id int64) error {
	return r.DB(ctx).Model(&model.Notification{}).
		Where("id = ? AND notified = ?", id, false).
		Update("claimed_at", nil).Error
}
