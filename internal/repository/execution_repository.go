package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

// ExecutionRepository 任务执行记录仓储
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository 创建任务执行记录仓储
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create 创建执行记录
func (r *ExecutionRepository) Create(ctx context.Context, exec *model.JobExecution) error {
	exec.CreatedAt = nowMilli()
	return r.db.WithContext(ctx).Create(exec).Error
}

// Update 更新执行记录
func (r *ExecutionRepository) Update(ctx context.Context, exec *model.JobExecution) error {
	return r.db.WithContext(ctx).Save(exec).Error
}

// GetLatestByJobName 获取任务最新执行记录，没有记录时返回 nil
func (r *ExecutionRepository) GetLatestByJobName(ctx context.Context, jobName string) (*model.JobExecution, error) {
	var exec model.JobExecution
	err := r.db.WithContext(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListByJobName 查询任务执行历史
func (r *ExecutionRepository) ListByJobName(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	var execs []*model.JobExecution
	err := r.db.WithContext(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// CountByJobNameAndStatus 统计任务执行次数
func (r *ExecutionRepository) CountByJobNameAndStatus(ctx context.Context, jobName string, status model.JobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.JobExecution{}).
		Where("job_name = ? AND status = ?", jobName, status).
		Count(&count).Error
	return count, err
}
