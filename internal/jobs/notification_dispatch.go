package jobs

import (
	"context"
	"time"

	"github.com/gmfi-labs/gmfi-chain/internal/scheduler"
)

// Dispatcher 推送一批待发送通知
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// NotificationDispatchJob 通知推送任务
type NotificationDispatchJob struct {
	scheduler.BaseJob
	dispatcher Dispatcher
}

// NewNotificationDispatchJob 创建通知推送任务
func NewNotificationDispatchJob(dispatcher Dispatcher, timeout time.Duration) *NotificationDispatchJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameNotificationDispatch]
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	return &NotificationDispatchJob{
		BaseJob:    scheduler.NewBaseJob(scheduler.JobNameNotificationDispatch, timeout, cfg.LockTTL, cfg.UseWatchdog),
		dispatcher: dispatcher,
	}
}

// Execute 执行
func (j *NotificationDispatchJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	delivered, err := j.dispatcher.Dispatch(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{ProcessedCount: delivered, AffectedCount: delivered}, nil
}
