package jobs

import (
	"context"
	"time"

	"github.com/gmfi-labs/gmfi-chain/internal/scheduler"
)

// Gatherer 为已支付且过期的账单发起归集
type Gatherer interface {
	Gather(ctx context.Context) (int, error)
}

// InvoiceGatherJob 账单归集任务，全局单实例执行
type InvoiceGatherJob struct {
	scheduler.BaseJob
	gatherer Gatherer
}

// NewInvoiceGatherJob 创建账单归集任务
func NewInvoiceGatherJob(gatherer Gatherer, lockTTL time.Duration) *InvoiceGatherJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameInvoiceGather]
	if lockTTL <= 0 {
		lockTTL = cfg.LockTTL
	}
	return &InvoiceGatherJob{
		BaseJob:  scheduler.NewBaseJob(scheduler.JobNameInvoiceGather, cfg.Timeout, lockTTL, cfg.UseWatchdog),
		gatherer: gatherer,
	}
}

// Execute 执行
func (j *InvoiceGatherJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	n, err := j.gatherer.Gather(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{ProcessedCount: n, AffectedCount: n}, nil
}
