// Package jobs 周期任务: 出账提交、区块确认、通知推送、账单归集
package jobs

import (
	"context"
	"time"

	"github.com/gmfi-labs/gmfi-chain/internal/scheduler"
)

// Drainer 提交一批出账请求
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// OutboundDrainJob 出账队列提交任务
//
// 任务锁保证全局单实例；各账户的 nonce 顺序另由账户锁保证
type OutboundDrainJob struct {
	scheduler.BaseJob
	drainer Drainer
}

// NewOutboundDrainJob 创建出账提交任务，timeout 为 0 时使用默认值
func NewOutboundDrainJob(drainer Drainer, timeout time.Duration) *OutboundDrainJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameOutboundDrain]
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	return &OutboundDrainJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameOutboundDrain, timeout, cfg.LockTTL, cfg.UseWatchdog),
		drainer: drainer,
	}
}

// Execute 执行
func (j *OutboundDrainJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	sent, err := j.drainer.Drain(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{ProcessedCount: sent, AffectedCount: sent}, nil
}
