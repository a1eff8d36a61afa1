package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/scheduler"
	"github.com/gmfi-labs/gmfi-chain/internal/service"
	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// ChainLister 列出启用的链
type ChainLister interface {
	ListActive(ctx context.Context) ([]*model.Chain, error)
}

// Sweeper 确认一条链上达到深度的区块
type Sweeper interface {
	Sweep(ctx context.Context, chain *model.Chain) (map[service.ConfirmResult]int, error)
}

// BlockConfirmJob 区块确认任务
//
// 各链并行处理，每条链持有独立的锁；某条链正在其他实例上确认时跳过该链
type BlockConfirmJob struct {
	scheduler.BaseJob
	chains  ChainLister
	sweeper Sweeper
	locker  *lock.RedisLocker
	lockTTL time.Duration
}

// NewBlockConfirmJob 创建区块确认任务
func NewBlockConfirmJob(chains ChainLister, sweeper Sweeper, locker *lock.RedisLocker, timeout, lockTTL time.Duration) *BlockConfirmJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameBlockConfirm]
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	if lockTTL <= 0 {
		lockTTL = cfg.LockTTL
	}
	return &BlockConfirmJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameBlockConfirm, timeout, 0, false),
		chains:  chains,
		sweeper: sweeper,
		locker:  locker,
		lockTTL: lockTTL,
	}
}

// Execute 执行
func (j *BlockConfirmJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	chains, err := j.chains.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result = &scheduler.JobResult{Details: make(map[string]interface{})}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range chains {
		chain := chain
		g.Go(func() error {
			counts, skipped, err := j.sweep(gctx, chain)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// 单条链失败不影响其他链
				result.ErrorCount++
				logger.WithContext(ctx).Warn("confirm chain failed",
					zap.Int64("chain_id", chain.ID),
					zap.Error(err))
				return nil
			}
			if skipped {
				return nil
			}
			processed := 0
			for _, n := range counts {
				processed += n
			}
			result.ProcessedCount += processed
			result.AffectedCount += counts[service.ConfirmResultConfirmed]
			if processed > 0 {
				result.Details[chain.Name] = counts
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// sweep 持链锁确认，锁被占用时 skipped=true
func (j *BlockConfirmJob) sweep(ctx context.Context, chain *model.Chain) (map[service.ConfirmResult]int, bool, error) {
	l := j.locker.NewLockWithTTL(scheduler.ParamsLockKey(j.Name(), chain.ID), j.lockTTL)
	ok, err := l.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, true, nil
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx))
	}()

	counts, err := j.sweeper.Sweep(ctx, chain)
	return counts, false, err
}
