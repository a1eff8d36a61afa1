package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// JobLock 任务锁，可选 watchdog 在执行期间续期
type JobLock struct {
	lock        *lock.RedisLock
	ttl         time.Duration
	useWatchdog bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// TryLock 尝试获取锁，不等待
func (l *JobLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if ok && l.useWatchdog {
		l.startWatchdog(ctx)
	}
	return ok, nil
}

// Unlock 停止续期并释放锁
func (l *JobLock) Unlock(ctx context.Context) error {
	if l.stopCh != nil {
		close(l.stopCh)
		l.wg.Wait()
		l.stopCh = nil
	}
	return l.lock.Release(ctx)
}

// startWatchdog 每 1/3 TTL 续期一次
func (l *JobLock) startWatchdog(ctx context.Context) {
	l.stopCh = make(chan struct{})
	stop := l.stopCh

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := l.lock.Extend(ctx, l.ttl); err != nil {
					logger.Warn("failed to renew job lock",
						zap.String("key", l.lock.Key()),
						zap.Error(err))
				}
			}
		}
	}()
}

// LockManager 任务锁管理
type LockManager struct {
	locker *lock.RedisLocker
}

// NewLockManager 创建任务锁管理器
func NewLockManager(locker *lock.RedisLocker) *LockManager {
	return &LockManager{locker: locker}
}

// NewLock 创建任务锁
func (m *LockManager) NewLock(key string, ttl time.Duration, useWatchdog bool) *JobLock {
	return &JobLock{
		lock:        m.locker.NewLockWithTTL(key, ttl),
		ttl:         ttl,
		useWatchdog: useWatchdog,
	}
}

// IsLocked 任务是否正在某个实例上执行
func (m *LockManager) IsLocked(ctx context.Context, key string) (bool, error) {
	return m.locker.IsLocked(ctx, key)
}

// ForceUnlock 强制解锁 (运维操作)
func (m *LockManager) ForceUnlock(ctx context.Context, key string) error {
	return m.locker.ForceUnlock(ctx, key)
}
