// Package lock Redis 租约锁
//
// 锁是带 TTL 的租约: 持有者崩溃后到期自动释放。
// 等待方通过释放频道被唤醒，频道消息丢失时退化为定时重试。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotHeld 锁未持有
	ErrLockNotHeld = errors.New("lock not held")
	// ErrLockAcquireFailed 获取锁失败
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
	// ErrLockWaitTimeout 等待锁超时
	ErrLockWaitTimeout = errors.New("timed out waiting for lock")
)

const (
	releaseChannelPrefix = "lock:released:"
	defaultPollInterval  = 50 * time.Millisecond
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)

	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock Redis 租约锁
type RedisLock struct {
	client       redis.UniversalClient
	key          string
	value        string
	ttl          time.Duration
	pollInterval time.Duration
}

// RedisLocker 锁管理器
type RedisLocker struct {
	client       redis.UniversalClient
	keyPrefix    string
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedisLocker 创建锁管理器，ttl 为租约时长
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLocker {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:       client,
		keyPrefix:    keyPrefix,
		ttl:          ttl,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval 设置等待时的兜底重试间隔
func (l *RedisLocker) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.pollInterval = d
	}
}

// NewLock 创建一个新锁
func (l *RedisLocker) NewLock(key string) *RedisLock {
	return l.NewLockWithTTL(key, l.ttl)
}

// NewLockWithTTL 创建指定租约时长的锁
func (l *RedisLocker) NewLockWithTTL(key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client:       l.client,
		key:          l.keyPrefix + key,
		value:        uuid.New().String(),
		ttl:          ttl,
		pollInterval: l.pollInterval,
	}
}

// Key 完整的 Redis key
func (lock *RedisLock) Key() string {
	return lock.key
}

func (lock *RedisLock) channel() string {
	return releaseChannelPrefix + lock.key
}

// Acquire 获取锁 (非阻塞)
func (lock *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := lock.client.SetNX(ctx, lock.key, lock.value, lock.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock failed: %w", err)
	}
	return ok, nil
}

// AcquireWithin 在 wait 时间内获取锁，超时返回 ErrLockWaitTimeout
func (lock *RedisLock) AcquireWithin(ctx context.Context, wait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	sub := lock.client.Subscribe(waitCtx, lock.channel())
	defer sub.Close()
	released := sub.Channel()

	timeoutErr := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockWaitTimeout
	}

	for {
		ok, err := lock.Acquire(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return timeoutErr()
			}
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(lock.pollInterval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return timeoutErr()
		case <-released:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Release 释放锁 (只有持有者才能释放)，并唤醒等待者
func (lock *RedisLock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	// 通知失败不影响释放，等待方会定时重试
	_ = lock.client.Publish(ctx, lock.channel(), lock.value).Err()
	return nil
}

// Extend 续期 (只有持有者才能续期)
func (lock *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, lock.client, []string{lock.key}, lock.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Hold 每 1/3 TTL 续期一次，直到返回的 cancel 被调用或 ctx 取消
//
// 租约被他人夺走时返回的 ctx 以 ErrLockNotHeld 为原因取消；续期的网络错误在下一轮重试。
func (lock *RedisLock) Hold(ctx context.Context) (context.Context, context.CancelFunc) {
	hctx, cancel := context.WithCancelCause(ctx)
	go func() {
		ticker := time.NewTicker(lock.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(hctx, lock.ttl); errors.Is(err, ErrLockNotHeld) {
					cancel(ErrLockNotHeld)
					return
				}
			}
		}
	}()
	return hctx, func() { cancel(context.Canceled) }
}

// WithLock 在锁保护下执行函数，锁被占用时直接返回 ErrLockAcquireFailed
//
// fn 执行期间自动续期，租约丢失时 fn 的 ctx 被取消。
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := l.NewLock(key)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockAcquireFailed
	}

	defer func() {
		// 可能已过期
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	hctx, stop := lock.Hold(ctx)
	defer stop()
	return fn(hctx)
}

// WithLockWait 在锁保护下执行函数，最多等待 wait，续期规则同 WithLock
func (l *RedisLocker) WithLockWait(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	lock := l.NewLock(key)

	if err := lock.AcquireWithin(ctx, wait); err != nil {
		return err
	}

	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	hctx, stop := lock.Hold(ctx)
	defer stop()
	return fn(hctx)
}

// IsLocked 检查 key 是否被锁定
func (l *RedisLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForceUnlock 强制解锁 (运维操作)
func (l *RedisLocker) ForceUnlock(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.keyPrefix+key).Err()
}
