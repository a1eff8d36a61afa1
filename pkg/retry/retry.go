// Package retry 指数退避重试
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Class 错误分类
type Class int

const (
	// Retryable 可重试
	Retryable Class = iota
	// Fatal 不可重试，立即返回
	Fatal
)

// Policy 重试策略
type Policy struct {
	MaxAttempts int           // 最大尝试次数 (含首次)
	BaseDelay   time.Duration // 首次退避
	MaxDelay    time.Duration // 退避上限
	Jitter      time.Duration // 随机抖动上限

	// Classify 判断错误是否可重试，nil 时所有错误都重试
	Classify func(error) Class

	// OnRetry 每次退避前回调，用于日志/指标
	OnRetry func(attempt int, wait time.Duration, err error)
}

// ErrExhausted 重试次数耗尽时包装最后一次错误
var ErrExhausted = errors.New("retry attempts exhausted")

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return ErrExhausted.Error() + ": " + e.err.Error()
}

func (e *exhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.err}
}

// Backoff 第 attempt 次失败后的等待时长 (不含抖动)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := p.BaseDelay
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

// Do 按策略执行 fn，直到成功、遇到 Fatal 错误、ctx 结束或次数耗尽
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}

	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if classify(err) == Fatal {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Jitter)))
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &exhaustedError{attempts: p.MaxAttempts, err: lastErr}
}
