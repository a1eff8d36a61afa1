package scheduler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

// Job 任务接口
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 单次执行的超时时间
	Timeout() time.Duration
	// RequiresLock 是否需要跨实例互斥
	RequiresLock() bool
	// LockTTL 锁租约时长 (仅在 RequiresLock() 返回 true 时有效)
	LockTTL() time.Duration
	// UseWatchdog 执行期间是否自动续期
	UseWatchdog() bool
}

// JobResult 任务执行结果
type JobResult struct {
	ProcessedCount int
	AffectedCount  int
	ErrorCount     int
	Details        map[string]interface{}
}

// ToJSONResult 转换为执行记录中的 JSON 结果
func (r *JobResult) ToJSONResult() model.JSONMap {
	if r == nil {
		return nil
	}
	result := model.JSONMap{
		"processed_count": r.ProcessedCount,
		"affected_count":  r.AffectedCount,
		"error_count":     r.ErrorCount,
	}
	for k, v := range r.Details {
		result[k] = v
	}
	return result
}

// BaseJob 基础任务实现
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建基础任务，lockTTL 为 0 表示不加锁
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

// Name 任务名称
func (j BaseJob) Name() string {
	return j.name
}

// Timeout 超时时间
func (j BaseJob) Timeout() time.Duration {
	return j.timeout
}

// RequiresLock 是否需要分布式锁
func (j BaseJob) RequiresLock() bool {
	return j.lockTTL > 0
}

// LockTTL 锁的TTL
func (j BaseJob) LockTTL() time.Duration {
	return j.lockTTL
}

// UseWatchdog 是否续期
func (j BaseJob) UseWatchdog() bool {
	return j.useWatchdog
}

// ParamsLockKey 带参数任务的锁 key: name:md5(params)
//
// 同名任务不同参数可并行，相同参数互斥
func ParamsLockKey(name string, params ...interface{}) string {
	if len(params) == 0 {
		return name
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprint(p)
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return name + ":" + hex.EncodeToString(sum[:])
}

// JobNames 任务名称常量
const (
	JobNameOutboundDrain        = "outbound-drain"
	JobNameBlockConfirm         = "block-confirm"
	JobNameNotificationDispatch = "notification-dispatch"
	JobNameInvoiceGather        = "invoice-gather"
)

// JobDefaults 任务默认配置
type JobDefaults struct {
	Cron        string
	Timeout     time.Duration
	LockTTL     time.Duration
	UseWatchdog bool
}

// DefaultJobConfigs 默认任务配置
//
// 除 block-confirm (按链加锁，任务本身不加锁) 外，每个任务全局同时只有一个实例执行
var DefaultJobConfigs = map[string]JobDefaults{
	JobNameOutboundDrain: {
		Cron:        "* * * * * *",
		Timeout:     64 * time.Second,
		LockTTL:     64 * time.Second,
		UseWatchdog: true,
	},
	JobNameBlockConfirm: {
		Cron:    "*/2 * * * * *",
		Timeout: 64 * time.Second,
		LockTTL: 32 * time.Second,
	},
	JobNameNotificationDispatch: {
		Cron:        "* * * * * *",
		Timeout:     32 * time.Second,
		LockTTL:     32 * time.Second,
		UseWatchdog: true,
	},
	JobNameInvoiceGather: {
		Cron:        "* * * * * *",
		Timeout:     16 * time.Second,
		LockTTL:     16 * time.Second,
		UseWatchdog: true,
	},
}
