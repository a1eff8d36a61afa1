package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/internal/testutil"
	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

type testEnv struct {
	mr        *miniredis.Miniredis
	locker    *lock.RedisLocker
	execRepo  *repository.ExecutionRepository
	scheduler *Scheduler
}

func newTestEnv(t *testing.T, maxConcurrent int) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locker := lock.NewRedisLocker(client, "gmfi:lock:", time.Minute)
	execRepo := repository.NewExecutionRepository(testutil.NewDB(t))
	s := NewScheduler(&SchedulerConfig{MaxConcurrentJobs: maxConcurrent, Locker: locker}, execRepo)
	return &testEnv{mr: mr, locker: locker, execRepo: execRepo, scheduler: s}
}

// mockJob 模拟任务
type mockJob struct {
	BaseJob
	executeFunc func(ctx context.Context) (*JobResult, error)
	execCount   int64
}

func newMockJob(name string, lockTTL time.Duration, fn func(ctx context.Context) (*JobResult, error)) *mockJob {
	return &mockJob{
		BaseJob:     NewBaseJob(name, 5*time.Second, lockTTL, false),
		executeFunc: fn,
	}
}

func (j *mockJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.execCount, 1)
	if j.executeFunc != nil {
		return j.executeFunc(ctx)
	}
	return &JobResult{ProcessedCount: 1, AffectedCount: 1}, nil
}

func (j *mockJob) count() int64 {
	return atomic.LoadInt64(&j.execCount)
}

func (e *testEnv) waitStatus(t *testing.T, name string, want model.JobStatus) *model.JobExecution {
	var last *model.JobExecution
	require.Eventually(t, func() bool {
		exec, err := e.execRepo.GetLatestByJobName(context.Background(), name)
		if err != nil || exec == nil {
			return false
		}
		last = exec
		return exec.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func TestScheduler_RegisterJob(t *testing.T) {
	e := newTestEnv(t, 3)

	require.NoError(t, e.scheduler.RegisterJob(newMockJob("a", 0, nil), JobConfig{Cron: "*/5 * * * * *", Enabled: true}))
	require.NoError(t, e.scheduler.RegisterJob(newMockJob("b", 0, nil), JobConfig{Cron: "*/5 * * * * *", Enabled: false}))

	// 重复注册
	assert.Error(t, e.scheduler.RegisterJob(newMockJob("a", 0, nil), JobConfig{Cron: "*/5 * * * * *", Enabled: true}))
	// 非法表达式
	assert.Error(t, e.scheduler.RegisterJob(newMockJob("c", 0, nil), JobConfig{Cron: "not a cron", Enabled: true}))

	statuses, err := e.scheduler.ListJobStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Name)
	assert.True(t, statuses[0].Enabled)
	assert.False(t, statuses[1].Enabled)
}

func TestScheduler_LockRequiresLocker(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{}, repository.NewExecutionRepository(testutil.NewDB(t)))
	err := s.RegisterJob(newMockJob("locked", time.Minute, nil), JobConfig{Cron: "* * * * * *", Enabled: true})
	assert.Error(t, err)
}

func TestScheduler_TriggerRecordsSuccess(t *testing.T) {
	e := newTestEnv(t, 3)
	job := newMockJob("trigger", time.Minute, func(ctx context.Context) (*JobResult, error) {
		return &JobResult{ProcessedCount: 3, AffectedCount: 2, Details: map[string]interface{}{"chain": "devnet"}}, nil
	})
	require.NoError(t, e.scheduler.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	require.NoError(t, e.scheduler.TriggerJob("trigger"))
	exec := e.waitStatus(t, "trigger", model.JobStatusSuccess)
	require.NotNil(t, exec.FinishedAt)
	assert.EqualValues(t, 3, exec.Result["processed_count"])
	assert.Equal(t, "devnet", exec.Result["chain"])

	// 执行结束后锁已释放
	locked, err := e.locker.IsLocked(context.Background(), jobLockPrefix+"trigger")
	require.NoError(t, err)
	assert.False(t, locked)

	assert.Error(t, e.scheduler.TriggerJob("missing"))
}

func TestScheduler_FailureAndPanic(t *testing.T) {
	e := newTestEnv(t, 3)
	failing := newMockJob("failing", 0, func(ctx context.Context) (*JobResult, error) {
		return nil, errors.New("rpc down")
	})
	panicking := newMockJob("panicking", 0, func(ctx context.Context) (*JobResult, error) {
		panic("boom")
	})
	require.NoError(t, e.scheduler.RegisterJob(failing, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))
	require.NoError(t, e.scheduler.RegisterJob(panicking, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	require.NoError(t, e.scheduler.TriggerJob("failing"))
	require.NoError(t, e.scheduler.TriggerJob("panicking"))

	exec := e.waitStatus(t, "failing", model.JobStatusFailed)
	assert.Equal(t, "rpc down", *exec.ErrorMessage)

	exec = e.waitStatus(t, "panicking", model.JobStatusFailed)
	assert.Contains(t, *exec.ErrorMessage, "boom")
}

func TestScheduler_SkipsWhenLockedElsewhere(t *testing.T) {
	e := newTestEnv(t, 3)
	job := newMockJob("singleton", time.Minute, nil)
	require.NoError(t, e.scheduler.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	// 另一实例持有锁
	other := e.locker.NewLock(jobLockPrefix + "singleton")
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	e.scheduler.executeJob(job)
	assert.Zero(t, job.count())

	status, err := e.scheduler.GetJobStatus(context.Background(), "singleton")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)

	require.NoError(t, other.Release(context.Background()))
	e.scheduler.executeJob(job)
	assert.Equal(t, int64(1), job.count())
}

func TestScheduler_SingleInstanceAcrossSchedulers(t *testing.T) {
	e := newTestEnv(t, 3)
	// 第二个实例共用同一个 Redis，执行记录写在各自的库
	other := NewScheduler(&SchedulerConfig{MaxConcurrentJobs: 3, Locker: e.locker},
		repository.NewExecutionRepository(testutil.NewDB(t)))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	first := newMockJob(JobNameNotificationDispatch, DefaultJobConfigs[JobNameNotificationDispatch].LockTTL,
		func(ctx context.Context) (*JobResult, error) {
			started <- struct{}{}
			<-release
			return &JobResult{}, nil
		})
	second := newMockJob(JobNameNotificationDispatch, DefaultJobConfigs[JobNameNotificationDispatch].LockTTL, nil)
	require.NoError(t, e.scheduler.RegisterJob(first, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))
	require.NoError(t, other.RegisterJob(second, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	require.NoError(t, e.scheduler.TriggerJob(JobNameNotificationDispatch))
	<-started

	other.executeJob(second)
	assert.Zero(t, second.count())

	close(release)
	e.waitStatus(t, JobNameNotificationDispatch, model.JobStatusSuccess)

	other.executeJob(second)
	assert.Equal(t, int64(1), second.count())
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	e := newTestEnv(t, 3)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	job := newMockJob("slow", 0, func(ctx context.Context) (*JobResult, error) {
		started <- struct{}{}
		<-release
		return &JobResult{}, nil
	})
	require.NoError(t, e.scheduler.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	require.NoError(t, e.scheduler.TriggerJob("slow"))
	<-started

	e.scheduler.executeJob(job)
	assert.Equal(t, int64(1), job.count())

	close(release)
	e.waitStatus(t, "slow", model.JobStatusSuccess)
}

func TestScheduler_Concurrency(t *testing.T) {
	e := newTestEnv(t, 2)

	var executing, maxSeen int64
	slow := func(ctx context.Context) (*JobResult, error) {
		cur := atomic.AddInt64(&executing, 1)
		for {
			prev := atomic.LoadInt64(&maxSeen)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxSeen, prev, cur) {
				break
			}
		}
		time.Sleep(300 * time.Millisecond)
		atomic.AddInt64(&executing, -1)
		return &JobResult{}, nil
	}
	for i := 0; i < 5; i++ {
		job := newMockJob(fmt.Sprintf("slow-%d", i), 0, slow)
		require.NoError(t, e.scheduler.RegisterJob(job, JobConfig{Cron: "* * * * * *", Enabled: true}))
	}

	e.scheduler.Start()
	time.Sleep(2500 * time.Millisecond)
	e.scheduler.Stop()

	assert.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(2))
	assert.Greater(t, atomic.LoadInt64(&maxSeen), int64(0))
}

func TestScheduler_StopHaltsExecution(t *testing.T) {
	e := newTestEnv(t, 3)
	job := newMockJob("ticker", 0, nil)
	require.NoError(t, e.scheduler.RegisterJob(job, JobConfig{Cron: "* * * * * *", Enabled: true}))

	e.scheduler.Start()
	require.Eventually(t, func() bool { return job.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	e.scheduler.Stop()

	after := job.count()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, job.count())
}

func TestJobLock_Watchdog(t *testing.T) {
	e := newTestEnv(t, 1)
	manager := NewLockManager(e.locker)

	l := manager.NewLock("job:long", 300*time.Millisecond, true)
	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// 持续续期，超过 TTL 仍被持有
	for i := 0; i < 2; i++ {
		time.Sleep(150 * time.Millisecond)
		e.mr.FastForward(250 * time.Millisecond)
	}

	locked, err := manager.IsLocked(context.Background(), "job:long")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Unlock(context.Background()))
	locked, err = manager.IsLocked(context.Background(), "job:long")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestJobResult_ToJSONResult(t *testing.T) {
	var empty *JobResult
	assert.Nil(t, empty.ToJSONResult())

	result := (&JobResult{
		ProcessedCount: 10,
		AffectedCount:  5,
		ErrorCount:     1,
		Details:        map[string]interface{}{"key": "value"},
	}).ToJSONResult()

	assert.Equal(t, 10, result["processed_count"])
	assert.Equal(t, 5, result["affected_count"])
	assert.Equal(t, 1, result["error_count"])
	assert.Equal(t, "value", result["key"])
}

func TestBaseJob(t *testing.T) {
	job := NewBaseJob("test", 30*time.Second, 60*time.Second, true)
	assert.Equal(t, "test", job.Name())
	assert.Equal(t, 30*time.Second, job.Timeout())
	assert.Equal(t, 60*time.Second, job.LockTTL())
	assert.True(t, job.RequiresLock())
	assert.True(t, job.UseWatchdog())

	assert.False(t, NewBaseJob("free", time.Second, 0, false).RequiresLock())
}

func TestParamsLockKey(t *testing.T) {
	assert.Equal(t, "block-confirm", ParamsLockKey("block-confirm"))

	a := ParamsLockKey("block-confirm", int64(1))
	b := ParamsLockKey("block-confirm", int64(56))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ParamsLockKey("block-confirm", int64(1)))
	assert.Regexp(t, `^block-confirm:[0-9a-f]{32}$`, a)
}

func TestDefaultJobConfigs(t *testing.T) {
	for _, name := range []string{
		JobNameOutboundDrain,
		JobNameBlockConfirm,
		JobNameNotificationDispatch,
		JobNameInvoiceGather,
	} {
		cfg, ok := DefaultJobConfigs[name]
		require.True(t, ok, name)
		assert.NotEmpty(t, cfg.Cron, name)
		assert.Positive(t, cfg.Timeout, name)
	}

	// 除按链加锁的确认任务外都需要任务锁
	for _, name := range []string{JobNameOutboundDrain, JobNameNotificationDispatch, JobNameInvoiceGather} {
		assert.Positive(t, DefaultJobConfigs[name].LockTTL, name)
	}
}

func TestScheduler_JobContextCarriesLogger(t *testing.T) {
	e := newTestEnv(t, 3)

	var scoped bool
	job := newMockJob("scoped", 0, func(ctx context.Context) (*JobResult, error) {
		scoped = logger.WithContext(ctx) != logger.L()
		return &JobResult{}, nil
	})
	e.scheduler.executeJob(job)

	assert.True(t, scoped)
	assert.EqualValues(t, 1, job.count())
}
