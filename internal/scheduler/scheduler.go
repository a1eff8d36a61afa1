package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

const jobLockPrefix = "job:"

// Scheduler 任务调度器
//
// 同一任务上一次未结束时本次触发直接跳过；需要锁的任务在其他实例执行时同样跳过
type Scheduler struct {
	cron          *cron.Cron
	lockManager   *LockManager
	execRepo      *repository.ExecutionRepository
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	inflight      map[string]bool
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	logger        *zap.Logger
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	Locker            *lock.RedisLocker
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig, execRepo *repository.ExecutionRepository) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	var lockManager *LockManager
	if cfg.Locker != nil {
		lockManager = NewLockManager(cfg.Locker)
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		lockManager:   lockManager,
		execRepo:      execRepo,
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		inflight:      make(map[string]bool),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.Named("scheduler"),
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	if job.RequiresLock() && s.lockManager == nil {
		return fmt.Errorf("job %s requires a lock but no locker is configured", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		s.logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	_, err := s.cron.AddFunc(config.Cron, func() {
		s.executeJob(job)
	})
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop 停止调度并等待执行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	go s.executeJob(job)
	return nil
}

// begin 标记任务开始，上一次未结束时返回 false
func (s *Scheduler) begin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[name] {
		return false
	}
	s.inflight[name] = true
	return true
}

func (s *Scheduler) end(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, name)
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) {
	name := job.Name()

	if !s.begin(name) {
		// 高频任务重叠是常态，不写执行记录
		metrics.RecordJob(name, string(model.JobStatusSkipped), 0)
		return
	}
	defer s.end(name)

	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		s.logger.Warn("max concurrent jobs reached, skipping", zap.String("job", name))
		metrics.RecordJob(name, string(model.JobStatusSkipped), 0)
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() {
		jobLock := s.lockManager.NewLock(jobLockPrefix+name, job.LockTTL(), job.UseWatchdog())
		acquired, err := jobLock.TryLock(ctx)
		if err != nil {
			s.logger.Error("failed to acquire job lock", zap.String("job", name), zap.Error(err))
			s.recordExecution(name, model.JobStatusFailed, "failed to acquire lock: "+err.Error())
			return
		}
		if !acquired {
			s.logger.Debug("job is running on another instance", zap.String("job", name))
			metrics.RecordJob(name, string(model.JobStatusSkipped), 0)
			return
		}
		defer func() {
			if err := jobLock.Unlock(context.Background()); err != nil {
				s.logger.Warn("failed to release job lock", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	startTime := time.Now()
	exec := &model.JobExecution{
		JobName:   name,
		Status:    model.JobStatusRunning,
		StartedAt: startTime.UnixMilli(),
	}
	if err := s.execRepo.Create(ctx, exec); err != nil {
		s.logger.Error("failed to record job start", zap.String("job", name), zap.Error(err))
	}

	// 任务内通过 logger.WithContext 带上任务名与执行记录
	ctx = logger.NewContext(ctx, zap.String("job", name), zap.Int64("execution_id", exec.ID))
	result, err := s.run(ctx, job)

	finishTime := time.Now()
	elapsed := finishTime.Sub(startTime)
	duration := int(elapsed.Milliseconds())
	exec.FinishedAt = ptrInt64(finishTime.UnixMilli())
	exec.DurationMs = &duration

	if err != nil {
		exec.Status = model.JobStatusFailed
		errMsg := err.Error()
		exec.ErrorMessage = &errMsg
		s.logger.Error("job failed",
			zap.String("job", name),
			zap.Duration("duration", elapsed),
			zap.Error(err))
	} else {
		exec.Status = model.JobStatusSuccess
		exec.Result = result.ToJSONResult()
		if result != nil && result.AffectedCount > 0 {
			s.logger.Info("job completed",
				zap.String("job", name),
				zap.Duration("duration", elapsed),
				zap.Int("processed", result.ProcessedCount),
				zap.Int("affected", result.AffectedCount))
		}
	}
	metrics.RecordJob(name, string(exec.Status), elapsed)

	if err := s.execRepo.Update(context.Background(), exec); err != nil {
		s.logger.Error("failed to update job execution", zap.String("job", name), zap.Error(err))
	}
}

// run 执行任务并把 panic 转为错误
func (s *Scheduler) run(ctx context.Context, job Job) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				zap.String("job", job.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(ctx)
}

// recordExecution 记录未实际执行的结果
func (s *Scheduler) recordExecution(jobName string, status model.JobStatus, message string) {
	now := time.Now().UnixMilli()
	exec := &model.JobExecution{
		JobName:    jobName,
		Status:     status,
		StartedAt:  now,
		FinishedAt: ptrInt64(now),
		DurationMs: ptrInt(0),
	}
	if message != "" {
		exec.ErrorMessage = &message
	}
	metrics.RecordJob(jobName, string(status), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.execRepo.Create(ctx, exec); err != nil {
		s.logger.Error("failed to record job execution", zap.String("job", jobName), zap.Error(err))
	}
}

// GetJobStatus 获取任务状态
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	running := s.inflight[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("job %s not found", jobName)
	}

	lastExec, err := s.execRepo.GetLatestByJobName(ctx, jobName)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		Name:     jobName,
		Enabled:  config.Enabled,
		Cron:     config.Cron,
		Timeout:  job.Timeout(),
		IsLocked: running,
	}
	if job.RequiresLock() {
		locked, err := s.lockManager.IsLocked(ctx, jobLockPrefix+jobName)
		if err != nil {
			s.logger.Warn("failed to check job lock", zap.String("job", jobName), zap.Error(err))
		}
		status.IsLocked = status.IsLocked || locked
	}

	if lastExec != nil {
		status.LastStatus = string(lastExec.Status)
		status.LastStartedAt = lastExec.StartedAt
		if lastExec.FinishedAt != nil {
			status.LastFinishedAt = *lastExec.FinishedAt
		}
		if lastExec.DurationMs != nil {
			status.LastDurationMs = *lastExec.DurationMs
		}
		if lastExec.ErrorMessage != nil {
			status.LastError = *lastExec.ErrorMessage
		}
	}
	return status, nil
}

// ListJobStatus 按名称列出所有任务状态
func (s *Scheduler) ListJobStatus(ctx context.Context) ([]*JobStatus, error) {
	s.mu.RLock()
	jobNames := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		jobNames = append(jobNames, name)
	}
	s.mu.RUnlock()
	sort.Strings(jobNames)

	statuses := make([]*JobStatus, 0, len(jobNames))
	for _, name := range jobNames {
		status, err := s.GetJobStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string        `json:"name"`
	Enabled        bool          `json:"enabled"`
	Cron           string        `json:"cron"`
	Timeout        time.Duration `json:"timeout"`
	IsLocked       bool          `json:"is_locked"`
	LastStatus     string        `json:"last_status,omitempty"`
	LastStartedAt  int64         `json:"last_started_at,omitempty"`
	LastFinishedAt int64         `json:"last_finished_at,omitempty"`
	LastDurationMs int           `json:"last_duration_ms,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

func ptrInt64(v int64) *int64 {
	return &v
}

func ptrInt(v int) *int {
	return &v
}
