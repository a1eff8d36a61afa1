// Package app 提供 gmfi-chain 服务的应用生命周期管理
//
// ========================================
// gmfi-chain 服务说明
// ========================================
//
// ## 服务职责
// 1. 区块同步 (Supervisor): 每条启用的链一个监控，入库区块并分类交易
// 2. 区块确认 (block-confirm): 按确认数确认区块、剔除分叉、记账
// 3. 出账队列 (outbound-drain): 按 nonce 顺序签名并广播出账交易
// 4. 通知推送 (notification-dispatch): 向项目 webhook 推送结算通知
// 5. 账单归集 (invoice-gather): 部署已过期账单合约，余额转入收款地址
//
// ## Kafka
// - chain-settlements: 结算确认事件
// - notification-results: 通知推送结果
// 未配置 brokers 时不发布事件
//
// ## HTTP
// - /health, /health/live, /health/ready
// - /metrics
// - /admin/*: 运维操作
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/config"
	"github.com/gmfi-labs/gmfi-chain/internal/handler"
	"github.com/gmfi-labs/gmfi-chain/internal/jobs"
	"github.com/gmfi-labs/gmfi-chain/internal/kafka"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/internal/scheduler"
	"github.com/gmfi-labs/gmfi-chain/internal/service"
	"github.com/gmfi-labs/gmfi-chain/internal/webhook"
	"github.com/gmfi-labs/gmfi-chain/pkg/circuitbreaker"
	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
	"github.com/gmfi-labs/gmfi-chain/pkg/retry"
)

const lockPrefix = "gmfi:lock:"

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db     *gorm.DB
	redis  redis.UniversalClient
	locker *lock.RedisLocker

	// 区块链
	registry *blockchain.Registry
	dial     blockchain.DialFunc
	keys     *blockchain.Keystore

	repos *repository.Repositories

	// 服务
	notificationSvc *service.NotificationService
	confirmationSvc *service.ConfirmationService
	outboundSvc     *service.OutboundService
	invoiceSvc      *service.InvoiceService
	withdrawalSvc   *service.WithdrawalService
	chainSvc        *service.ChainService
	userSvc         *service.UserService
	supervisor      *service.Supervisor

	// Kafka
	kafkaProducer  *kafka.Producer
	eventPublisher kafka.EventPublisher

	scheduler *scheduler.Scheduler

	// HTTP
	httpServer    *http.Server
	healthHandler *handler.HealthHandler

	// 运行控制
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	app.initBlockchain()
	app.repos = repository.NewRepositories(app.db)

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initServices()

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initHTTP()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
		a.cfg.Postgres.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if a.cfg.Postgres.AutoMigrate {
		if err := repository.AutoMigrate(a.db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}

	// Redis，多个地址时使用集群客户端
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))

	// 锁的默认租期即账户锁租期
	a.locker = lock.NewRedisLocker(a.redis, lockPrefix, a.cfg.Outbound.AccountLockTTL)

	return nil
}

// initBlockchain 初始化链客户端注册表和私钥管理
func (a *App) initBlockchain() {
	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = a.cfg.RPC.FailureThreshold
	breaker.Timeout = a.cfg.RPC.OpenTimeout

	a.dial = blockchain.NewDialFunc(blockchain.ClientConfig{
		MaxRetries:    a.cfg.RPC.MaxRetries,
		RetryInterval: a.cfg.RPC.RetryInterval,
		CallTimeout:   a.cfg.RPC.CallTimeout,
		Breaker:       breaker,
	})
	a.registry = blockchain.NewRegistry(a.dial)
	a.keys = blockchain.NewKeystore(a.cfg.Keystore.Passphrase, a.cfg.Keystore.Light)
}

// initKafka 初始化事件发布
func (a *App) initKafka() error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		logger.Warn("kafka brokers not configured, events will not be published")
		a.eventPublisher = kafka.NoopPublisher{}
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)
	logger.Info("kafka producer created", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initServices 初始化服务
func (a *App) initServices() {
	cfg := a.cfg

	a.notificationSvc = service.NewNotificationService(a.repos, webhook.NewDeliverer(cfg.Notification.Timeout), a.eventPublisher,
		&service.NotificationServiceConfig{
			BatchSize:      cfg.Notification.BatchSize,
			MaxFailedTimes: cfg.Notification.MaxFailedTimes,
			ClaimTTL:       cfg.Notification.JobTimeout,
		})

	classifier := service.NewClassifier(a.repos, a.notificationSvc)
	balances := service.NewBalanceService(a.repos)

	a.confirmationSvc = service.NewConfirmationService(a.repos, a.registry, balances, a.notificationSvc, a.eventPublisher,
		&service.ConfirmationServiceConfig{BatchSize: cfg.Confirmation.BatchSize})

	a.supervisor = service.NewSupervisor(a.repos, a.registry, classifier, a.redis, a.locker, &service.IngestionConfig{
		PollInterval:     cfg.Ingestion.PollInterval,
		RestartDelay:     cfg.Ingestion.RestartDelay,
		GapThreshold:     cfg.Ingestion.GapThreshold,
		BackfillWindow:   cfg.Ingestion.BackfillWindow,
		MaxBackfillDepth: cfg.Ingestion.MaxBackfillDepth,
		TxRetry: retry.Policy{
			MaxAttempts: cfg.Ingestion.TxMaxAttempts,
			BaseDelay:   cfg.Ingestion.TxRetryBaseDelay,
			MaxDelay:    cfg.Ingestion.TxRetryMaxDelay,
		},
		LeaseTTL:       cfg.Ingestion.ChainLeaseTTL,
		ReloadInterval: cfg.Ingestion.ReloadInterval,
	})

	a.outboundSvc = service.NewOutboundService(a.repos, a.registry, a.keys, a.locker, &service.OutboundServiceConfig{
		BatchSize:         cfg.Outbound.BatchSize,
		StuckAfter:        cfg.Outbound.StuckAfter,
		MinAge:            cfg.Outbound.MinAge,
		MaxFailedTimes:    cfg.Outbound.MaxFailedTimes,
		AccountLockWait:   cfg.Outbound.AccountLockWait,
		NativeTransferGas: cfg.Outbound.NativeTransferGas,
	})

	a.invoiceSvc = service.NewInvoiceService(a.repos, a.outboundSvc, &service.InvoiceServiceConfig{
		FactoryAddress: cfg.Invoice.FactoryAddress,
		NativeInitCode: cfg.Invoice.NativeInitCode,
		TokenInitCode:  cfg.Invoice.TokenInitCode,
		GatherGas:      cfg.Invoice.GatherGas,
		BatchSize:      cfg.Invoice.BatchSize,
	})
	a.withdrawalSvc = service.NewWithdrawalService(a.repos, a.outboundSvc)
	a.chainSvc = service.NewChainService(a.repos, a.dial, a.registry, a.supervisor, cfg.Ingestion.DefaultConfirmations)
	a.userSvc = service.NewUserService(a.repos, a.keys)

	logger.Info("services initialized")
}

// initScheduler 注册定时任务
func (a *App) initScheduler() error {
	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		MaxConcurrentJobs: a.cfg.Scheduler.MaxConcurrentJobs,
		Locker:            a.locker,
	}, a.repos.Execution)

	cfg := a.cfg
	registrations := []struct {
		job  scheduler.Job
		cron string
	}{
		{jobs.NewOutboundDrainJob(a.outboundSvc, cfg.Outbound.Timeout), cfg.Outbound.Cron},
		{jobs.NewBlockConfirmJob(a.repos.Chain, a.confirmationSvc, a.locker, cfg.Confirmation.Timeout, cfg.Confirmation.LockTTL), cfg.Confirmation.Cron},
		{jobs.NewNotificationDispatchJob(a.notificationSvc, cfg.Notification.JobTimeout), cfg.Notification.Cron},
		{jobs.NewInvoiceGatherJob(a.invoiceSvc, cfg.Invoice.LockTTL), cfg.Invoice.Cron},
	}
	for _, r := range registrations {
		if err := a.scheduler.RegisterJob(r.job, scheduler.JobConfig{Cron: r.cron, Enabled: true}); err != nil {
			return fmt.Errorf("register job %s: %w", r.job.Name(), err)
		}
	}
	return nil
}

// initHTTP 初始化运维 HTTP 服务
func (a *App) initHTTP() {
	a.healthHandler = handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": handler.PingFunc(func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
	})
	admin := handler.NewAdminHandler(a.chainSvc, a.notificationSvc, a.outboundSvc, a.scheduler)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           handler.NewRouter(a.healthHandler, admin),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run 运行应用，直到收到退出信号
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// 区块同步
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.supervisor.Run(ctx); err != nil {
			logger.Error("supervisor exited", zap.Error(err))
		}
	}()

	a.scheduler.Start()

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
			a.Stop()
		}
	}()

	a.healthHandler.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthHandler.SetReady(false)

	// 关闭 HTTP 服务
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}

	// 停止调度，等待执行中的任务结束
	a.scheduler.Stop()

	// 停止区块同步
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}

	// 关闭链客户端
	a.registry.Close()

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Users 用户与项目服务
func (a *App) Users() *service.UserService {
	return a.userSvc
}

// Invoices 账单服务
func (a *App) Invoices() *service.InvoiceService {
	return a.invoiceSvc
}

// Withdrawals 提现服务
func (a *App) Withdrawals() *service.WithdrawalService {
	return a.withdrawalSvc
}

// Chains 链配置服务
func (a *App) Chains() *service.ChainService {
	return a.chainSvc
}
