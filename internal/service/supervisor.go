package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// ChainGenerationKey 链配置代数，所有实例共享
const ChainGenerationKey = "gmfi:chains:generation"

func chainLeaseKey(chainID int64) string {
	return "chain:" + strconv.FormatInt(chainID, 10)
}

// Supervisor 为每条启用的链运行一个 ChainMonitor
//
// 每条链同一时间只在持有链租约的实例上同步，持有期间租约自动续期；
// 未取得租约的实例定期重试，持有者退出或崩溃后接管。
// 链配置变更时调用 NotifyChainsChanged 递增共享代数，各实例发现代数变化后按最新配置重启全部监控。
type Supervisor struct {
	repos      *repository.Repositories
	registry   *blockchain.Registry
	classifier *Classifier
	redis      redis.UniversalClient
	locker     *lock.RedisLocker
	cfg        IngestionConfig
	logger     *zap.Logger

	control    chan struct{}
	generation atomic.Uint64
}

// NewSupervisor 创建同步监管器
func NewSupervisor(
	repos *repository.Repositories,
	registry *blockchain.Registry,
	classifier *Classifier,
	client redis.UniversalClient,
	locker *lock.RedisLocker,
	cfg *IngestionConfig,
) *Supervisor {
	return &Supervisor{
		repos:      repos,
		registry:   registry,
		classifier: classifier,
		redis:      client,
		locker:     locker,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("supervisor"),
		control:    make(chan struct{}, 1),
	}
}

// NotifyChainsChanged 通知链配置已变更，不阻塞
//
// 共享代数写入失败时只重启本实例，其他实例在各自重启后才会看到新配置。
func (s *Supervisor) NotifyChainsChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gen, err := s.redis.Incr(ctx, ChainGenerationKey).Uint64()
	if err != nil {
		s.logger.Warn("publish chain generation failed", zap.Error(err))
		s.generation.Add(1)
	} else {
		s.generation.Store(gen)
	}
	select {
	case s.control <- struct{}{}:
	default:
	}
}

// Generation 本实例已知的配置代数
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}

// sharedGeneration 读取共享配置代数，不存在时为 0
func (s *Supervisor) sharedGeneration(ctx context.Context) (uint64, error) {
	gen, err := s.redis.Get(ctx, ChainGenerationKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get chain generation: %w", err)
	}
	return gen, nil
}

// Run 运行直到 ctx 取消
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		gen, err := s.sharedGeneration(ctx)
		if err == nil {
			s.generation.Store(gen)
			err = s.runGeneration(ctx, gen)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error("chain monitors failed, retrying", zap.Uint64("generation", gen), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RestartDelay):
			}
		}
	}
}

// runGeneration 加载链配置并运行监控，本地信号或共享代数变化时全部退出
func (s *Supervisor) runGeneration(ctx context.Context, gen uint64) error {
	chains, err := s.repos.Chain.ListActive(ctx)
	if err != nil {
		return err
	}

	// 旧客户端可能使用已变更的 RPC 地址
	s.registry.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.ReloadInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-s.control:
				// 加载配置之前发出的信号已经生效
				if s.generation.Load() == gen {
					continue
				}
			case <-ticker.C:
				shared, err := s.sharedGeneration(gctx)
				if err != nil {
					s.logger.Warn("poll chain generation failed", zap.Error(err))
					continue
				}
				if shared == gen {
					continue
				}
			}
			metrics.MonitorRestarts.WithLabelValues("reload").Inc()
			s.logger.Info("chain set changed, restarting monitors", zap.Uint64("generation", gen))
			cancel()
			return nil
		}
	})

	for _, chain := range chains {
		chain := chain
		g.Go(func() error {
			return s.runChain(gctx, chain)
		})
	}

	s.logger.Info("chain monitors running",
		zap.Uint64("generation", gen),
		zap.Int("chains", len(chains)))
	return g.Wait()
}

// runChain 争夺链租约，取得后运行监控直到租约丢失或 ctx 取消
func (s *Supervisor) runChain(ctx context.Context, chain *model.Chain) error {
	log := s.logger.With(zap.Int64("chain_id", chain.ID))
	for {
		lease := s.locker.NewLockWithTTL(chainLeaseKey(chain.ID), s.cfg.LeaseTTL)
		ok, err := lease.Acquire(ctx)
		switch {
		case err != nil:
			log.Warn("acquire chain lease failed", zap.Error(err))
		case !ok:
			log.Debug("chain lease held by another replica")
		default:
			s.monitorLeased(ctx, chain, lease)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}

// monitorLeased 持有租约运行监控，返回前释放租约
func (s *Supervisor) monitorLeased(ctx context.Context, chain *model.Chain, lease *lock.RedisLock) {
	hctx, stop := lease.Hold(ctx)
	defer func() {
		stop()
		_ = lease.Release(context.WithoutCancel(ctx))
	}()

	s.dialAndRun(hctx, chain)

	if errors.Is(context.Cause(hctx), lock.ErrLockNotHeld) {
		metrics.MonitorRestarts.WithLabelValues("lease_lost").Inc()
		s.logger.Warn("chain lease lost, monitor stopped", zap.Int64("chain_id", chain.ID))
	}
}

// dialAndRun 连接失败时按 RestartDelay 重试，连接成功后运行监控直到 ctx 取消
func (s *Supervisor) dialAndRun(ctx context.Context, chain *model.Chain) {
	for {
		client, err := s.registry.Get(ctx, chain)
		if err == nil {
			// Run 只在 ctx 取消后返回
			_ = NewChainMonitor(chain, client, s.repos, s.classifier, &s.cfg).Run(ctx)
			return
		}
		s.logger.Warn("dial chain failed",
			zap.Int64("chain_id", chain.ID),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}
