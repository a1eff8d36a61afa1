package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
	"github.com/gmfi-labs/gmfi-chain/pkg/retry"
)

// ErrTooFarBehind 缺失的祖先区块超过回溯上限，需要人工介入
var ErrTooFarBehind = errors.New("too far behind: parent backfill depth exceeded")

// IngestionConfig 区块同步配置
type IngestionConfig struct {
	PollInterval     time.Duration
	RestartDelay     time.Duration
	GapThreshold     int64 // 新区块超过已存最高块多少视为大缺口
	BackfillWindow   int64 // 大缺口时一次补齐的区块数
	MaxBackfillDepth int   // 父块回溯上限
	TxRetry          retry.Policy
	LeaseTTL         time.Duration // 链租约时长，持有者崩溃后其他实例最迟在此之后接管
	ReloadInterval   time.Duration // 检查共享配置代数的间隔
}

func (c *IngestionConfig) withDefaults() IngestionConfig {
	cfg := *c
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = 21
	}
	if cfg.BackfillWindow <= 0 {
		cfg.BackfillWindow = cfg.GapThreshold + 1
	}
	if cfg.MaxBackfillDepth <= 0 {
		cfg.MaxBackfillDepth = 32
	}
	if cfg.TxRetry.MaxAttempts <= 0 {
		cfg.TxRetry.MaxAttempts = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = 5 * time.Second
	}
	return cfg
}

// ChainMonitor 单条链的区块同步
//
// 新区块按高度递增入库；入库前删除同链中高度不低于它的区块 (旧分叉)，
// 缺失的父块按哈希回溯补齐，回溯深度有上限。
type ChainMonitor struct {
	chain      *model.Chain
	client     blockchain.ChainClient
	repos      *repository.Repositories
	classifier *Classifier
	cfg        IngestionConfig
	logger     *zap.Logger
}

// NewChainMonitor 创建链监控
func NewChainMonitor(
	chain *model.Chain,
	client blockchain.ChainClient,
	repos *repository.Repositories,
	classifier *Classifier,
	cfg *IngestionConfig,
) *ChainMonitor {
	return &ChainMonitor{
		chain:      chain,
		client:     client,
		repos:      repos,
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		logger: logger.Named("ingestion").With(
			zap.Int64("chain_id", chain.ID),
			zap.String("network", chain.Name)),
	}
}

// Run 持续同步直到 ctx 取消；任何错误都在短暂等待后重新开始
func (m *ChainMonitor) Run(ctx context.Context) error {
	m.logger.Info("chain monitor started")
	defer m.logger.Info("chain monitor stopped")

	for {
		err := m.safeFollow(ctx)
		if ctx.Err() != nil {
			return nil
		}

		metrics.MonitorRestarts.WithLabelValues("error").Inc()
		level := m.logger.Warn
		if errors.Is(err, ErrTooFarBehind) {
			level = m.logger.Error
		}
		level("chain monitor interrupted, restarting", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.RestartDelay):
		}
	}
}

func (m *ChainMonitor) safeFollow(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.follow(ctx)
}

// follow 订阅新区块头，节点不支持订阅时轮询
func (m *ChainMonitor) follow(ctx context.Context) error {
	heads := make(chan *types.Header, 16)
	sub, err := m.client.SubscribeNewHead(ctx, heads)
	if errors.Is(err, blockchain.ErrSubscriptionUnsupported) {
		return m.poll(ctx)
	}
	if err != nil {
		return fmt.Errorf("subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return fmt.Errorf("subscription dropped: %w", err)
		case head := <-heads:
			metrics.RecordChainHead(m.chain.ID, head.Number.Uint64())
			if err := m.CatchUp(ctx, head.Number.Uint64()); err != nil {
				return err
			}
		}
	}
}

func (m *ChainMonitor) poll(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		head, err := m.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		metrics.RecordChainHead(m.chain.ID, head)

		if head != last {
			if err := m.CatchUp(ctx, head); err != nil {
				return err
			}
			last = head
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CatchUp 反复处理新区块直到已存最高块不低于 head
func (m *ChainMonitor) CatchUp(ctx context.Context, head uint64) error {
	for {
		if err := m.HandleHead(ctx, head); err != nil {
			return err
		}
		max, ok, err := m.repos.Block.MaxNumber(ctx, m.chain.ID)
		if err != nil {
			return err
		}
		if !ok || max >= int64(head) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// HandleHead 处理一个新区块高度
//
// 超过已存最高块 GapThreshold 以上时只补齐 [max+1, max+BackfillWindow]，调用方需循环
func (m *ChainMonitor) HandleHead(ctx context.Context, number uint64) error {
	max, ok, err := m.repos.Block.MaxNumber(ctx, m.chain.ID)
	if err != nil {
		return err
	}

	if ok && int64(number) > max+m.cfg.GapThreshold {
		from, to := max+1, max+m.cfg.BackfillWindow
		m.logger.Info("gap detected, backfilling",
			zap.Uint64("head", number),
			zap.Int64("from", from),
			zap.Int64("to", to))
		for n := from; n <= to; n++ {
			data, err := m.client.BlockByNumber(ctx, big.NewInt(n))
			if err != nil {
				return fmt.Errorf("get block %d: %w", n, err)
			}
			if err := m.IngestBlock(ctx, data); err != nil {
				return err
			}
		}
		metrics.RecordBackfill(m.chain.ID, "gap", int(to-from+1))
		return nil
	}

	data, err := m.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return fmt.Errorf("get block %d: %w", number, err)
	}
	return m.IngestBlock(ctx, data)
}

// IngestBlock 入库区块及其相关交易
//
// 已存在同哈希且交易处理完的区块时不做任何处理；处理中断的区块重新入库。
// 缺失的父块先于本块入库，需要回溯的祖先超过 MaxBackfillDepth 时返回 ErrTooFarBehind 且不修改存储。
func (m *ChainMonitor) IngestBlock(ctx context.Context, data *blockchain.BlockData) error {
	if _, err := m.storedBlock(ctx, data.Hash.Hex()); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrBlockNotFound) {
		return err
	}

	pending, parent, err := m.collectAncestors(ctx, data)
	if err != nil {
		return err
	}
	if n := len(pending) - 1; n > 0 {
		metrics.RecordBackfill(m.chain.ID, "parent", n)
	}

	// 从最老的缺失祖先开始按高度递增入库
	for i := len(pending) - 1; i >= 0; i-- {
		var parentID *int64
		if parent != nil {
			id := parent.ID
			parentID = &id
		}
		block, err := m.persist(ctx, pending[i], parentID)
		if err != nil {
			return err
		}
		parent = block
	}
	return nil
}

// collectAncestors 从 data 开始沿父哈希回溯到已存区块
//
// 返回待入库区块 (data 在首位) 与已存的父块；存储为空或回溯到已存最低区块时父块为 nil
func (m *ChainMonitor) collectAncestors(ctx context.Context, data *blockchain.BlockData) ([]*blockchain.BlockData, *model.Block, error) {
	pending := []*blockchain.BlockData{data}
	cur := data
	for {
		parent, err := m.storedBlock(ctx, cur.ParentHash.Hex())
		if err == nil {
			return pending, parent, nil
		}
		if !errors.Is(err, repository.ErrBlockNotFound) {
			return nil, nil, err
		}

		// 父块早于已存的最低区块，不再回溯
		min, ok, err := m.repos.Block.MinNumber(ctx, m.chain.ID)
		if err != nil {
			return nil, nil, err
		}
		if !ok || cur.Number == 0 || int64(cur.Number) <= min {
			return pending, nil, nil
		}

		if len(pending) > m.cfg.MaxBackfillDepth {
			return nil, nil, fmt.Errorf("%w: block %d needs more than %d ancestors",
				ErrTooFarBehind, data.Number, m.cfg.MaxBackfillDepth)
		}
		next, err := m.client.BlockByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, nil, fmt.Errorf("get parent %s: %w", cur.ParentHash.Hex(), err)
		}
		pending = append(pending, next)
		cur = next
	}
}

// storedBlock 按哈希查找交易已处理完的区块，处理中断的区块视为不存在
func (m *ChainMonitor) storedBlock(ctx context.Context, hash string) (*model.Block, error) {
	block, err := m.repos.Block.GetByHash(ctx, m.chain.ID, hash)
	if err != nil {
		return nil, err
	}
	if !block.Ingested {
		return nil, repository.ErrBlockNotFound
	}
	return block, nil
}

// persist 删除旧分叉并写入区块，随后逐笔处理交易；全部处理完后区块才可被确认
func (m *ChainMonitor) persist(ctx context.Context, data *blockchain.BlockData, parentID *int64) (*model.Block, error) {
	number := int64(data.Number)

	res, err := m.repos.Block.DeleteFrom(ctx, m.chain.ID, number)
	if err != nil {
		return nil, fmt.Errorf("delete stale blocks from %d: %w", number, err)
	}
	if res.Blocks > 0 {
		metrics.RecordReorg(m.chain.ID, "ingest", res.Blocks)
		m.logger.Warn("stale blocks deleted",
			zap.Int64("from", number),
			zap.Int64("blocks", res.Blocks),
			zap.Int64("transactions", res.Transactions),
			zap.Int64("payments", res.Payments))
	}

	block := &model.Block{
		ChainID:   m.chain.ID,
		Number:    number,
		Hash:      data.Hash.Hex(),
		ParentID:  parentID,
		Timestamp: int64(data.Timestamp),
	}
	if err := m.repos.Block.Create(ctx, block); err != nil {
		return nil, fmt.Errorf("create block %d: %w", number, err)
	}
	metrics.RecordBlockIngested(m.chain.ID, number)
	m.logger.Debug("block ingested",
		zap.Int64("number", number),
		zap.String("hash", block.Hash),
		zap.Int("txs", len(data.Transactions)))

	if err := m.ingestTransactions(ctx, block, data); err != nil {
		return nil, err
	}
	if err := m.repos.Block.MarkIngested(ctx, block.ID); err != nil {
		return nil, fmt.Errorf("mark block %d ingested: %w", number, err)
	}
	block.Ingested = true
	return block, nil
}

// ingestTransactions 逐笔交给分类器，失败按退避重试，次数耗尽后丢弃
func (m *ChainMonitor) ingestTransactions(ctx context.Context, block *model.Block, data *blockchain.BlockData) error {
	policy := m.cfg.TxRetry
	policy.Classify = func(err error) retry.Class {
		if errors.Is(err, ErrAmbiguousTransfer) {
			return retry.Fatal
		}
		return retry.Retryable
	}

	for _, txData := range data.Transactions {
		txData := txData
		p := policy
		p.OnRetry = func(attempt int, wait time.Duration, err error) {
			m.logger.Warn("transaction ingestion failed, retrying",
				zap.String("tx_hash", txData.Hash.Hex()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}

		err := retry.Do(ctx, p, func(ctx context.Context) error {
			_, err := m.classifier.Ingest(ctx, m.client, m.chain, block, txData)
			return err
		})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Error("transaction dropped",
			zap.Int64("block", block.Number),
			zap.String("tx_hash", txData.Hash.Hex()),
			zap.Error(err))
	}
	return nil
}
