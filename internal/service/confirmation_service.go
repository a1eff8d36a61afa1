package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/kafka"
	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// ConfirmResult 单个区块的确认结果
type ConfirmResult string

const (
	ConfirmResultConfirmed ConfirmResult = "confirmed" // 本次完成确认并结算
	ConfirmResultDropped   ConfirmResult = "dropped"   // 已不在规范链上，被删除
	ConfirmResultSkipped   ConfirmResult = "skipped"   // 已被其他调用确认
)

// ConfirmationService 区块确认与结算
//
// 区块状态: 待确认 → 已确认 (终态) 或 待确认 → 删除 (重组)。
// 结算效果只在 confirmed 由 false 变为 true 的那次调用中执行。
type ConfirmationService struct {
	repos     *repository.Repositories
	registry  *blockchain.Registry
	balances  *BalanceService
	notifier  *NotificationService
	publisher kafka.EventPublisher
	logger    *zap.Logger

	batchSize int
}

// ConfirmationServiceConfig 配置
type ConfirmationServiceConfig struct {
	BatchSize int
}

// NewConfirmationService 创建确认服务
func NewConfirmationService(
	repos *repository.Repositories,
	registry *blockchain.Registry,
	balances *BalanceService,
	notifier *NotificationService,
	publisher kafka.EventPublisher,
	cfg *ConfirmationServiceConfig,
) *ConfirmationService {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 8
	}
	if publisher == nil {
		publisher = kafka.NoopPublisher{}
	}
	return &ConfirmationService{
		repos:     repos,
		registry:  registry,
		balances:  balances,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.Named("confirmation"),
		batchSize: batchSize,
	}
}

// Sweep 检查一批达到确认深度的区块
//
// 候选区块: 未确认且 number <= max(1, head - confirmations)，按高度升序
func (s *ConfirmationService) Sweep(ctx context.Context, chain *model.Chain) (map[ConfirmResult]int, error) {
	client, err := s.registry.Get(ctx, chain)
	if err != nil {
		return nil, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}
	metrics.RecordChainHead(chain.ID, head)

	limit := int64(head) - int64(chain.Confirmations)
	if limit < 1 {
		limit = 1
	}
	blocks, err := s.repos.Block.ListUnconfirmed(ctx, chain.ID, limit, s.batchSize)
	if err != nil {
		return nil, err
	}

	results := make(map[ConfirmResult]int)
	for _, block := range blocks {
		res, err := s.ConfirmBlock(ctx, client, chain, block)
		if err != nil {
			return results, fmt.Errorf("confirm block %d: %w", block.Number, err)
		}
		results[res]++
		// 删除区块会级联删除更高的区块，本批后续区块已不存在
		if res == ConfirmResultDropped {
			break
		}
	}
	return results, nil
}

// ConfirmBlock 与规范链比对哈希，一致则确认并结算，不一致则删除
func (s *ConfirmationService) ConfirmBlock(ctx context.Context, client blockchain.ChainClient, chain *model.Chain, block *model.Block) (ConfirmResult, error) {
	// 候选区块低于链头，节点查不到时视为节点异常而不是重组
	canonical, err := client.BlockByNumber(ctx, big.NewInt(block.Number))
	if err != nil {
		return "", fmt.Errorf("get canonical block: %w", err)
	}

	if canonical.Hash.Hex() != block.Hash {
		res, err := s.repos.Block.DeleteFrom(ctx, chain.ID, block.Number)
		if err != nil {
			return "", err
		}
		metrics.RecordReorg(chain.ID, "confirm", res.Blocks)
		metrics.RecordConfirmation(chain.ID, string(ConfirmResultDropped))
		s.logger.Warn("non-canonical block deleted",
			zap.Int64("chain_id", chain.ID),
			zap.Int64("number", block.Number),
			zap.String("hash", block.Hash),
			zap.Int64("blocks", res.Blocks))
		return ConfirmResultDropped, nil
	}

	var (
		confirmed bool
		settled   []*model.Transaction
	)
	err = s.repos.WithTx(ctx, func(ctx context.Context) error {
		changed, err := s.repos.Block.MarkConfirmed(ctx, block.ID)
		if err != nil || !changed {
			return err
		}
		confirmed = true
		block.Confirmed = true

		txs, err := s.repos.Transaction.ListByBlock(ctx, block.ID)
		if err != nil {
			return err
		}
		for _, tx := range txs {
			if !tx.Success || tx.Type == model.SettlementTypeNone {
				continue
			}
			if err := s.settle(ctx, chain, block, tx); err != nil {
				return fmt.Errorf("settle %s: %w", tx.Hash, err)
			}
			settled = append(settled, tx)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !confirmed {
		metrics.RecordConfirmation(chain.ID, string(ConfirmResultSkipped))
		return ConfirmResultSkipped, nil
	}

	metrics.RecordConfirmation(chain.ID, string(ConfirmResultConfirmed))
	s.logger.Info("block confirmed",
		zap.Int64("chain_id", chain.ID),
		zap.Int64("number", block.Number),
		zap.Int("settled", len(settled)))

	s.publish(ctx, chain, block, settled)
	return ConfirmResultConfirmed, nil
}

// settle 单笔交易的确认效果: 余额变更与确认通知
func (s *ConfirmationService) settle(ctx context.Context, chain *model.Chain, block *model.Block, tx *model.Transaction) error {
	transfer, err := s.repos.Transaction.GetTokenTransfer(ctx, tx.ID)
	if err != nil && !errors.Is(err, repository.ErrTokenTransferNotFound) {
		return err
	}
	if err := s.balances.ApplyTransfer(ctx, chain, tx, transfer); err != nil {
		return err
	}
	return s.notifier.Emit(ctx, chain, block, tx, true)
}

// publish 提交后发布结算事件，失败只记录日志
func (s *ConfirmationService) publish(ctx context.Context, chain *model.Chain, block *model.Block, txs []*model.Transaction) {
	now := time.Now().UnixMilli()
	for _, tx := range txs {
		event := &model.SettlementEvent{
			ChainID:     chain.ID,
			BlockNumber: block.Number,
			BlockHash:   block.Hash,
			TxHash:      tx.Hash,
			Type:        tx.Type,
			ProjectID:   tx.ProjectID,
			From:        tx.From,
			To:          tx.To,
			Value:       tx.Value,
			ConfirmedAt: now,
		}
		if transfer, err := s.repos.Transaction.GetTokenTransfer(ctx, tx.ID); err == nil {
			event.From, event.To, event.Value = transfer.From, transfer.To, transfer.Value
			if token, err := s.repos.Token.GetByID(ctx, transfer.TokenID); err == nil {
				event.TokenSymbol = token.Symbol
			}
		}
		if err := s.publisher.PublishSettlement(ctx, event); err != nil {
			s.logger.Warn("publish settlement event failed",
				zap.String("tx_hash", tx.Hash),
				zap.Error(err))
		}
	}
}
