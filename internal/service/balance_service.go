package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// BalanceService 内部账户余额记账
type BalanceService struct {
	repos  *repository.Repositories
	logger *zap.Logger
}

// NewBalanceService 创建余额服务
func NewBalanceService(repos *repository.Repositories) *BalanceService {
	return &BalanceService{
		repos:  repos,
		logger: logger.Named("balance"),
	}
}

// ApplyTransfer 按已确认交易调整余额
//
// 转出方扣除转账金额，交易发送方扣除 gas 费 (原生币)，接收方增加转账金额；
// 只处理内部账户，外部地址跳过。调用方需在确认事务中调用。
func (s *BalanceService) ApplyTransfer(ctx context.Context, chain *model.Chain, tx *model.Transaction, transfer *model.TokenTransfer) error {
	if transfer != nil {
		from, err := s.account(ctx, transfer.From)
		if err != nil {
			return err
		}
		if from != nil {
			if err := s.repos.Balance.Adjust(ctx, from.ID, chain.ID, transfer.TokenID, transfer.Value.Neg()); err != nil {
				return fmt.Errorf("debit sender: %w", err)
			}
			metrics.RecordBalanceAdjustment(chain.ID, "sender")
		}
	}

	if fee := tx.GasFee(); fee.IsPositive() {
		sender, err := s.account(ctx, tx.From)
		if err != nil {
			return err
		}
		if sender != nil {
			if err := s.repos.Balance.Adjust(ctx, sender.ID, chain.ID, chain.NativeTokenID, fee.Neg()); err != nil {
				return fmt.Errorf("debit gas: %w", err)
			}
			metrics.RecordBalanceAdjustment(chain.ID, "gas")
		}
	}

	if transfer != nil {
		to, err := s.account(ctx, transfer.To)
		if err != nil {
			return err
		}
		if to != nil {
			if err := s.repos.Balance.Adjust(ctx, to.ID, chain.ID, transfer.TokenID, transfer.Value); err != nil {
				return fmt.Errorf("credit receiver: %w", err)
			}
			metrics.RecordBalanceAdjustment(chain.ID, "receiver")
		}
	}

	s.logger.Debug("balance applied",
		zap.Int64("chain_id", chain.ID),
		zap.String("tx_hash", tx.Hash))
	return nil
}

func (s *BalanceService) account(ctx context.Context, address string) (*model.Account, error) {
	if address == "" {
		return nil, nil
	}
	acc, err := s.repos.Account.GetByAddress(ctx, address)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, nil
	}
	return acc, err
}
