package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// ErrInvalidWithdrawal 提币参数不合法
var ErrInvalidWithdrawal = errors.New("invalid withdrawal")

// WithdrawalService 提币: 由项目系统账户出账
type WithdrawalService struct {
	repos    *repository.Repositories
	outbound *OutboundService
	logger   *zap.Logger
}

// NewWithdrawalService 创建提币服务
func NewWithdrawalService(repos *repository.Repositories, outbound *OutboundService) *WithdrawalService {
	return &WithdrawalService{
		repos:    repos,
		outbound: outbound,
		logger:   logger.Named("withdrawal"),
	}
}

// CreateWithdrawalRequest 提币请求，Value 为代币最小单位
type CreateWithdrawalRequest struct {
	No      string
	Project *model.Project
	User    *model.User
	Chain   *model.Chain
	Token   *model.Token
	To      string
	Value   decimal.Decimal
}

// Create 持有系统账户锁入队转账并写入提币记录，两者在同一事务中
func (s *WithdrawalService) Create(ctx context.Context, req *CreateWithdrawalRequest) (*model.Withdrawal, error) {
	if !req.Value.IsPositive() {
		return nil, errors.Wrap(ErrInvalidWithdrawal, "value must be positive")
	}
	if req.No == "" || req.To == "" {
		return nil, errors.Wrap(ErrInvalidWithdrawal, "no and to are required")
	}
	if req.User.ProjectID != req.Project.ID {
		return nil, errors.Wrapf(ErrInvalidWithdrawal, "user %d does not belong to project %d", req.User.ID, req.Project.ID)
	}

	account, err := s.repos.Account.GetByID(ctx, req.Project.SystemAccountID)
	if err != nil {
		return nil, err
	}

	var withdrawal *model.Withdrawal
	err = s.outbound.WithAccountLock(ctx, account, func(ctx context.Context) error {
		return s.repos.WithTx(ctx, func(ctx context.Context) error {
			entry, err := s.outbound.SendToken(ctx, account, req.Chain, req.Token, req.To, req.Value)
			if err != nil {
				return err
			}
			withdrawal = &model.Withdrawal{
				No:         req.No,
				ProjectID:  req.Project.ID,
				UserID:     req.User.ID,
				ChainID:    req.Chain.ID,
				TokenID:    req.Token.ID,
				To:         normalizeHex(req.To),
				Value:      req.Value,
				OutboundID: entry.ID,
			}
			return s.repos.Withdrawal.Create(ctx, withdrawal)
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create withdrawal %s", req.No)
	}

	s.logger.Info("withdrawal created",
		zap.String("no", withdrawal.No),
		zap.Int64("project_id", withdrawal.ProjectID),
		zap.Int64("outbound_id", withdrawal.OutboundID))
	return withdrawal, nil
}
