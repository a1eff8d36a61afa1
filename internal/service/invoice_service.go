package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// ErrInvalidInvoice 账单参数不合法
var ErrInvalidInvoice = errors.New("invalid invoice")

// InvoiceServiceConfig 账单配置
type InvoiceServiceConfig struct {
	FactoryAddress string
	NativeInitCode string
	TokenInitCode  string
	GatherGas      uint64
	BatchSize      int
}

// InvoiceService 账单创建与归集
//
// 支付地址是工厂以 salt 部署账单合约的 create2 地址，支付时合约尚不存在；
// 账单支付完成并过期后，由项目系统账户调用工厂部署合约，合约构造时把余额转入收款地址。
type InvoiceService struct {
	repos    *repository.Repositories
	outbound *OutboundService
	cfg      InvoiceServiceConfig
	factory  common.Address
	logger   *zap.Logger
}

// NewInvoiceService 创建账单服务
func NewInvoiceService(repos *repository.Repositories, outbound *OutboundService, cfg *InvoiceServiceConfig) *InvoiceService {
	c := *cfg
	if c.FactoryAddress == "" {
		c.FactoryAddress = blockchain.DefaultCreate2Factory
	}
	if c.GatherGas == 0 {
		c.GatherGas = 160000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 4
	}
	return &InvoiceService{
		repos:    repos,
		outbound: outbound,
		cfg:      c,
		factory:  common.HexToAddress(c.FactoryAddress),
		logger:   logger.Named("invoice"),
	}
}

// CreateInvoiceRequest 创建账单请求，Value 为代币最小单位
type CreateInvoiceRequest struct {
	Project  *model.Project
	Chain    *model.Chain
	Token    *model.Token
	OutNo    string
	Subject  string
	Value    decimal.Decimal
	Duration time.Duration
}

// Create 创建账单并计算支付地址
func (s *InvoiceService) Create(ctx context.Context, req *CreateInvoiceRequest) (*model.Invoice, error) {
	if !req.Value.IsPositive() {
		return nil, errors.Wrap(ErrInvalidInvoice, "value must be positive")
	}
	if req.Duration <= 0 {
		return nil, errors.Wrap(ErrInvalidInvoice, "duration must be positive")
	}
	if req.Project.CollectionAddress == "" {
		return nil, errors.Wrapf(ErrInvalidInvoice, "project %d has no collection address", req.Project.ID)
	}

	initCode, err := s.initCode(ctx, req.Chain, req.Token, common.HexToAddress(req.Project.CollectionAddress))
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	salt := common.BytesToHash(crypto.Keccak256(id[:]))
	payAddress := blockchain.PredictAddress(s.factory, salt, initCode)

	invoice := &model.Invoice{
		No:                strings.ReplaceAll(id.String(), "-", ""),
		ProjectID:         req.Project.ID,
		OutNo:             req.OutNo,
		Subject:           req.Subject,
		ChainID:           req.Chain.ID,
		TokenID:           req.Token.ID,
		PayAddress:        normalizeAddress(payAddress),
		CollectionAddress: normalizeHex(req.Project.CollectionAddress),
		Salt:              salt.Hex(),
		InitCode:          hexutil.Encode(initCode),
		Value:             req.Value,
		ActualValue:       decimal.Zero,
		ExpiredAt:         time.Now().Add(req.Duration).UnixMilli(),
	}
	if err := s.repos.Invoice.Create(ctx, invoice); err != nil {
		return nil, errors.Wrap(err, "create invoice")
	}

	s.logger.Info("invoice created",
		zap.String("no", invoice.No),
		zap.Int64("project_id", invoice.ProjectID),
		zap.Int64("chain_id", invoice.ChainID),
		zap.String("pay_address", invoice.PayAddress))
	return invoice, nil
}

// initCode 原生币账单构造参数为 (collection)，代币账单为 (token, collection)
func (s *InvoiceService) initCode(ctx context.Context, chain *model.Chain, token *model.Token, collection common.Address) ([]byte, error) {
	if token.ID == chain.NativeTokenID {
		code, err := hexutil.Decode(s.cfg.NativeInitCode)
		if err != nil {
			return nil, errors.Wrap(err, "decode native init code")
		}
		return blockchain.BuildInitCode(code, nil, collection)
	}

	contract, err := s.repos.Token.GetContract(ctx, chain.ID, token.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "token %s on chain %d", token.Symbol, chain.ID)
	}
	code, err := hexutil.Decode(s.cfg.TokenInitCode)
	if err != nil {
		return nil, errors.Wrap(err, "decode token init code")
	}
	tokenAddress := common.HexToAddress(contract)
	return blockchain.BuildInitCode(code, &tokenAddress, collection)
}

// Gather 为一批已支付且已过期的账单发起归集，返回入队数
func (s *InvoiceService) Gather(ctx context.Context) (int, error) {
	invoices, err := s.repos.Invoice.ListGatherable(ctx, time.Now().UnixMilli(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	gathered := 0
	for _, invoice := range invoices {
		if err := s.gather(ctx, invoice); err != nil {
			if errors.Is(err, lock.ErrLockWaitTimeout) {
				s.logger.Debug("system account busy", zap.String("no", invoice.No))
				continue
			}
			s.logger.Warn("gather invoice failed",
				zap.String("no", invoice.No),
				zap.Error(err))
			continue
		}
		gathered++
	}
	return gathered, nil
}

func (s *InvoiceService) gather(ctx context.Context, invoice *model.Invoice) error {
	project, err := s.repos.Project.GetByID(ctx, invoice.ProjectID)
	if err != nil {
		return err
	}
	account, err := s.repos.Account.GetByID(ctx, project.SystemAccountID)
	if err != nil {
		return err
	}

	initCode, err := hexutil.Decode(invoice.InitCode)
	if err != nil {
		return fmt.Errorf("decode init code: %w", err)
	}
	data, err := blockchain.EncodeCreate2Deploy(initCode, common.HexToHash(invoice.Salt))
	if err != nil {
		return err
	}

	return s.outbound.WithAccountLock(ctx, account, func(ctx context.Context) error {
		return s.repos.WithTx(ctx, func(ctx context.Context) error {
			entry, err := s.outbound.Enqueue(ctx, &EnqueueRequest{
				Account: account,
				ChainID: invoice.ChainID,
				To:      normalizeAddress(s.factory),
				Data:    data,
				Gas:     s.cfg.GatherGas,
				Kind:    model.OutboundKindInvoiceGathering,
			})
			if err != nil {
				return err
			}
			// 其他实例已发起归集时回滚本次入队
			if err := s.repos.Invoice.SetOutbound(ctx, invoice.ID, entry.ID); err != nil {
				return err
			}
			s.logger.Info("invoice gathering enqueued",
				zap.String("no", invoice.No),
				zap.Int64("outbound_id", entry.ID))
			return nil
		})
	})
}
