package service

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// ErrChainIDMismatch 节点报告的链 ID 与登记的不一致
var ErrChainIDMismatch = errors.New("remote chain id mismatch")

// ChainsNotifier 接收链配置变更通知
type ChainsNotifier interface {
	NotifyChainsChanged()
}

// remoteChainIDer 能查询节点链 ID 的客户端
type remoteChainIDer interface {
	RemoteChainID(ctx context.Context) (int64, error)
}

// ChainService 链配置管理，变更后通知同步监管器重启
type ChainService struct {
	repos    *repository.Repositories
	dial     blockchain.DialFunc
	registry *blockchain.Registry
	notifier ChainsNotifier

	defaultConfirmations int
	logger               *zap.Logger
}

// NewChainService 创建链配置服务
func NewChainService(
	repos *repository.Repositories,
	dial blockchain.DialFunc,
	registry *blockchain.Registry,
	notifier ChainsNotifier,
	defaultConfirmations int,
) *ChainService {
	if defaultConfirmations <= 0 {
		defaultConfirmations = 18
	}
	return &ChainService{
		repos:                repos,
		dial:                 dial,
		registry:             registry,
		notifier:             notifier,
		defaultConfirmations: defaultConfirmations,
		logger:               logger.Named("chain"),
	}
}

// RegisterChainRequest 登记链请求
type RegisterChainRequest struct {
	ID             int64
	Name           string
	RPCURL         string
	Confirmations  int
	NativeSymbol   string
	NativeDecimals int32
}

// Register 连接节点校验链 ID、检测 PoA、确保原生代币存在后登记链
func (s *ChainService) Register(ctx context.Context, req *RegisterChainRequest) (*model.Chain, error) {
	if req.ID <= 0 || req.Name == "" || req.RPCURL == "" || req.NativeSymbol == "" {
		return nil, errors.New("chain id, name, rpc url and native symbol are required")
	}

	chain := &model.Chain{
		ID:            req.ID,
		Name:          req.Name,
		RPCURL:        req.RPCURL,
		Confirmations: req.Confirmations,
		Active:        true,
	}
	if chain.Confirmations <= 0 {
		chain.Confirmations = s.defaultConfirmations
	}

	client, err := s.dial(ctx, chain)
	if err != nil {
		return nil, errors.Wrapf(err, "dial chain %s", req.Name)
	}
	defer client.Close()

	if remote, ok := client.(remoteChainIDer); ok {
		id, err := remote.RemoteChainID(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "query chain id")
		}
		if id != req.ID {
			return nil, errors.Wrapf(ErrChainIDMismatch, "registered %d, node reports %d", req.ID, id)
		}
	}

	chain.IsPoA, err = blockchain.DetectPoA(ctx, client)
	if err != nil {
		return nil, err
	}

	err = s.repos.WithTx(ctx, func(ctx context.Context) error {
		native, err := s.repos.Token.GetOrCreate(ctx, req.NativeSymbol, req.NativeDecimals)
		if err != nil {
			return err
		}
		chain.NativeTokenID = native.ID
		return s.repos.Chain.Create(ctx, chain)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "register chain %s", req.Name)
	}

	s.logger.Info("chain registered",
		zap.Int64("chain_id", chain.ID),
		zap.String("name", chain.Name),
		zap.Bool("poa", chain.IsPoA))
	s.changed(chain.ID)
	return chain, nil
}

// SetActive 启用或停用链
func (s *ChainService) SetActive(ctx context.Context, chainID int64, active bool) error {
	if err := s.repos.Chain.SetActive(ctx, chainID, active); err != nil {
		return err
	}
	s.logger.Info("chain active changed", zap.Int64("chain_id", chainID), zap.Bool("active", active))
	s.changed(chainID)
	return nil
}

// SetConfirmations 修改确认数
func (s *ChainService) SetConfirmations(ctx context.Context, chainID int64, confirmations int) error {
	if confirmations <= 0 {
		return errors.New("confirmations must be positive")
	}
	if err := s.repos.Chain.SetConfirmations(ctx, chainID, confirmations); err != nil {
		return err
	}
	s.changed(chainID)
	return nil
}

// Reload 不修改配置，仅重启全部链监控
func (s *ChainService) Reload() {
	s.notifier.NotifyChainsChanged()
}

func (s *ChainService) changed(chainID int64) {
	s.registry.Remove(chainID)
	s.notifier.NotifyChainsChanged()
}
