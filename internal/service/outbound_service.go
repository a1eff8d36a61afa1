package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/lock"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

var (
	// ErrSimulationFailed 预执行失败，已累加账户失败次数
	ErrSimulationFailed = errors.New("transaction simulation failed")
	// ErrLowerNonceUnsent 同账户更小 nonce 的条目尚未提交
	ErrLowerNonceUnsent = errors.New("lower nonce entry not yet sent")
	// ErrNotEligible 条目已被其他调用提交或已上链
	ErrNotEligible = errors.New("outbound entry no longer eligible")
)

// OutboundServiceConfig 出账队列配置
type OutboundServiceConfig struct {
	BatchSize         int
	StuckAfter        time.Duration // 提交后超过此时长仍未上链则重发
	MinAge            time.Duration // 只处理创建超过此时长的条目
	MaxFailedTimes    int           // 账户预执行连续失败上限
	AccountLockWait   time.Duration
	NativeTransferGas uint64
}

// OutboundService 出账队列
//
// 入队时 nonce 取该账户在该链上已有条目数，调用方必须持有账户锁；
// 提交前用 eth_call 预执行，失败只累加账户失败次数，条目保持未提交。
type OutboundService struct {
	repos    *repository.Repositories
	registry *blockchain.Registry
	keys     blockchain.KeyManager
	locker   *lock.RedisLocker
	cfg      OutboundServiceConfig
	logger   *zap.Logger
}

// NewOutboundService 创建出账服务，locker 的 TTL 即账户锁租期
func NewOutboundService(
	repos *repository.Repositories,
	registry *blockchain.Registry,
	keys blockchain.KeyManager,
	locker *lock.RedisLocker,
	cfg *OutboundServiceConfig,
) *OutboundService {
	c := *cfg
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 16 * time.Minute
	}
	if c.MinAge < 0 {
		c.MinAge = 0
	}
	if c.MaxFailedTimes <= 0 {
		c.MaxFailedTimes = 32
	}
	if c.AccountLockWait <= 0 {
		c.AccountLockWait = 4 * time.Second
	}
	if c.NativeTransferGas == 0 {
		c.NativeTransferGas = 21000
	}

	return &OutboundService{
		repos:    repos,
		registry: registry,
		keys:     keys,
		locker:   locker,
		cfg:      c,
		logger:   logger.Named("outbound"),
	}
}

func accountLockKey(address string) string {
	return "account:" + address
}

// WithAccountLock 持有账户锁执行 fn，等待超时返回 lock.ErrLockWaitTimeout
//
// fn 执行期间租约自动续期；租约丢失时 fn 的 ctx 被取消，不再继续签名广播。
func (s *OutboundService) WithAccountLock(ctx context.Context, account *model.Account, fn func(ctx context.Context) error) error {
	return s.locker.WithLockWait(ctx, accountLockKey(account.Address), s.cfg.AccountLockWait, fn)
}

// EnqueueRequest 入队请求
type EnqueueRequest struct {
	Account *model.Account
	ChainID int64
	To      string
	Value   decimal.Decimal
	Data    []byte
	Gas     uint64 // 0 表示提交时估算
	Kind    model.OutboundKind
}

// Enqueue 分配 nonce 并入队，调用方必须持有账户锁
func (s *OutboundService) Enqueue(ctx context.Context, req *EnqueueRequest) (*model.OutboundTransaction, error) {
	kind := req.Kind
	if kind == "" {
		kind = model.OutboundKindTransfer
	}
	entry := &model.OutboundTransaction{
		AccountID: req.Account.ID,
		ChainID:   req.ChainID,
		To:        normalizeHex(req.To),
		Value:     req.Value,
		Gas:       req.Gas,
		Kind:      kind,
	}
	if len(req.Data) > 0 {
		entry.Data = hexutil.Encode(req.Data)
	}

	if err := s.repos.Outbound.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueue outbound: %w", err)
	}
	metrics.RecordOutboundEnqueued(req.ChainID, string(kind))
	s.logger.Info("outbound enqueued",
		zap.Int64("outbound_id", entry.ID),
		zap.Int64("chain_id", entry.ChainID),
		zap.String("account", req.Account.Address),
		zap.Uint64("nonce", entry.Nonce),
		zap.String("kind", string(kind)))
	return entry, nil
}

// SendToken 入队一笔转账: 原生币直接转账，ERC20 调用代币合约 transfer
//
// 调用方必须持有账户锁
func (s *OutboundService) SendToken(ctx context.Context, account *model.Account, chain *model.Chain, token *model.Token, to string, value decimal.Decimal) (*model.OutboundTransaction, error) {
	if token.ID == chain.NativeTokenID {
		return s.Enqueue(ctx, &EnqueueRequest{
			Account: account,
			ChainID: chain.ID,
			To:      to,
			Value:   value,
			Gas:     s.cfg.NativeTransferGas,
		})
	}

	contract, err := s.repos.Token.GetContract(ctx, chain.ID, token.ID)
	if err != nil {
		return nil, fmt.Errorf("token %s on chain %d: %w", token.Symbol, chain.ID, err)
	}
	data, err := blockchain.EncodeTransfer(common.HexToAddress(to), value.BigInt())
	if err != nil {
		return nil, err
	}
	return s.Enqueue(ctx, &EnqueueRequest{
		Account: account,
		ChainID: chain.ID,
		To:      contract,
		Data:    data,
	})
}

// Drain 提交一批可提交的条目，返回成功广播数
//
// 可提交: 从未提交，或提交超过 StuckAfter 仍未上链；账户失败次数低于上限；创建超过 MinAge
func (s *OutboundService) Drain(ctx context.Context) (int, error) {
	now := time.Now()
	entries, err := s.repos.Outbound.ListEligible(ctx, repository.DrainFilter{
		StuckBefore:    now.Add(-s.cfg.StuckAfter).UnixMilli(),
		CreatedBefore:  now.Add(-s.cfg.MinAge).UnixMilli(),
		MaxFailedTimes: s.cfg.MaxFailedTimes,
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list eligible outbound: %w", err)
	}

	sent := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		err := s.Submit(ctx, entry)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrSimulationFailed),
			errors.Is(err, ErrLowerNonceUnsent),
			errors.Is(err, ErrNotEligible),
			errors.Is(err, lock.ErrLockWaitTimeout):
			s.logger.Debug("outbound entry skipped",
				zap.Int64("outbound_id", entry.ID),
				zap.Error(err))
		default:
			s.logger.Warn("outbound submit failed",
				zap.Int64("outbound_id", entry.ID),
				zap.Int64("chain_id", entry.ChainID),
				zap.Error(err))
		}
	}
	return sent, nil
}

// Submit 持有账户锁预执行、签名并广播一个条目
func (s *OutboundService) Submit(ctx context.Context, entry *model.OutboundTransaction) error {
	account, err := s.repos.Account.GetByID(ctx, entry.AccountID)
	if err != nil {
		return err
	}
	chain, err := s.repos.Chain.GetByID(ctx, entry.ChainID)
	if err != nil {
		return err
	}
	client, err := s.registry.Get(ctx, chain)
	if err != nil {
		return err
	}

	err = s.WithAccountLock(ctx, account, func(ctx context.Context) error {
		return s.submitLocked(ctx, client, chain, account, entry.ID)
	})
	if errors.Is(err, lock.ErrLockWaitTimeout) {
		metrics.RecordOutboundSubmission(chain.ID, "lock_busy")
	}
	return err
}

func (s *OutboundService) submitLocked(ctx context.Context, client blockchain.ChainClient, chain *model.Chain, account *model.Account, entryID int64) error {
	// 等锁期间可能已被其他实例提交
	entry, err := s.repos.Outbound.GetByID(ctx, entryID)
	if err != nil {
		return err
	}
	stuckBefore := time.Now().Add(-s.cfg.StuckAfter).UnixMilli()
	if entry.IsMined() || (entry.IsSent() && *entry.TransactedAt >= stuckBefore) {
		return ErrNotEligible
	}

	blocked, err := s.repos.Outbound.HasUnsentBefore(ctx, account.ID, chain.ID, entry.Nonce)
	if err != nil {
		return err
	}
	if blocked {
		metrics.RecordOutboundSubmission(chain.ID, "blocked")
		return ErrLowerNonceUnsent
	}

	tx, err := s.build(ctx, client, account, entry)
	if err != nil {
		if errors.Is(err, ErrSimulationFailed) {
			return s.recordSimulationFailure(ctx, chain, account, entry, err)
		}
		return err
	}

	signed, err := s.keys.SignTx(ctx, account.EncryptedKey, tx, big.NewInt(chain.ID))
	if err != nil {
		return fmt.Errorf("sign outbound %d: %w", entry.ID, err)
	}

	hash := signed.Hash().Hex()
	if err := s.repos.Outbound.MarkSent(ctx, entry.ID, hash, time.Now().UnixMilli()); err != nil {
		return err
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		// 下一轮重新提交
		if clearErr := s.repos.Outbound.ClearSent(context.WithoutCancel(ctx), entry.ID); clearErr != nil {
			s.logger.Error("clear sent mark failed",
				zap.Int64("outbound_id", entry.ID),
				zap.Error(clearErr))
		}
		metrics.RecordOutboundSubmission(chain.ID, "broadcast_failed")
		return fmt.Errorf("broadcast outbound %d: %w", entry.ID, err)
	}

	metrics.RecordOutboundSubmission(chain.ID, "sent")
	s.logger.Info("outbound transaction sent",
		zap.Int64("outbound_id", entry.ID),
		zap.Int64("chain_id", chain.ID),
		zap.String("account", account.Address),
		zap.Uint64("nonce", entry.Nonce),
		zap.String("tx_hash", hash))
	return nil
}

// build 以实时 gas price 构造 legacy 交易并预执行
func (s *OutboundService) build(ctx context.Context, client blockchain.ChainClient, account *model.Account, entry *model.OutboundTransaction) (*types.Transaction, error) {
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	var data []byte
	if entry.Data != "" {
		data, err = hexutil.Decode(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("decode outbound data: %w", err)
		}
	}
	to := common.HexToAddress(entry.To)
	msg := ethereum.CallMsg{
		From:     common.HexToAddress(account.Address),
		To:       &to,
		Gas:      entry.Gas,
		GasPrice: gasPrice,
		Value:    entry.Value.BigInt(),
		Data:     data,
	}

	if msg.Gas == 0 {
		gas, err := client.EstimateGas(ctx, msg)
		if err != nil {
			// 估算失败说明交易会回滚
			return nil, fmt.Errorf("%w: estimate gas: %v", ErrSimulationFailed, err)
		}
		msg.Gas = gas
	}

	if _, err := client.CallContract(ctx, msg, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    entry.Nonce,
		To:       &to,
		Value:    msg.Value,
		Gas:      msg.Gas,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

func (s *OutboundService) recordSimulationFailure(ctx context.Context, chain *model.Chain, account *model.Account, entry *model.OutboundTransaction, cause error) error {
	if err := s.repos.Account.IncrFailedTimes(ctx, account.ID); err != nil {
		return err
	}
	metrics.RecordOutboundSubmission(chain.ID, "simulation_failed")

	fields := []zap.Field{
		zap.Int64("outbound_id", entry.ID),
		zap.Int64("chain_id", chain.ID),
		zap.String("account", account.Address),
		zap.Int("failed_times", account.FailedTimes+1),
		zap.Error(cause),
	}
	if account.FailedTimes+1 >= s.cfg.MaxFailedTimes {
		s.logger.Error("account suspended after repeated simulation failures", fields...)
	} else {
		s.logger.Warn("outbound simulation failed", fields...)
	}
	return cause
}

// ResetAccount 清零账户失败次数，恢复出账
func (s *OutboundService) ResetAccount(ctx context.Context, address string) error {
	account, err := s.repos.Account.GetByAddress(ctx, normalizeHex(address))
	if err != nil {
		return err
	}
	if err := s.repos.Account.ResetFailedTimes(ctx, account.ID); err != nil {
		return err
	}
	s.logger.Info("account failures reset", zap.String("account", account.Address))
	return nil
}
