package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

var (
	// ErrAmbiguousTransfer 交易包含多条同一代币的 Transfer 事件，无法确定实际转移
	ErrAmbiguousTransfer = errors.New("ambiguous token transfer")

	errDiscarded = errors.New("transaction discarded")
	errDuplicate = errors.New("transaction already stored")
)

// Classifier 交易入库与结算分类
//
// 流水线: 准入 → 获取回执 → 存储原始交易 → 关联出账条目 → 提取代币转移 → 分类 → 结算 → 预通知。
// 除准入与回执外全部在同一个存储事务中执行；分类失败时整体回滚，
// 但已关联出账条目的交易保留为无类型记录，避免出账条目被重新广播。
type Classifier struct {
	repos    *repository.Repositories
	notifier *NotificationService
	logger   *zap.Logger
}

// NewClassifier 创建分类器
func NewClassifier(repos *repository.Repositories, notifier *NotificationService) *Classifier {
	return &Classifier{
		repos:    repos,
		notifier: notifier,
		logger:   logger.Named("classifier"),
	}
}

// Ingest 处理区块中的一笔交易
//
// 返回入库的交易；不相关、重复或被丢弃的交易返回 nil。
// 只有可重试的错误 (RPC、存储) 与 ErrAmbiguousTransfer 会返回 error。
func (c *Classifier) Ingest(ctx context.Context, client blockchain.ChainClient, chain *model.Chain, block *model.Block, data *blockchain.TxData) (*model.Transaction, error) {
	exists, err := c.repos.Transaction.ExistsByHash(ctx, chain.ID, data.Hash.Hex())
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	ok, err := c.admit(ctx, chain, data)
	if err != nil {
		return nil, fmt.Errorf("admit: %w", err)
	}
	if !ok {
		return nil, nil
	}

	receipt, err := client.TransactionReceipt(ctx, data.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}

	var (
		stored  *model.Transaction
		settled bool
	)
	err = c.repos.WithTx(ctx, func(ctx context.Context) error {
		tx, err := c.store(ctx, chain, block, data, receipt)
		if err != nil {
			return err
		}
		entry, err := c.linkOutbound(ctx, chain, tx)
		if err != nil {
			return err
		}

		// 嵌套事务: 分类失败时只回滚结算部分
		settleErr := c.repos.WithTx(ctx, func(ctx context.Context) error {
			return c.settle(ctx, chain, block, tx, data, receipt, entry)
		})
		switch {
		case settleErr == nil:
			stored, settled = tx, true
			return nil
		case entry != nil && (errors.Is(settleErr, errDiscarded) || errors.Is(settleErr, ErrAmbiguousTransfer)):
			stored = tx
			return nil
		default:
			return settleErr
		}
	})

	switch {
	case errors.Is(err, errDuplicate):
		return nil, nil
	case errors.Is(err, errDiscarded):
		metrics.RecordClassified(chain.ID, "dropped")
		return nil, nil
	case errors.Is(err, ErrAmbiguousTransfer):
		metrics.RecordClassified(chain.ID, "error")
		return nil, err
	case err != nil:
		return nil, err
	}

	if !settled {
		metrics.RecordClassified(chain.ID, model.SettlementTypeNone.String())
		c.logger.Info("outbound transaction stored untyped",
			zap.Int64("chain_id", chain.ID),
			zap.String("tx_hash", stored.Hash),
			zap.Bool("success", stored.Success))
		return stored, nil
	}

	metrics.RecordClassified(chain.ID, stored.Type.String())
	c.logger.Info("transaction classified",
		zap.Int64("chain_id", chain.ID),
		zap.Int64("block", block.Number),
		zap.String("tx_hash", stored.Hash),
		zap.String("type", stored.Type.String()))
	return stored, nil
}

// admit 准入过滤
func (c *Classifier) admit(ctx context.Context, chain *model.Chain, data *blockchain.TxData) (bool, error) {
	if data.To != nil {
		to := normalizeAddress(*data.To)

		// 已登记代币合约的 transfer 调用
		if blockchain.IsTransferCall(data.Input) {
			ok, err := c.repos.Token.IsContract(ctx, chain.ID, to)
			if err != nil || ok {
				return ok, err
			}
		}
		// 向未归集账单地址付款
		ok, err := c.repos.Invoice.ExistsPayable(ctx, chain.ID, to)
		if err != nil || ok {
			return ok, err
		}
	}

	// 内部账户发起
	ok, err := c.repos.Account.ExistsByAddress(ctx, normalizeAddress(data.From))
	if err != nil || ok {
		return ok, err
	}

	// 转入内部账户
	if data.To != nil {
		return c.repos.Account.ExistsByAddress(ctx, normalizeAddress(*data.To))
	}
	return false, nil
}

// store 保存原始交易与回执
func (c *Classifier) store(ctx context.Context, chain *model.Chain, block *model.Block, data *blockchain.TxData, receipt *types.Receipt) (*model.Transaction, error) {
	logs, err := json.Marshal(receipt.Logs)
	if err != nil {
		return nil, fmt.Errorf("encode logs: %w", err)
	}

	gasPrice := data.GasPrice
	if gasPrice.Sign() == 0 && receipt.EffectiveGasPrice != nil {
		gasPrice = receipt.EffectiveGasPrice
	}

	tx := &model.Transaction{
		ChainID:  chain.ID,
		BlockID:  block.ID,
		Hash:     data.Hash.Hex(),
		TxIndex:  int(data.Index),
		From:     normalizeAddress(data.From),
		Nonce:    data.Nonce,
		Value:    decimal.NewFromBigInt(data.Value, 0),
		Input:    hexutil.Encode(data.Input),
		Gas:      data.Gas,
		GasPrice: decimal.NewFromBigInt(gasPrice, 0),
		GasUsed:  receipt.GasUsed,
		Success:  receipt.Status == types.ReceiptStatusSuccessful,
		Logs:     string(logs),
	}
	if data.To != nil {
		tx.To = normalizeAddress(*data.To)
	}

	if err := c.repos.Transaction.Create(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicateTransaction) {
			return nil, errDuplicate
		}
		return nil, err
	}
	return tx, nil
}

// linkOutbound 按 (链, 发送方, nonce) 或哈希匹配出账条目
func (c *Classifier) linkOutbound(ctx context.Context, chain *model.Chain, tx *model.Transaction) (*model.OutboundTransaction, error) {
	sender, err := c.account(ctx, tx.From)
	if err != nil || sender == nil {
		return nil, err
	}

	entry, err := c.repos.Outbound.FindForTransaction(ctx, chain.ID, tx.Hash, sender.ID, tx.Nonce)
	if errors.Is(err, repository.ErrOutboundNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.TransactionID != nil && *entry.TransactionID != tx.ID {
		c.logger.Warn("outbound entry already linked",
			zap.Int64("outbound_id", entry.ID),
			zap.Int64("linked_tx", *entry.TransactionID),
			zap.String("tx_hash", tx.Hash))
		return nil, nil
	}

	if err := c.repos.Outbound.LinkTransaction(ctx, entry.ID, tx.ID); err != nil {
		return nil, err
	}
	txID := tx.ID
	entry.TransactionID = &txID
	return entry, nil
}

// settle 分类并执行结算
func (c *Classifier) settle(
	ctx context.Context,
	chain *model.Chain,
	block *model.Block,
	tx *model.Transaction,
	data *blockchain.TxData,
	receipt *types.Receipt,
	entry *model.OutboundTransaction,
) error {
	if !tx.Success {
		return fmt.Errorf("%w: reverted on chain", errDiscarded)
	}

	settlement, mv, err := c.classify(ctx, chain, data, receipt, entry)
	if err != nil {
		return err
	}

	if err := c.repos.Transaction.CreateTokenTransfer(ctx, &model.TokenTransfer{
		TransactionID: tx.ID,
		TokenID:       mv.Token.ID,
		From:          mv.From,
		To:            mv.To,
		Value:         mv.Value,
	}); err != nil {
		return fmt.Errorf("create token transfer: %w", err)
	}

	if err := c.apply(ctx, tx, settlement, mv); err != nil {
		return err
	}

	projectID := settlement.ProjectID()
	if err := c.repos.Transaction.SetType(ctx, tx.ID, settlement.Type(), &projectID); err != nil {
		return err
	}
	tx.Type = settlement.Type()
	tx.ProjectID = &projectID

	return c.notifier.Emit(ctx, chain, block, tx, false)
}

// classify 确定结算类型，按固定顺序匹配
func (c *Classifier) classify(
	ctx context.Context,
	chain *model.Chain,
	data *blockchain.TxData,
	receipt *types.Receipt,
	entry *model.OutboundTransaction,
) (Settlement, *Movement, error) {
	// 部署账单合约: 无法从交易本身解析代币转移，按出账条目识别
	if entry != nil && entry.Kind == model.OutboundKindInvoiceGathering {
		return c.invoiceGathering(ctx, entry)
	}

	mv, err := c.movement(ctx, chain, data, receipt)
	if err != nil {
		return nil, nil, err
	}

	// 系统账户转出: gas 分发或提币
	project, err := c.projectBySystemAddress(ctx, mv.From)
	if err != nil {
		return nil, nil, err
	}
	if project != nil {
		recipient, err := c.account(ctx, mv.To)
		if err != nil {
			return nil, nil, err
		}
		if recipient != nil {
			return GasRecharging{Project: project, Recipient: recipient}, mv, nil
		}

		var withdrawal *model.Withdrawal
		if entry != nil {
			withdrawal, err = c.repos.Withdrawal.GetByOutbound(ctx, entry.ID)
			if err != nil && !errors.Is(err, repository.ErrWithdrawalNotFound) {
				return nil, nil, err
			}
		}
		return Withdrawing{Project: project, Withdrawal: withdrawal}, mv, nil
	}

	// 转入用户充值账户
	user, err := c.userByDepositAddress(ctx, mv.To)
	if err != nil {
		return nil, nil, err
	}
	if user != nil {
		return Depositing{User: user}, mv, nil
	}

	// 充值账户转出
	user, err = c.userByDepositAddress(ctx, mv.From)
	if err != nil {
		return nil, nil, err
	}
	if user != nil {
		return DepositGathering{User: user}, mv, nil
	}

	// 转入系统账户
	project, err = c.projectBySystemAddress(ctx, mv.To)
	if err != nil {
		return nil, nil, err
	}
	if project != nil {
		account, err := c.repos.Account.GetByID(ctx, project.SystemAccountID)
		if err != nil {
			return nil, nil, err
		}
		return Funding{Project: project, Account: account}, mv, nil
	}

	// 向未归集账单付款
	invoice, err := c.repos.Invoice.FindPayable(ctx, chain.ID, mv.To, mv.Token.ID)
	if err == nil {
		return Paying{Invoice: invoice}, mv, nil
	}
	if !errors.Is(err, repository.ErrInvoiceNotFound) {
		return nil, nil, err
	}

	return nil, nil, fmt.Errorf("%w: no settlement rule matched", errDiscarded)
}

func (c *Classifier) invoiceGathering(ctx context.Context, entry *model.OutboundTransaction) (Settlement, *Movement, error) {
	invoice, err := c.repos.Invoice.GetByOutbound(ctx, entry.ID)
	if errors.Is(err, repository.ErrInvoiceNotFound) {
		return nil, nil, fmt.Errorf("%w: gathering entry %d has no invoice", errDiscarded, entry.ID)
	}
	if err != nil {
		return nil, nil, err
	}
	token, err := c.repos.Token.GetByID(ctx, invoice.TokenID)
	if err != nil {
		return nil, nil, err
	}
	total, err := c.repos.Invoice.SumPayments(ctx, invoice.ID)
	if err != nil {
		return nil, nil, err
	}
	return InvoiceGathering{Invoice: invoice}, &Movement{
		Token: token,
		From:  invoice.PayAddress,
		To:    invoice.CollectionAddress,
		Value: total,
	}, nil
}

// movement 提取代币转移: ERC20 取回执中该合约的 Transfer 事件，原生币取交易金额
func (c *Classifier) movement(ctx context.Context, chain *model.Chain, data *blockchain.TxData, receipt *types.Receipt) (*Movement, error) {
	if data.To != nil && blockchain.IsTransferCall(data.Input) {
		token, err := c.repos.Token.GetByContract(ctx, chain.ID, normalizeAddress(*data.To))
		if err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
			return nil, err
		}
		if token != nil {
			transfers := blockchain.ParseTransferLogs(receipt.Logs, *data.To)
			switch len(transfers) {
			case 0:
				return nil, fmt.Errorf("%w: no transfer event", errDiscarded)
			case 1:
			default:
				return nil, fmt.Errorf("%w: %d events in %s", ErrAmbiguousTransfer, len(transfers), data.Hash.Hex())
			}
			t := transfers[0]
			return &Movement{
				Token: token,
				From:  normalizeAddress(t.From),
				To:    normalizeAddress(t.To),
				Value: decimal.NewFromBigInt(t.Value, 0),
			}, nil
		}
	}

	if data.To == nil || data.Value == nil || data.Value.Sign() == 0 {
		return nil, fmt.Errorf("%w: no token movement", errDiscarded)
	}
	native, err := c.repos.Token.GetByID(ctx, chain.NativeTokenID)
	if err != nil {
		return nil, fmt.Errorf("load native token: %w", err)
	}
	return &Movement{
		Token: native,
		From:  normalizeAddress(data.From),
		To:    normalizeAddress(*data.To),
		Value: decimal.NewFromBigInt(data.Value, 0),
	}, nil
}

// apply 各结算类型的附属记录
func (c *Classifier) apply(ctx context.Context, tx *model.Transaction, settlement Settlement, mv *Movement) error {
	switch s := settlement.(type) {
	case Depositing:
		return c.repos.Deposit.Create(ctx, &model.Deposit{
			TransactionID: tx.ID,
			UserID:        s.User.ID,
			TokenID:       mv.Token.ID,
			Value:         mv.Value,
		})
	case Paying:
		invoice, err := c.repos.Invoice.AddPayment(ctx, &model.Payment{
			TransactionID: tx.ID,
			InvoiceID:     s.Invoice.ID,
			Value:         mv.Value,
		})
		if err != nil {
			return err
		}
		if invoice.Paid {
			c.logger.Info("invoice paid",
				zap.String("invoice_no", invoice.No),
				zap.String("actual_value", invoice.ActualValue.String()))
		}
		return nil
	case Withdrawing:
		if s.Withdrawal == nil {
			return nil
		}
		return c.repos.Withdrawal.LinkTransaction(ctx, s.Withdrawal.ID, tx.ID)
	case GasRecharging:
		// 收到 gas 后重新允许该账户出账
		return c.repos.Account.ResetFailedTimes(ctx, s.Recipient.ID)
	case Funding:
		return c.repos.Account.ResetFailedTimes(ctx, s.Account.ID)
	case DepositGathering, InvoiceGathering:
		return nil
	}
	return fmt.Errorf("unknown settlement %T", settlement)
}

func (c *Classifier) account(ctx context.Context, address string) (*model.Account, error) {
	if address == "" {
		return nil, nil
	}
	acc, err := c.repos.Account.GetByAddress(ctx, address)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, nil
	}
	return acc, err
}

func (c *Classifier) projectBySystemAddress(ctx context.Context, address string) (*model.Project, error) {
	project, err := c.repos.Project.GetBySystemAddress(ctx, address)
	if errors.Is(err, repository.ErrProjectNotFound) {
		return nil, nil
	}
	return project, err
}

func (c *Classifier) userByDepositAddress(ctx context.Context, address string) (*model.User, error) {
	user, err := c.repos.User.GetByDepositAddress(ctx, address)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil
	}
	return user, err
}
