package service

import (
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
)

func TestClassifier_DepositLifecycle(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	u := e.user(p, "alice", addr(0xd1))
	depositAcc, err := e.repos.Account.GetByID(e.ctx, u.DepositAccountID)
	require.NoError(t, err)

	data := nativeTx("deposit", addr(0xe1), addr(0xd1), 1000)
	block := e.mine(data)

	tx := e.stored(data.Hash)
	assert.Equal(t, model.SettlementTypeDepositing, tx.Type)
	require.NotNil(t, tx.ProjectID)
	assert.Equal(t, p.ID, *tx.ProjectID)

	deposit, err := e.repos.Deposit.GetByTransaction(e.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, deposit.UserID)
	assert.True(t, deposit.Value.Equal(decimal.NewFromInt(1000)))

	transfer, err := e.repos.Transaction.GetTokenTransfer(e.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, e.eth.ID, transfer.TokenID)

	// 未确认: 无余额变化，未开启预通知
	assert.True(t, e.balance(depositAcc, e.eth).IsZero())
	assert.Empty(t, e.notifications(tx))

	e.mineEmpty(2)
	results, err := e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)
	assert.Equal(t, 1, results[ConfirmResultConfirmed])

	assert.True(t, e.balance(depositAcc, e.eth).Equal(decimal.NewFromInt(1000)))
	list := e.notifications(tx)
	require.Len(t, list, 1)
	assert.True(t, list[0].Confirmed)
	assert.Equal(t, "deposit", list[0].Content["action"])
	payload, ok := list[0].Content["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alice", payload["uid"])
	assert.Equal(t, "ETH", payload["symbol"])

	// 再次确认不产生任何效果
	block, err = e.repos.Block.GetByID(e.ctx, block.ID)
	require.NoError(t, err)
	res, err := e.confirmer.ConfirmBlock(e.ctx, e.fake, e.chain, block)
	require.NoError(t, err)
	assert.Equal(t, ConfirmResultSkipped, res)
	assert.True(t, e.balance(depositAcc, e.eth).Equal(decimal.NewFromInt(1000)))
	assert.Len(t, e.notifications(tx), 1)

	require.Len(t, e.publisher.settlements, 1)
	assert.Equal(t, model.SettlementTypeDepositing, e.publisher.settlements[0].Type)
	assert.Equal(t, "ETH", e.publisher.settlements[0].TokenSymbol)
}

func TestClassifier_PreNotify(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), true)
	e.user(p, "bob", addr(0xd1))

	data := nativeTx("deposit", addr(0xe1), addr(0xd1), 1000)
	e.mine(data)
	tx := e.stored(data.Hash)

	list := e.notifications(tx)
	require.Len(t, list, 1)
	assert.False(t, list[0].Confirmed)

	e.mineEmpty(2)
	_, err := e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)
	assert.Len(t, e.notifications(tx), 2)
}

func TestClassifier_Discards(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *env) (seed string)
	}{
		{
			name: "unrelated addresses",
			setup: func(e *env) string {
				e.mine(nativeTx("unrelated", addr(0xe1), addr(0xe2), 1000))
				return "unrelated"
			},
		},
		{
			name: "zero value native transfer",
			setup: func(e *env) string {
				p := e.project(addr(0x5157), false)
				e.user(p, "alice", addr(0xd1))
				e.mine(nativeTx("zero", addr(0xe1), addr(0xd1), 0))
				return "zero"
			},
		},
		{
			name: "reverted transaction",
			setup: func(e *env) string {
				p := e.project(addr(0x5157), false)
				e.user(p, "alice", addr(0xd1))
				e.fake.SetReceipt(txHash("reverted"), &types.Receipt{Status: types.ReceiptStatusFailed, GasUsed: 21000})
				e.mine(nativeTx("reverted", addr(0xe1), addr(0xd1), 1000))
				return "reverted"
			},
		},
		{
			name: "ambiguous token transfer",
			setup: func(e *env) string {
				p := e.project(addr(0x5157), false)
				e.user(p, "alice", addr(0xd1))
				e.erc20("USDT", addr(0x7e7))
				e.mine(e.tokenTx("ambiguous", addr(0x7e7), addr(0xe1), addr(0xd1), 500, 2))
				return "ambiguous"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			seed := tt.setup(e)

			_, err := e.repos.Transaction.GetByHash(e.ctx, testChainID, txHash(seed).Hex())
			assert.ErrorIs(t, err, repository.ErrTransactionNotFound)

			// 区块本身照常入库
			_, ok, err := e.repos.Block.MaxNumber(e.ctx, testChainID)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestClassifier_ERC20Deposit(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	u := e.user(p, "alice", addr(0xd1))
	usdt := e.erc20("USDT", addr(0x7e7))

	data := e.tokenTx("usdt", addr(0x7e7), addr(0xe1), addr(0xd1), 500, 1)
	e.mine(data)

	tx := e.stored(data.Hash)
	assert.Equal(t, model.SettlementTypeDepositing, tx.Type)

	transfer, err := e.repos.Transaction.GetTokenTransfer(e.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, usdt.ID, transfer.TokenID)
	assert.Equal(t, normalizeAddress(addr(0xe1)), transfer.From)
	assert.Equal(t, normalizeAddress(addr(0xd1)), transfer.To)
	assert.True(t, transfer.Value.Equal(decimal.NewFromInt(500)))

	deposit, err := e.repos.Deposit.GetByTransaction(e.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, deposit.UserID)
	assert.Equal(t, usdt.ID, deposit.TokenID)
}

func TestClassifier_SystemAccountRules(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	u := e.user(p, "alice", addr(0xd1))
	sys, err := e.repos.Account.GetByID(e.ctx, p.SystemAccountID)
	require.NoError(t, err)
	depositAcc, err := e.repos.Account.GetByID(e.ctx, u.DepositAccountID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.repos.Account.IncrFailedTimes(e.ctx, sys.ID))
		require.NoError(t, e.repos.Account.IncrFailedTimes(e.ctx, depositAcc.ID))
	}

	funding := nativeTx("funding", addr(0xe1), addr(0x5157), 5000)
	recharge := nativeTx("recharge", addr(0x5157), addr(0xd1), 300)
	gathering := nativeTx("gathering", addr(0xd1), addr(0x5157), 900)
	gathering.Nonce = 0
	recharge.Nonce = 0
	e.mine(funding, recharge, gathering)

	assert.Equal(t, model.SettlementTypeFunding, e.stored(funding.Hash).Type)
	assert.Equal(t, model.SettlementTypeGasRecharging, e.stored(recharge.Hash).Type)
	assert.Equal(t, model.SettlementTypeDepositGathering, e.stored(gathering.Hash).Type)

	// 注资与 gas 分发恢复账户出账
	sys, err = e.repos.Account.GetByID(e.ctx, sys.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sys.FailedTimes)
	depositAcc, err = e.repos.Account.GetByID(e.ctx, depositAcc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, depositAcc.FailedTimes)

	// 这三类不通知
	e.mineEmpty(2)
	_, err = e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)
	assert.Empty(t, e.notifications(e.stored(funding.Hash)))

	// 5000 - 300 + 900，系统账户支付 300 的 gas
	gas := decimal.NewFromInt(21000)
	assert.True(t, e.balance(sys, e.eth).Equal(decimal.NewFromInt(5600).Sub(gas)), e.balance(sys, e.eth).String())
	assert.True(t, e.balance(depositAcc, e.eth).Equal(decimal.NewFromInt(300-900).Sub(gas)), e.balance(depositAcc, e.eth).String())
}

func TestClassifier_QueuedWithdrawal(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	u := e.user(p, "alice", addr(0xd1))
	sys, err := e.repos.Account.GetByID(e.ctx, p.SystemAccountID)
	require.NoError(t, err)

	entry := &model.OutboundTransaction{
		AccountID: sys.ID,
		ChainID:   testChainID,
		To:        normalizeAddress(addr(0xe2)),
		Value:     decimal.NewFromInt(700),
		Gas:       21000,
		Kind:      model.OutboundKindTransfer,
	}
	require.NoError(t, e.repos.Outbound.Enqueue(e.ctx, entry))
	withdrawal := &model.Withdrawal{
		No:         "W-1",
		ProjectID:  p.ID,
		UserID:     u.ID,
		ChainID:    testChainID,
		TokenID:    e.eth.ID,
		To:         entry.To,
		Value:      entry.Value,
		OutboundID: entry.ID,
	}
	require.NoError(t, e.repos.Withdrawal.Create(e.ctx, withdrawal))

	data := nativeTx("withdrawal", addr(0x5157), addr(0xe2), 700)
	e.mine(data)

	tx := e.stored(data.Hash)
	assert.Equal(t, model.SettlementTypeWithdrawal, tx.Type)

	entry, err = e.repos.Outbound.GetByID(e.ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, entry.TransactionID)
	assert.Equal(t, tx.ID, *entry.TransactionID)

	withdrawal, err = e.repos.Withdrawal.GetByNo(e.ctx, "W-1")
	require.NoError(t, err)
	require.NotNil(t, withdrawal.TransactionID)
	assert.Equal(t, tx.ID, *withdrawal.TransactionID)

	e.mineEmpty(2)
	_, err = e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)

	list := e.notifications(tx)
	require.Len(t, list, 1)
	assert.Equal(t, "withdrawal", list[0].Content["action"])
	payload := list[0].Content["data"].(map[string]interface{})
	assert.Equal(t, "W-1", payload["no"])
	assert.Equal(t, "alice", payload["uid"])

	assert.True(t, e.balance(sys, e.eth).Equal(decimal.NewFromInt(-21700)))
}

func TestClassifier_UnqueuedWithdrawalHasNoNotification(t *testing.T) {
	e := newEnv(t)
	e.project(addr(0x5157), false)

	data := nativeTx("manual", addr(0x5157), addr(0xe2), 700)
	e.mine(data)

	tx := e.stored(data.Hash)
	assert.Equal(t, model.SettlementTypeWithdrawal, tx.Type)

	e.mineEmpty(2)
	_, err := e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)
	assert.Empty(t, e.notifications(tx))
}

func TestClassifier_InvoicePayments(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)

	invoice := &model.Invoice{
		No:                "INV-1",
		ProjectID:         p.ID,
		OutNo:             "order-1",
		ChainID:           testChainID,
		TokenID:           e.eth.ID,
		PayAddress:        normalizeAddress(addr(0x1a)),
		CollectionAddress: p.CollectionAddress,
		Salt:              txHash("salt").Hex(),
		InitCode:          "0x00",
		Value:             decimal.NewFromInt(1000),
		ExpiredAt:         1,
	}
	require.NoError(t, e.repos.Invoice.Create(e.ctx, invoice))

	first := nativeTx("pay-1", addr(0xe1), addr(0x1a), 600)
	e.mine(first)
	invoice, err := e.repos.Invoice.GetByNo(e.ctx, "INV-1")
	require.NoError(t, err)
	assert.False(t, invoice.Paid)
	assert.Equal(t, model.SettlementTypePaying, e.stored(first.Hash).Type)

	second := nativeTx("pay-2", addr(0xe1), addr(0x1a), 400)
	e.mine(second)
	invoice, err = e.repos.Invoice.GetByNo(e.ctx, "INV-1")
	require.NoError(t, err)
	assert.True(t, invoice.Paid)
	assert.True(t, invoice.ActualValue.Equal(decimal.NewFromInt(1000)))

	// 付清后的账单不再接收支付
	third := nativeTx("pay-3", addr(0xe1), addr(0x1a), 100)
	e.mine(third)
	_, err = e.repos.Transaction.GetByHash(e.ctx, testChainID, third.Hash.Hex())
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)

	e.mineEmpty(2)
	_, err = e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)

	list := e.notifications(e.stored(second.Hash))
	require.Len(t, list, 1)
	assert.Equal(t, "invoice", list[0].Content["action"])
	payload := list[0].Content["data"].(map[string]interface{})
	assert.Equal(t, "INV-1", payload["no"])
	assert.Equal(t, "order-1", payload["out_no"])
}
