package repository

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

func TestBlockRepository_MaxNumber(t *testing.T) {
	f := newFixture(t)

	_, ok, err := f.repos.Block.MaxNumber(f.ctx, testChainID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.block(0, "0x00")
	n, ok, err := f.repos.Block.MaxNumber(f.ctx, testChainID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)

	f.block(7, "0x07")
	f.block(3, "0x03")
	n, _, err = f.repos.Block.MaxNumber(f.ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestBlockRepository_MinNumber(t *testing.T) {
	f := newFixture(t)

	_, ok, err := f.repos.Block.MinNumber(f.ctx, testChainID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.block(9, "0x09")
	f.block(4, "0x04")
	n, ok, err := f.repos.Block.MinNumber(f.ctx, testChainID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4), n)
}

func TestBlockRepository_DuplicateNumber(t *testing.T) {
	f := newFixture(t)
	f.block(5, "0xaa")

	err := f.repos.Block.Create(f.ctx, &model.Block{ChainID: testChainID, Number: 5, Hash: "0xbb"})
	assert.ErrorIs(t, err, ErrDuplicateBlock)
}

func TestBlockRepository_MarkConfirmedOnce(t *testing.T) {
	f := newFixture(t)
	b := f.block(1, "0x01")

	changed, err := f.repos.Block.MarkConfirmed(f.ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.repos.Block.MarkConfirmed(f.ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := f.repos.Block.GetByID(f.ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
}

func TestBlockRepository_ListUnconfirmed(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 6; i++ {
		f.block(i, fmt.Sprintf("0x%02x", i))
	}
	b2, err := f.repos.Block.GetByNumber(f.ctx, testChainID, 2)
	require.NoError(t, err)
	_, err = f.repos.Block.MarkConfirmed(f.ctx, b2.ID)
	require.NoError(t, err)

	blocks, err := f.repos.Block.ListUnconfirmed(f.ctx, testChainID, 5, 3)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, []int64{1, 3, 4}, []int64{blocks[0].Number, blocks[1].Number, blocks[2].Number})
}

func TestBlockRepository_UningestedNotConfirmable(t *testing.T) {
	f := newFixture(t)
	f.block(1, "0x01")
	pending := &model.Block{ChainID: testChainID, Number: 2, Hash: "0x02"}
	require.NoError(t, f.repos.Block.Create(f.ctx, pending))

	blocks, err := f.repos.Block.ListUnconfirmed(f.ctx, testChainID, 5, 8)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(1), blocks[0].Number)

	changed, err := f.repos.Block.MarkConfirmed(f.ctx, pending.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, f.repos.Block.MarkIngested(f.ctx, pending.ID))
	blocks, err = f.repos.Block.ListUnconfirmed(f.ctx, testChainID, 5, 8)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	assert.ErrorIs(t, f.repos.Block.MarkIngested(f.ctx, 999), ErrBlockNotFound)
}

func TestBlockRepository_DeleteFromCascades(t *testing.T) {
	f := newFixture(t)
	ctx := f.ctx

	keep := f.block(10, "0x10")
	fork := f.block(11, "0x11")
	tip := f.block(12, "0x12")
	kept := f.tx(keep, "0xk")
	forked := f.tx(fork, "0xf")
	tipTx := f.tx(tip, "0xt")

	require.NoError(t, f.repos.Transaction.CreateTokenTransfer(ctx, &model.TokenTransfer{
		TransactionID: forked.ID, TokenID: f.eth.ID, From: forked.From, To: forked.To, Value: forked.Value,
	}))

	p := f.project("acme")
	user := &model.User{ProjectID: p.ID, UID: "u1", DepositAccountID: f.account("0x00000000000000000000000000000000000000d1").ID}
	require.NoError(t, f.repos.User.Create(ctx, user))
	require.NoError(t, f.repos.Deposit.Create(ctx, &model.Deposit{TransactionID: forked.ID, UserID: user.ID, TokenID: f.eth.ID, Value: decimal.NewFromInt(1000)}))
	require.NoError(t, f.repos.Notification.Create(ctx, &model.Notification{ProjectID: p.ID, TransactionID: forked.ID, Content: model.JSONMap{"a": 1}}))

	invoice := &model.Invoice{
		No: "INV1", ProjectID: p.ID, OutNo: "O1", ChainID: testChainID, TokenID: f.eth.ID,
		PayAddress: "0x00000000000000000000000000000000000000a1", CollectionAddress: "0x00000000000000000000000000000000000000c1",
		Salt: "0x01", InitCode: "0x", Value: decimal.NewFromInt(1500), ExpiredAt: 1,
	}
	require.NoError(t, f.repos.Invoice.Create(ctx, invoice))
	_, err := f.repos.Invoice.AddPayment(ctx, &model.Payment{TransactionID: kept.ID, InvoiceID: invoice.ID, Value: decimal.NewFromInt(500)})
	require.NoError(t, err)
	paid, err := f.repos.Invoice.AddPayment(ctx, &model.Payment{TransactionID: tipTx.ID, InvoiceID: invoice.ID, Value: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	require.True(t, paid.Paid)

	sys := f.account("0x00000000000000000000000000000000000000e1")
	entry := &model.OutboundTransaction{AccountID: sys.ID, ChainID: testChainID, To: forked.To, Kind: model.OutboundKindTransfer}
	require.NoError(t, f.repos.Outbound.Enqueue(ctx, entry))
	require.NoError(t, f.repos.Outbound.LinkTransaction(ctx, entry.ID, forked.ID))

	res, err := f.repos.Block.DeleteFrom(ctx, testChainID, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Blocks)
	assert.Equal(t, int64(2), res.Transactions)
	assert.Equal(t, int64(1), res.Payments)
	assert.Equal(t, int64(1), res.Notifications)

	_, err = f.repos.Block.GetByNumber(ctx, testChainID, 10)
	assert.NoError(t, err)
	_, err = f.repos.Block.GetByNumber(ctx, testChainID, 11)
	assert.ErrorIs(t, err, ErrBlockNotFound)
	_, err = f.repos.Transaction.GetByID(ctx, kept.ID)
	assert.NoError(t, err)
	_, err = f.repos.Transaction.GetByID(ctx, forked.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = f.repos.Transaction.GetTokenTransfer(ctx, forked.ID)
	assert.ErrorIs(t, err, ErrTokenTransferNotFound)
	_, err = f.repos.Deposit.GetByTransaction(ctx, forked.ID)
	assert.ErrorIs(t, err, ErrDepositNotFound)

	// 账单实付回退，重新变为未支付
	inv, err := f.repos.Invoice.GetByID(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, inv.ActualValue.Equal(decimal.NewFromInt(500)))
	assert.False(t, inv.Paid)

	// 出账条目解除关联
	got, err := f.repos.Outbound.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TransactionID)

	res, err = f.repos.Block.DeleteFrom(ctx, testChainID, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Blocks)
}
