package service

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

const (
	testNativeInitCode = "0x6080604052"
	testTokenInitCode  = "0x6080604053"
)

func newInvoiceService(o *outboundEnv) *InvoiceService {
	return NewInvoiceService(o.repos, o.svc, &InvoiceServiceConfig{
		NativeInitCode: testNativeInitCode,
		TokenInitCode:  testTokenInitCode,
	})
}

func TestInvoiceService_CreatePredictsPayAddress(t *testing.T) {
	o := newOutboundEnv(t)
	svc := newInvoiceService(o)

	invoice, err := svc.Create(o.ctx, &CreateInvoiceRequest{
		Project:  o.project,
		Chain:    o.chain,
		Token:    o.eth,
		OutNo:    "order-1",
		Subject:  "coffee",
		Value:    decimal.NewFromInt(1000),
		Duration: time.Hour,
	})
	require.NoError(t, err)
	assert.Len(t, invoice.No, 32)
	assert.False(t, invoice.Paid)
	assert.Equal(t, o.project.CollectionAddress, invoice.CollectionAddress)

	code, err := hexutil.Decode(testNativeInitCode)
	require.NoError(t, err)
	initCode, err := blockchain.BuildInitCode(code, nil, common.HexToAddress(o.project.CollectionAddress))
	require.NoError(t, err)
	assert.Equal(t, hexutil.Encode(initCode), invoice.InitCode)

	want := blockchain.PredictAddress(common.HexToAddress(blockchain.DefaultCreate2Factory), common.HexToHash(invoice.Salt), initCode)
	assert.Equal(t, normalizeAddress(want), invoice.PayAddress)

	// 同样参数的两张账单地址不同
	again, err := svc.Create(o.ctx, &CreateInvoiceRequest{
		Project:  o.project,
		Chain:    o.chain,
		Token:    o.eth,
		Value:    decimal.NewFromInt(1000),
		Duration: time.Hour,
	})
	require.NoError(t, err)
	assert.NotEqual(t, invoice.PayAddress, again.PayAddress)
}

func TestInvoiceService_CreateTokenInvoice(t *testing.T) {
	o := newOutboundEnv(t)
	svc := newInvoiceService(o)
	usdt := o.erc20("USDT", addr(0x7e7))

	invoice, err := svc.Create(o.ctx, &CreateInvoiceRequest{
		Project:  o.project,
		Chain:    o.chain,
		Token:    usdt,
		Value:    decimal.NewFromInt(5),
		Duration: time.Hour,
	})
	require.NoError(t, err)

	code, err := hexutil.Decode(testTokenInitCode)
	require.NoError(t, err)
	contract := addr(0x7e7)
	initCode, err := blockchain.BuildInitCode(code, &contract, common.HexToAddress(o.project.CollectionAddress))
	require.NoError(t, err)
	assert.Equal(t, hexutil.Encode(initCode), invoice.InitCode)
}

func TestInvoiceService_CreateValidation(t *testing.T) {
	o := newOutboundEnv(t)
	svc := newInvoiceService(o)

	_, err := svc.Create(o.ctx, &CreateInvoiceRequest{
		Project: o.project, Chain: o.chain, Token: o.eth,
		Value: decimal.Zero, Duration: time.Hour,
	})
	assert.ErrorIs(t, err, ErrInvalidInvoice)

	_, err = svc.Create(o.ctx, &CreateInvoiceRequest{
		Project: o.project, Chain: o.chain, Token: o.eth,
		Value: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrInvalidInvoice)

	// 未登记合约的代币无法创建账单
	unknown, err := o.repos.Token.GetOrCreate(o.ctx, "DAI", 18)
	require.NoError(t, err)
	_, err = svc.Create(o.ctx, &CreateInvoiceRequest{
		Project: o.project, Chain: o.chain, Token: unknown,
		Value: decimal.NewFromInt(1), Duration: time.Hour,
	})
	assert.Error(t, err)
}

func TestInvoiceService_GatherLifecycle(t *testing.T) {
	o := newOutboundEnv(t)
	svc := newInvoiceService(o)

	invoice, err := svc.Create(o.ctx, &CreateInvoiceRequest{
		Project:  o.project,
		Chain:    o.chain,
		Token:    o.eth,
		OutNo:    "order-1",
		Value:    decimal.NewFromInt(1000),
		Duration: time.Millisecond,
	})
	require.NoError(t, err)

	// 未支付的账单不归集
	time.Sleep(5 * time.Millisecond)
	gathered, err := svc.Gather(o.ctx)
	require.NoError(t, err)
	assert.Zero(t, gathered)

	payment := nativeTx("pay", addr(0xe1), common.HexToAddress(invoice.PayAddress), 1000)
	o.mine(payment)
	assert.Equal(t, model.SettlementTypePaying, o.stored(payment.Hash).Type)

	gathered, err = svc.Gather(o.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gathered)

	invoice, err = o.repos.Invoice.GetByNo(o.ctx, invoice.No)
	require.NoError(t, err)
	require.NotNil(t, invoice.OutboundID)

	entry, err := o.repos.Outbound.GetByID(o.ctx, *invoice.OutboundID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboundKindInvoiceGathering, entry.Kind)
	assert.Equal(t, normalizeAddress(common.HexToAddress(blockchain.DefaultCreate2Factory)), entry.To)
	assert.Equal(t, uint64(160000), entry.Gas)

	// 已发起归集的账单不会再次入队
	gathered, err = svc.Gather(o.ctx)
	require.NoError(t, err)
	assert.Zero(t, gathered)

	require.NoError(t, o.svc.Submit(o.ctx, entry))
	sent := o.fake.Sent()
	require.Len(t, sent, 1)

	factory := common.HexToAddress(blockchain.DefaultCreate2Factory)
	o.mine(&blockchain.TxData{
		Hash:  sent[0].Hash(),
		From:  common.HexToAddress(o.system.Address),
		To:    &factory,
		Nonce: sent[0].Nonce(),
		Value: sent[0].Value(),
		Input: sent[0].Data(),
		Gas:   sent[0].Gas(),
	})
	tx := o.stored(sent[0].Hash())
	assert.Equal(t, model.SettlementTypeInvoiceGathering, tx.Type)
	assert.Equal(t, o.project.ID, *tx.ProjectID)
}
