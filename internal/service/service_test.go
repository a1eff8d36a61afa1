package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/blockchain/chaintest"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/internal/testutil"
)

const testChainID = int64(31337)

// recordingDeliverer 记录推送内容，按 fail 决定成败
type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []map[string]interface{}
	fail      error
	// during 在推送进行中执行一次
	during func()
}

func (d *recordingDeliverer) Deliver(ctx context.Context, url, key string, content map[string]interface{}) error {
	d.mu.Lock()
	during := d.during
	d.during = nil
	d.mu.Unlock()
	if during != nil {
		during()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.delivered = append(d.delivered, content)
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu          sync.Mutex
	settlements []*model.SettlementEvent
	results     []*model.NotificationResultEvent
}

func (p *recordingPublisher) PublishSettlement(ctx context.Context, event *model.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settlements = append(p.settlements, event)
	return nil
}

func (p *recordingPublisher) PublishNotificationResult(ctx context.Context, event *model.NotificationResultEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, event)
	return nil
}

type env struct {
	t         *testing.T
	ctx       context.Context
	repos     *repository.Repositories
	chain     *model.Chain
	eth       *model.Token
	fake      *chaintest.Chain
	registry  *blockchain.Registry
	deliverer *recordingDeliverer
	publisher *recordingPublisher

	notifier   *NotificationService
	classifier *Classifier
	balances   *BalanceService
	confirmer  *ConfirmationService
	monitor    *ChainMonitor

	seq int
}

func newEnv(t *testing.T) *env {
	t.Helper()

	ctx := context.Background()
	repos := repository.NewRepositories(testutil.NewDB(t))

	eth, err := repos.Token.GetOrCreate(ctx, "ETH", 18)
	require.NoError(t, err)
	chain := &model.Chain{
		ID:            testChainID,
		Name:          "devnet",
		RPCURL:        "http://localhost:8545",
		Confirmations: 2,
		NativeTokenID: eth.ID,
		Active:        true,
	}
	require.NoError(t, repos.Chain.Create(ctx, chain))

	fake := chaintest.New(testChainID)
	registry := chaintest.Registry(fake)
	deliverer := &recordingDeliverer{}
	publisher := &recordingPublisher{}

	notifier := NewNotificationService(repos, deliverer, publisher, &NotificationServiceConfig{MaxFailedTimes: 3})
	classifier := NewClassifier(repos, notifier)
	balances := NewBalanceService(repos)
	confirmer := NewConfirmationService(repos, registry, balances, notifier, publisher, &ConfirmationServiceConfig{})
	monitor := NewChainMonitor(chain, fake, repos, classifier, &IngestionConfig{})
	monitor.cfg.TxRetry.MaxAttempts = 1

	return &env{
		t:          t,
		ctx:        ctx,
		repos:      repos,
		chain:      chain,
		eth:        eth,
		fake:       fake,
		registry:   registry,
		deliverer:  deliverer,
		publisher:  publisher,
		notifier:   notifier,
		classifier: classifier,
		balances:   balances,
		confirmer:  confirmer,
		monitor:    monitor,
	}
}

func addr(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(n)))
}

func txHash(seed string) common.Hash {
	return crypto.Keccak256Hash([]byte(seed))
}

func (e *env) account(address common.Address, projectID *int64) *model.Account {
	acc := &model.Account{Address: normalizeAddress(address), EncryptedKey: "{}", ProjectID: projectID}
	require.NoError(e.t, e.repos.Account.Create(e.ctx, acc))
	return acc
}

// project 创建项目，系统账户地址为 sys
func (e *env) project(sys common.Address, preNotify bool) *model.Project {
	e.seq++
	acc := e.account(sys, nil)
	p := &model.Project{
		Name:              fmt.Sprintf("project-%d", e.seq),
		SystemAccountID:   acc.ID,
		CollectionAddress: normalizeAddress(addr(0xc011ec7)),
		Webhook:           "http://hook.local",
		HMACKey:           "secret",
		PreNotify:         preNotify,
		Active:            true,
	}
	require.NoError(e.t, e.repos.Project.Create(e.ctx, p))
	require.NoError(e.t, e.repos.Account.SetProject(e.ctx, acc.ID, p.ID))
	return p
}

func (e *env) user(p *model.Project, uid string, deposit common.Address) *model.User {
	acc := e.account(deposit, &p.ID)
	u := &model.User{ProjectID: p.ID, UID: uid, DepositAccountID: acc.ID}
	require.NoError(e.t, e.repos.User.Create(e.ctx, u))
	return u
}

// erc20 登记链上代币合约
func (e *env) erc20(symbol string, contract common.Address) *model.Token {
	token, err := e.repos.Token.GetOrCreate(e.ctx, symbol, 6)
	require.NoError(e.t, err)
	require.NoError(e.t, e.repos.Token.CreateAddress(e.ctx, &model.TokenAddress{
		TokenID: token.ID,
		ChainID: testChainID,
		Address: normalizeAddress(contract),
	}))
	return token
}

func nativeTx(seed string, from, to common.Address, value int64) *blockchain.TxData {
	return &blockchain.TxData{
		Hash:  txHash(seed),
		From:  from,
		To:    &to,
		Value: big.NewInt(value),
		Gas:   21000,
	}
}

// tokenTx 构造 ERC20 transfer 调用并预设带 Transfer 事件的回执
func (e *env) tokenTx(seed string, contract, from, to common.Address, value int64, events int) *blockchain.TxData {
	data, err := blockchain.EncodeTransfer(to, big.NewInt(value))
	require.NoError(e.t, err)

	hash := txHash(seed)
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 50000}
	for i := 0; i < events; i++ {
		receipt.Logs = append(receipt.Logs, &types.Log{
			Address: contract,
			Topics: []common.Hash{
				blockchain.TransferEventTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(to.Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		})
	}
	e.fake.SetReceipt(hash, receipt)

	return &blockchain.TxData{
		Hash:  hash,
		From:  from,
		To:    &contract,
		Value: new(big.Int),
		Input: data,
		Gas:   60000,
	}
}

// mine 出块并同步
func (e *env) mine(txs ...*blockchain.TxData) *model.Block {
	data := e.fake.Mine(txs...)
	require.NoError(e.t, e.monitor.IngestBlock(e.ctx, data))
	block, err := e.repos.Block.GetByHash(e.ctx, testChainID, data.Hash.Hex())
	require.NoError(e.t, err)
	return block
}

// mineEmpty 出空块并同步
func (e *env) mineEmpty(n int) {
	for i := 0; i < n; i++ {
		e.mine()
	}
}

func (e *env) stored(hash common.Hash) *model.Transaction {
	tx, err := e.repos.Transaction.GetByHash(e.ctx, testChainID, hash.Hex())
	require.NoError(e.t, err)
	return tx
}

func (e *env) balance(acc *model.Account, token *model.Token) decimal.Decimal {
	v, err := e.repos.Balance.Get(e.ctx, acc.ID, testChainID, token.ID)
	require.NoError(e.t, err)
	return v
}

func (e *env) notifications(tx *model.Transaction) []*model.Notification {
	list, err := e.repos.Notification.ListByTransaction(e.ctx, tx.ID)
	require.NoError(e.t, err)
	return list
}
