package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
)

func (e *env) maxNumber() int64 {
	n, ok, err := e.repos.Block.MaxNumber(e.ctx, testChainID)
	require.NoError(e.t, err)
	require.True(e.t, ok)
	return n
}

func TestChainMonitor_GapBackfill(t *testing.T) {
	e := newEnv(t)
	e.mine()
	e.fake.MineEmpty(30)

	// 一次只补齐 [max+1, max+22]
	require.NoError(t, e.monitor.HandleHead(e.ctx, 31))
	assert.Equal(t, int64(23), e.maxNumber())

	require.NoError(t, e.monitor.CatchUp(e.ctx, 31))
	assert.Equal(t, int64(31), e.maxNumber())

	for n := int64(2); n <= 31; n++ {
		block, err := e.repos.Block.GetByNumber(e.ctx, testChainID, n)
		require.NoError(t, err)
		assert.Equal(t, e.fake.Block(uint64(n)).Hash.Hex(), block.Hash)

		parent, err := e.repos.Block.GetByNumber(e.ctx, testChainID, n-1)
		require.NoError(t, err)
		require.NotNil(t, block.ParentID)
		assert.Equal(t, parent.ID, *block.ParentID)
	}
}

func TestChainMonitor_SmallGapUsesParentBackfill(t *testing.T) {
	e := newEnv(t)
	e.mine()
	e.fake.MineEmpty(5)

	require.NoError(t, e.monitor.HandleHead(e.ctx, 6))
	assert.Equal(t, int64(6), e.maxNumber())

	for n := int64(2); n <= 6; n++ {
		_, err := e.repos.Block.GetByNumber(e.ctx, testChainID, n)
		assert.NoError(t, err, "block %d", n)
	}
}

func TestChainMonitor_TooFarBehind(t *testing.T) {
	e := newEnv(t)
	e.mine()
	e.fake.MineEmpty(40)

	err := e.monitor.IngestBlock(e.ctx, e.fake.Block(41))
	assert.ErrorIs(t, err, ErrTooFarBehind)

	// 失败时不写入任何区块
	assert.Equal(t, int64(1), e.maxNumber())
}

func TestChainMonitor_DuplicateBlockIsNoop(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	e.user(p, "alice", addr(0xd1))

	data := nativeTx("deposit", addr(0xe1), addr(0xd1), 1000)
	block := e.mine(data)

	require.NoError(t, e.monitor.IngestBlock(e.ctx, e.fake.Block(uint64(block.Number))))
	again, err := e.repos.Block.GetByNumber(e.ctx, testChainID, block.Number)
	require.NoError(t, err)
	assert.Equal(t, block.ID, again.ID)
	assert.Equal(t, block.ID, e.stored(data.Hash).BlockID)
}

func TestChainMonitor_Reorg(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	u := e.user(p, "alice", addr(0xd1))

	e.mine()
	e.mine()
	data := nativeTx("deposit", addr(0xe1), addr(0xd1), 1000)
	old := e.mine(data)
	assert.Equal(t, int64(3), old.Number)

	// 新分叉从 3 开始，交易被重新打包到 4
	e.fake.Reorg(3, "b")
	e.fake.Mine()
	e.fake.Mine(data)
	require.NoError(t, e.monitor.IngestBlock(e.ctx, e.fake.Block(4)))

	_, err := e.repos.Block.GetByID(e.ctx, old.ID)
	assert.ErrorIs(t, err, repository.ErrBlockNotFound)

	replaced, err := e.repos.Block.GetByNumber(e.ctx, testChainID, 3)
	require.NoError(t, err)
	assert.Equal(t, e.fake.Block(3).Hash.Hex(), replaced.Hash)

	newHead, err := e.repos.Block.GetByNumber(e.ctx, testChainID, 4)
	require.NoError(t, err)
	tx := e.stored(data.Hash)
	assert.Equal(t, newHead.ID, tx.BlockID)

	deposits, err := e.repos.Deposit.ListByUser(e.ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, tx.ID, deposits[0].TransactionID)
}

func TestChainMonitor_ReorgOfLowestBlock(t *testing.T) {
	e := newEnv(t)
	e.fake.MineEmpty(10)
	require.NoError(t, e.monitor.IngestBlock(e.ctx, e.fake.Block(10)))

	e.fake.Reorg(10, "b")
	e.fake.Mine()
	require.NoError(t, e.monitor.IngestBlock(e.ctx, e.fake.Block(10)))

	block, err := e.repos.Block.GetByNumber(e.ctx, testChainID, 10)
	require.NoError(t, err)
	assert.Equal(t, e.fake.Block(10).Hash.Hex(), block.Hash)
	assert.Nil(t, block.ParentID)
}

func TestChainMonitor_RunPollsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	e.monitor.cfg.PollInterval = 10 * time.Millisecond
	e.fake.MineEmpty(3)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- e.monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, ok, err := e.repos.Block.MaxNumber(e.ctx, testChainID)
		return err == nil && ok && n == 3
	}, 5*time.Second, 10*time.Millisecond)

	e.fake.MineEmpty(2)
	require.Eventually(t, func() bool {
		n, _, err := e.repos.Block.MaxNumber(e.ctx, testChainID)
		return err == nil && n == 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

// sweepingClient 首次获取回执时执行一次确认扫描，模拟确认任务与同步并发
type sweepingClient struct {
	blockchain.ChainClient
	once  sync.Once
	sweep func()
}

func (c *sweepingClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.once.Do(c.sweep)
	return c.ChainClient.TransactionReceipt(ctx, hash)
}

func TestChainMonitor_BlockNotConfirmedMidIngest(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	u := e.user(p, "alice", addr(0xd1))
	depositAcc, err := e.repos.Account.GetByID(e.ctx, u.DepositAccountID)
	require.NoError(t, err)

	e.mine()
	data := nativeTx("deposit", addr(0xe1), addr(0xd1), 1000)
	e.fake.Mine(data)
	e.fake.MineEmpty(5)

	client := &sweepingClient{ChainClient: e.fake}
	client.sweep = func() {
		_, err := e.confirmer.Sweep(e.ctx, e.chain)
		assert.NoError(t, err)
	}
	monitor := NewChainMonitor(e.chain, client, e.repos, e.classifier, &IngestionConfig{})
	monitor.cfg.TxRetry.MaxAttempts = 1

	require.NoError(t, monitor.HandleHead(e.ctx, 7))
	for i := 0; i < 3; i++ {
		_, err := e.confirmer.Sweep(e.ctx, e.chain)
		require.NoError(t, err)
	}

	block, err := e.repos.Block.GetByNumber(e.ctx, testChainID, 2)
	require.NoError(t, err)
	assert.True(t, block.Ingested)
	assert.True(t, block.Confirmed)

	assert.True(t, e.balance(depositAcc, e.eth).Equal(decimal.NewFromInt(1000)))
	list := e.notifications(e.stored(data.Hash))
	require.Len(t, list, 1)
	assert.True(t, list[0].Confirmed)
	assert.Equal(t, "deposit", list[0].Content["action"])
}

func TestChainMonitor_ReingestsInterruptedBlock(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	e.user(p, "alice", addr(0xd1))

	e.mine()
	data := nativeTx("deposit", addr(0xe1), addr(0xd1), 1000)
	mined := e.fake.Mine(data)

	// 上次同步写入区块后中断，交易未处理
	parent, err := e.repos.Block.GetByNumber(e.ctx, testChainID, 1)
	require.NoError(t, err)
	require.NoError(t, e.repos.Block.Create(e.ctx, &model.Block{
		ChainID:   testChainID,
		Number:    int64(mined.Number),
		Hash:      mined.Hash.Hex(),
		ParentID:  &parent.ID,
		Timestamp: int64(mined.Timestamp),
	}))

	require.NoError(t, e.monitor.IngestBlock(e.ctx, mined))

	block, err := e.repos.Block.GetByHash(e.ctx, testChainID, mined.Hash.Hex())
	require.NoError(t, err)
	assert.True(t, block.Ingested)
	tx := e.stored(data.Hash)
	assert.Equal(t, model.SettlementTypeDepositing, tx.Type)
	assert.Equal(t, block.ID, tx.BlockID)
}
