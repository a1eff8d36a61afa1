package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/repository"
)

func TestConfirmationService_RespectsDepth(t *testing.T) {
	e := newEnv(t)
	e.mineEmpty(3)

	results, err := e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)
	assert.Equal(t, 1, results[ConfirmResultConfirmed])

	for n, want := range map[int64]bool{1: true, 2: false, 3: false} {
		block, err := e.repos.Block.GetByNumber(e.ctx, testChainID, n)
		require.NoError(t, err)
		assert.Equal(t, want, block.Confirmed, "block %d", n)
	}

	// 没有新块时再次执行不做任何事
	results, err = e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConfirmationService_DropsNonCanonical(t *testing.T) {
	e := newEnv(t)
	p := e.project(addr(0x5157), false)
	u := e.user(p, "alice", addr(0xd1))
	depositAcc, err := e.repos.Account.GetByID(e.ctx, u.DepositAccountID)
	require.NoError(t, err)

	e.mine()
	data := nativeTx("deposit", addr(0xe1), addr(0xd1), 1000)
	e.mine(data)
	e.mine()

	// 链上 2 之后被替换，本地尚未同步新分叉
	e.fake.Reorg(2, "b")
	e.fake.MineEmpty(4)

	results, err := e.confirmer.Sweep(e.ctx, e.chain)
	require.NoError(t, err)
	assert.Equal(t, 1, results[ConfirmResultConfirmed])
	assert.Equal(t, 1, results[ConfirmResultDropped])

	for _, n := range []int64{2, 3} {
		_, err := e.repos.Block.GetByNumber(e.ctx, testChainID, n)
		assert.ErrorIs(t, err, repository.ErrBlockNotFound, "block %d", n)
	}
	_, err = e.repos.Transaction.GetByHash(e.ctx, testChainID, data.Hash.Hex())
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)
	assert.True(t, e.balance(depositAcc, e.eth).IsZero())
	assert.Empty(t, e.publisher.settlements)
}

func TestConfirmationService_NodeErrorKeepsBlock(t *testing.T) {
	e := newEnv(t)
	e.mineEmpty(3)
	block, err := e.repos.Block.GetByNumber(e.ctx, testChainID, 3)
	require.NoError(t, err)

	// 节点暂时查不到该高度
	e.fake.Reorg(2, "b")

	_, err = e.confirmer.ConfirmBlock(e.ctx, e.fake, e.chain, block)
	assert.Error(t, err)

	_, err = e.repos.Block.GetByID(e.ctx, block.ID)
	assert.NoError(t, err)
}

func TestConfirmationService_HeadError(t *testing.T) {
	e := newEnv(t)
	e.mineEmpty(3)
	e.fake.HeadErr = errors.New("rpc down")

	_, err := e.confirmer.Sweep(e.ctx, e.chain)
	assert.Error(t, err)
}
