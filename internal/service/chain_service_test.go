package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/blockchain/chaintest"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) NotifyChainsChanged() {
	n.calls.Add(1)
}

func TestChainService_Register(t *testing.T) {
	e := newEnv(t)
	other := chaintest.New(56)
	other.MineEmpty(2)
	dial := func(ctx context.Context, chain *model.Chain) (blockchain.ChainClient, error) {
		if chain.ID != 56 {
			return nil, errors.New("unknown chain")
		}
		return other, nil
	}
	notifier := &countingNotifier{}
	svc := NewChainService(e.repos, dial, e.registry, notifier, 0)

	chain, err := svc.Register(e.ctx, &RegisterChainRequest{
		ID:             56,
		Name:           "bsc",
		RPCURL:         "http://bsc.local",
		NativeSymbol:   "BNB",
		NativeDecimals: 18,
	})
	require.NoError(t, err)
	assert.Equal(t, 18, chain.Confirmations)
	assert.False(t, chain.IsPoA)
	assert.Equal(t, int32(1), notifier.calls.Load())

	stored, err := e.repos.Chain.GetByID(e.ctx, 56)
	require.NoError(t, err)
	assert.True(t, stored.Active)

	native, err := e.repos.Token.GetByID(e.ctx, stored.NativeTokenID)
	require.NoError(t, err)
	assert.Equal(t, "BNB", native.Symbol)

	_, err = svc.Register(e.ctx, &RegisterChainRequest{ID: 57, Name: "x", RPCURL: "http://x", NativeSymbol: "X"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestChainService_Updates(t *testing.T) {
	e := newEnv(t)
	notifier := &countingNotifier{}
	svc := NewChainService(e.repos, nil, e.registry, notifier, 0)

	require.NoError(t, svc.SetActive(e.ctx, testChainID, false))
	active, err := e.repos.Chain.ListActive(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, svc.SetConfirmations(e.ctx, testChainID, 6))
	chain, err := e.repos.Chain.GetByID(e.ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, 6, chain.Confirmations)

	assert.Error(t, svc.SetConfirmations(e.ctx, testChainID, 0))

	svc.Reload()
	assert.Equal(t, int32(3), notifier.calls.Load())
}
