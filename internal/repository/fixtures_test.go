package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/testutil"
)

const testChainID = int64(31337)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	repos *Repositories
	eth   *model.Token
	seq   int
}

func newFixture(t *testing.T) *fixture {
	repos := NewRepositories(testutil.NewDB(t))
	ctx := context.Background()

	eth, err := repos.Token.GetOrCreate(ctx, "ETH", 18)
	require.NoError(t, err)
	require.NoError(t, repos.Chain.Create(ctx, &model.Chain{
		ID:            testChainID,
		Name:          "devnet",
		RPCURL:        "http://localhost:8545",
		Confirmations: 2,
		NativeTokenID: eth.ID,
		Active:        true,
	}))

	return &fixture{t: t, ctx: ctx, repos: repos, eth: eth}
}

func (f *fixture) block(number int64, hash string) *model.Block {
	b := &model.Block{ChainID: testChainID, Number: number, Hash: hash, Timestamp: 1700000000 + number, Ingested: true}
	require.NoError(f.t, f.repos.Block.Create(f.ctx, b))
	return b
}

func (f *fixture) tx(block *model.Block, hash string) *model.Transaction {
	tx := &model.Transaction{
		ChainID:  testChainID,
		BlockID:  block.ID,
		Hash:     hash,
		From:     "0x00000000000000000000000000000000000000f1",
		To:       "0x00000000000000000000000000000000000000f2",
		Value:    decimal.NewFromInt(1000),
		GasPrice: decimal.NewFromInt(1),
		GasUsed:  21000,
		Success:  true,
	}
	require.NoError(f.t, f.repos.Transaction.Create(f.ctx, tx))
	return tx
}

func (f *fixture) account(address string) *model.Account {
	acc := &model.Account{Address: address, EncryptedKey: "{}"}
	require.NoError(f.t, f.repos.Account.Create(f.ctx, acc))
	return acc
}

func (f *fixture) project(name string) *model.Project {
	f.seq++
	sys := f.account(fmt.Sprintf("0x%040x", 0x1000+f.seq))
	p := &model.Project{Name: name, SystemAccountID: sys.ID, HMACKey: "secret", Webhook: "http://hook", Active: true}
	require.NoError(f.t, f.repos.Project.Create(f.ctx, p))
	return p
}
