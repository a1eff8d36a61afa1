// Package chaintest 提供内存中的可编程链，供服务层测试使用
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

// Chain 内存链，实现 blockchain.ChainClient
type Chain struct {
	chainID int64

	mu       sync.Mutex
	blocks   []*blockchain.BlockData // 下标即区块号
	receipts map[common.Hash]*types.Receipt
	fork     string
	sent     []*types.Transaction

	// Extra 新区块的 extraData
	Extra []byte
	// GasPrice SuggestGasPrice 返回值
	GasPrice *big.Int
	// Gas EstimateGas 返回值
	Gas uint64
	// CallErr 非 nil 时 CallContract 返回其结果
	CallErr func(msg ethereum.CallMsg) error
	// SendErr SendTransaction 返回值
	SendErr error
	// HeadErr BlockNumber 返回值
	HeadErr error
}

// New 创建只有创世块的内存链
func New(chainID int64) *Chain {
	c := &Chain{
		chainID:  chainID,
		receipts: make(map[common.Hash]*types.Receipt),
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      21000,
	}
	c.blocks = append(c.blocks, c.newBlock(0, common.Hash{}))
	return c
}

func (c *Chain) newBlock(number uint64, parent common.Hash) *blockchain.BlockData {
	return &blockchain.BlockData{
		Number:     number,
		Hash:       crypto.Keccak256Hash([]byte(fmt.Sprintf("%d/%d/%s", c.chainID, number, c.fork))),
		ParentHash: parent,
		Timestamp:  1700000000 + number*12,
		Extra:      c.Extra,
	}
}

// Mine 在链头追加区块，交易默认执行成功
func (c *Chain) Mine(txs ...*blockchain.TxData) *blockchain.BlockData {
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.blocks[len(c.blocks)-1]
	block := c.newBlock(head.Number+1, head.Hash)
	for i, tx := range txs {
		tx.Index = uint(i)
		if tx.Value == nil {
			tx.Value = new(big.Int)
		}
		if tx.GasPrice == nil {
			tx.GasPrice = big.NewInt(1)
		}
		if _, ok := c.receipts[tx.Hash]; !ok {
			c.receipts[tx.Hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21000}
		}
		r := c.receipts[tx.Hash]
		r.TxHash = tx.Hash
		r.BlockHash = block.Hash
		r.BlockNumber = new(big.Int).SetUint64(block.Number)
		r.TransactionIndex = uint(i)
		block.Transactions = append(block.Transactions, tx)
	}
	c.blocks = append(c.blocks, block)
	return block
}

// MineEmpty 追加 n 个空块
func (c *Chain) MineEmpty(n int) {
	for i := 0; i < n; i++ {
		c.Mine()
	}
}

// Reorg 丢弃 from 及之后的区块，之后挖出的区块哈希不同
func (c *Chain) Reorg(from uint64, fork string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from < uint64(len(c.blocks)) {
		c.blocks = c.blocks[:from]
	}
	c.fork = fork
}

// SetReceipt 预设交易回执，需在 Mine 之前调用
func (c *Chain) SetReceipt(hash common.Hash, receipt *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = receipt
}

// Block 返回当前规范链上的区块
func (c *Chain) Block(number uint64) *blockchain.BlockData {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[number]
}

// Sent 已广播的交易
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *Chain) ChainID() int64 { return c.chainID }

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeadErr != nil {
		return 0, c.HeadErr
	}
	return uint64(len(c.blocks) - 1), nil
}

func (c *Chain) BlockByNumber(ctx context.Context, number *big.Int) (*blockchain.BlockData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number == nil {
		return c.blocks[len(c.blocks)-1], nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(c.blocks)) {
		return nil, blockchain.ErrBlockNotFound
	}
	return c.blocks[number.Uint64()], nil
}

func (c *Chain) BlockByHash(ctx context.Context, hash common.Hash) (*blockchain.BlockData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if b.Hash == hash {
			return b, nil
		}
	}
	return nil, blockchain.ErrBlockNotFound
}

func (c *Chain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok || r.BlockHash == (common.Hash{}) {
		return nil, blockchain.ErrTxNotFound
	}
	return r, nil
}

func (c *Chain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (c *Chain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if c.CallErr != nil {
		if err := c.CallErr(msg); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.Gas, nil
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *Chain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, blockchain.ErrSubscriptionUnsupported
}

func (c *Chain) Close() {}

// Registry 返回只包含给定内存链的注册表
func Registry(chains ...*Chain) *blockchain.Registry {
	byID := make(map[int64]*Chain, len(chains))
	for _, c := range chains {
		byID[c.chainID] = c
	}
	return blockchain.NewRegistry(func(ctx context.Context, chain *model.Chain) (blockchain.ChainClient, error) {
		c, ok := byID[chain.ID]
		if !ok {
			return nil, fmt.Errorf("no fake chain %d", chain.ID)
		}
		return c, nil
	})
}
