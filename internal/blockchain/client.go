// Package blockchain 封装 EVM 节点访问、交易编码与私钥管理
package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/pkg/circuitbreaker"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

var (
	ErrNoHealthyRPC            = errors.New("no healthy RPC endpoint available")
	ErrTxNotFound              = errors.New("transaction not found")
	ErrBlockNotFound           = errors.New("block not found")
	ErrSubscriptionUnsupported = errors.New("subscription not supported by endpoint")
)

// poaExtraDataLength 超过此长度的 extraData 视为 PoA 链
const poaExtraDataLength = 32

// ChainClient 单条链的节点访问接口
type ChainClient interface {
	ChainID() int64
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockByNumber number 为 nil 时返回最新区块
	BlockByNumber(ctx context.Context, number *big.Int) (*BlockData, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*BlockData, error)
	// TransactionReceipt 回执不存在时返回 ErrTxNotFound
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	// CallContract 执行 revert 时返回错误
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// SubscribeNewHead HTTP 端点返回 ErrSubscriptionUnsupported，调用方改为轮询
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID       int64
	RPCURLs       []string
	MaxRetries    int
	RetryInterval time.Duration
	CallTimeout   time.Duration
	Breaker       *circuitbreaker.Config
}

// endpoint 单个 RPC 端点，连接延迟建立
type endpoint struct {
	url     string
	breaker *circuitbreaker.CircuitBreaker

	mu  sync.Mutex
	rpc *rpc.Client
	eth *ethclient.Client
}

func (ep *endpoint) dial(ctx context.Context) (*rpc.Client, *ethclient.Client, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.rpc != nil {
		return ep.rpc, ep.eth, nil
	}
	rc, err := rpc.DialContext(ctx, ep.url)
	if err != nil {
		return nil, nil, err
	}
	ep.rpc = rc
	ep.eth = ethclient.NewClient(rc)
	return ep.rpc, ep.eth, nil
}

func (ep *endpoint) reset() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.rpc != nil {
		ep.rpc.Close()
		ep.rpc = nil
		ep.eth = nil
	}
}

func (ep *endpoint) supportsSubscription() bool {
	return strings.HasPrefix(ep.url, "ws://") || strings.HasPrefix(ep.url, "wss://") ||
		!strings.Contains(ep.url, "://")
}

// Client 多端点区块链客户端，按熔断状态在端点间故障转移
type Client struct {
	chainID   int64
	endpoints []*endpoint

	mu         sync.RWMutex
	currentIdx int

	maxRetries    int
	retryInterval time.Duration
	callTimeout   time.Duration
}

// NewClient 创建区块链客户端
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.Breaker != nil {
		copied := *cfg.Breaker
		breakerCfg = &copied
	}
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("rpc endpoint breaker state changed",
			zap.String("endpoint", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	endpoints := make([]*endpoint, 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		endpoints = append(endpoints, &endpoint{
			url:     url,
			breaker: circuitbreaker.New(url, breakerCfg),
		})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = 16 * time.Second
	}

	return &Client{
		chainID:       cfg.ChainID,
		endpoints:     endpoints,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		callTimeout:   callTimeout,
	}, nil
}

// isCallError 节点已正常应答但调用本身失败，不计入端点故障
func isCallError(err error) bool {
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, ErrBlockNotFound) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// withRetry 依次尝试健康端点，全部失败后等待重试
func (c *Client) withRetry(ctx context.Context, method string, fn func(context.Context, *rpc.Client, *ethclient.Client) error) error {
	lastErr := ErrNoHealthyRPC

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		c.mu.RLock()
		start := c.currentIdx
		c.mu.RUnlock()

		for i := range c.endpoints {
			idx := (start + i) % len(c.endpoints)
			ep := c.endpoints[idx]

			if err := ep.breaker.Allow(); err != nil {
				continue
			}

			err := c.call(ctx, ep, method, fn)
			if err == nil || isCallError(err) {
				ep.breaker.Success()
				if idx != start {
					c.mu.Lock()
					c.currentIdx = idx
					c.mu.Unlock()
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			ep.breaker.Failure()
			ep.reset()
			lastErr = err
			logger.Debug("rpc call failed",
				zap.Int64("chain_id", c.chainID),
				zap.String("endpoint", ep.url),
				zap.String("method", method),
				zap.Error(err),
			)
		}

		if attempt < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

func (c *Client) call(ctx context.Context, ep *endpoint, method string, fn func(context.Context, *rpc.Client, *ethclient.Client) error) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	rc, ec, err := ep.dial(callCtx)
	if err == nil {
		err = fn(callCtx, rc, ec)
	}
	metrics.RecordRPC(c.chainID, method, err, time.Since(start))
	return err
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// RemoteChainID 查询节点报告的链 ID
func (c *Client) RemoteChainID(ctx context.Context) (int64, error) {
	var id *big.Int
	err := c.withRetry(ctx, "eth_chainId", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		id, err = ec.ChainID(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, "eth_blockNumber", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		blockNum, err = ec.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// BlockByNumber 获取区块及完整交易
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*BlockData, error) {
	return c.getBlock(ctx, "eth_getBlockByNumber", toBlockNumArg(number))
}

// BlockByHash 按哈希获取区块
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*BlockData, error) {
	return c.getBlock(ctx, "eth_getBlockByHash", hash)
}

func (c *Client) getBlock(ctx context.Context, method string, arg interface{}) (*BlockData, error) {
	var raw json.RawMessage
	err := c.withRetry(ctx, method, func(ctx context.Context, rc *rpc.Client, _ *ethclient.Client) error {
		return rc.CallContext(ctx, &raw, method, arg, true)
	})
	if err != nil {
		return nil, err
	}

	block, skipped, err := decodeBlock(raw)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("skipped undecodable transactions",
			zap.Int64("chain_id", c.chainID),
			zap.Uint64("block", block.Number),
			zap.Int("skipped", skipped),
		)
	}
	return block, nil
}

// TransactionReceipt 获取交易回执
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, "eth_getTransactionReceipt", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		receipt, err = ec.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	return receipt, err
}

// BalanceAt 获取余额
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := c.withRetry(ctx, "eth_getBalance", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		balance, err = ec.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

// CodeAt 获取合约代码
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := c.withRetry(ctx, "eth_getCode", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		code, err = ec.CodeAt(ctx, account, blockNumber)
		return err
	})
	return code, err
}

// CallContract 调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, "eth_call", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		result, err = ec.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, "eth_gasPrice", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		gasPrice, err = ec.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, "eth_estimateGas", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		var err error
		gas, err = ec.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withRetry(ctx, "eth_sendRawTransaction", func(ctx context.Context, _ *rpc.Client, ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
}

// SubscribeNewHead 订阅新区块头，使用当前端点
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.RLock()
	ep := c.endpoints[c.currentIdx]
	c.mu.RUnlock()

	if !ep.supportsSubscription() {
		return nil, ErrSubscriptionUnsupported
	}
	_, ec, err := ep.dial(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := ec.SubscribeNewHead(ctx, ch)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, ErrSubscriptionUnsupported
	}
	return sub, err
}

// Close 关闭客户端
func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.reset()
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// EndpointStats 端点熔断状态
func (c *Client) EndpointStats() []circuitbreaker.Stats {
	stats := make([]circuitbreaker.Stats, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		stats = append(stats, ep.breaker.Stats())
	}
	return stats
}

// DetectPoA 最新区块 extraData 超过 32 字节视为 PoA 链
func DetectPoA(ctx context.Context, client ChainClient) (bool, error) {
	block, err := client.BlockByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch latest block: %w", err)
	}
	return len(block.Extra) > poaExtraDataLength, nil
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
