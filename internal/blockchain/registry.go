package blockchain

import (
	"context"
	"strings"
	"sync"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

// DialFunc 按链配置创建客户端
type DialFunc func(ctx context.Context, chain *model.Chain) (ChainClient, error)

// Registry 每条链一个客户端，首次使用时创建
type Registry struct {
	dial DialFunc

	mu      sync.Mutex
	clients map[int64]ChainClient
}

// NewRegistry 创建客户端注册表
func NewRegistry(dial DialFunc) *Registry {
	return &Registry{
		dial:    dial,
		clients: make(map[int64]ChainClient),
	}
}

// NewDialFunc 以 RPC 配置创建多端点客户端，rpc_url 以逗号分隔多个端点
func NewDialFunc(base ClientConfig) DialFunc {
	return func(ctx context.Context, chain *model.Chain) (ChainClient, error) {
		cfg := base
		cfg.ChainID = chain.ID
		cfg.RPCURLs = strings.Split(chain.RPCURL, ",")
		return NewClient(&cfg)
	}
}

// Get 获取链客户端
func (r *Registry) Get(ctx context.Context, chain *model.Chain) (ChainClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[chain.ID]; ok {
		return c, nil
	}
	c, err := r.dial(ctx, chain)
	if err != nil {
		return nil, err
	}
	r.clients[chain.ID] = c
	return c, nil
}

// Remove 关闭并移除链客户端，RPC 变更后下次使用重新创建
func (r *Registry) Remove(chainID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[chainID]; ok {
		c.Close()
		delete(r.clients, chainID)
	}
}

// Close 关闭全部客户端
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
}
