package blockchain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockData 节点返回的区块，哈希使用节点上报值
//
// PoA 链的 extraData 超过 32 字节，本地重新计算的头哈希与节点不一致，
// 因此不经过 types.Block 解码。
type BlockData struct {
	Number       uint64
	Hash         common.Hash
	ParentHash   common.Hash
	Timestamp    uint64
	Extra        []byte
	Transactions []*TxData
}

// TxData 区块内嵌交易，From 使用节点上报的发送方
type TxData struct {
	Hash     common.Hash
	Index    uint
	From     common.Address
	To       *common.Address
	Nonce    uint64
	Value    *big.Int
	Input    []byte
	Gas      uint64
	GasPrice *big.Int
}

type rpcBlock struct {
	Number       *hexutil.Uint64   `json:"number"`
	Hash         *common.Hash      `json:"hash"`
	ParentHash   common.Hash       `json:"parentHash"`
	Timestamp    hexutil.Uint64    `json:"timestamp"`
	ExtraData    hexutil.Bytes     `json:"extraData"`
	Transactions []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	Hash             *common.Hash    `json:"hash"`
	TransactionIndex *hexutil.Uint   `json:"transactionIndex"`
	From             *common.Address `json:"from"`
	To               *common.Address `json:"to"`
	Nonce            *hexutil.Uint64 `json:"nonce"`
	Value            *hexutil.Big    `json:"value"`
	Input            hexutil.Bytes   `json:"input"`
	Gas              hexutil.Uint64  `json:"gas"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
}

// decodeBlock 解析 eth_getBlockByNumber(…, true) 的结果
//
// 无法识别的交易 (缺少必需字段或格式异常) 被跳过，返回跳过数量
func decodeBlock(raw json.RawMessage) (*BlockData, int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, 0, ErrBlockNotFound
	}

	var head rpcBlock
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, 0, fmt.Errorf("decode block: %w", err)
	}
	// pending 区块没有编号和哈希
	if head.Number == nil || head.Hash == nil {
		return nil, 0, ErrBlockNotFound
	}

	block := &BlockData{
		Number:       uint64(*head.Number),
		Hash:         *head.Hash,
		ParentHash:   head.ParentHash,
		Timestamp:    uint64(head.Timestamp),
		Extra:        head.ExtraData,
		Transactions: make([]*TxData, 0, len(head.Transactions)),
	}

	skipped := 0
	for _, item := range head.Transactions {
		tx, ok := decodeTransaction(item)
		if !ok {
			skipped++
			continue
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, skipped, nil
}

func decodeTransaction(raw json.RawMessage) (*TxData, bool) {
	var rt rpcTransaction
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, false
	}
	if rt.Hash == nil || rt.From == nil || rt.Nonce == nil || rt.Value == nil {
		return nil, false
	}

	tx := &TxData{
		Hash:     *rt.Hash,
		From:     *rt.From,
		To:       rt.To,
		Nonce:    uint64(*rt.Nonce),
		Value:    rt.Value.ToInt(),
		Input:    rt.Input,
		Gas:      uint64(rt.Gas),
		GasPrice: new(big.Int),
	}
	if rt.TransactionIndex != nil {
		tx.Index = uint(*rt.TransactionIndex)
	}
	if rt.GasPrice != nil {
		tx.GasPrice = rt.GasPrice.ToInt()
	}
	return tx, true
}
