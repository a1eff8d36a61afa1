package blockchain

import (
	"bytes"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	// TransferSelector transfer(address,uint256)
	TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}
	// TransferEventTopic Transfer(address,address,uint256)
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	ErrNotTransferCall = errors.New("input is not an erc20 transfer call")

	erc20 = mustParseABI(erc20ABI)
)

// Transfer ERC20 转账事件
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EncodeTransfer 编码 transfer(to, value) 调用数据
func EncodeTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return erc20.Pack("transfer", to, value)
}

// IsTransferCall 调用数据是否以 transfer 选择器开头
func IsTransferCall(input []byte) bool {
	return len(input) >= 4 && bytes.Equal(input[:4], TransferSelector)
}

// DecodeTransferCall 解析 transfer 调用参数
func DecodeTransferCall(input []byte) (common.Address, *big.Int, error) {
	if !IsTransferCall(input) {
		return common.Address{}, nil, ErrNotTransferCall
	}
	args, err := erc20.Methods["transfer"].Inputs.Unpack(input[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, nil, ErrNotTransferCall
	}
	value, ok := args[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, ErrNotTransferCall
	}
	return to, value, nil
}

// ParseTransferLogs 提取指定代币合约发出的 Transfer 事件
func ParseTransferLogs(logs []*types.Log, token common.Address) []Transfer {
	var transfers []Transfer
	for _, l := range logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != TransferEventTopic {
			continue
		}
		if len(l.Data) != 32 {
			continue
		}
		transfers = append(transfers, Transfer{
			From:  common.BytesToAddress(l.Topics[1].Bytes()),
			To:    common.BytesToAddress(l.Topics[2].Bytes()),
			Value: new(big.Int).SetBytes(l.Data),
		})
	}
	return transfers
}
