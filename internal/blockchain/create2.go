package blockchain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultCreate2Factory 账单合约工厂地址
const DefaultCreate2Factory = "0x9Dd64C6cC93dDb9719d43815fE8017174f29475d"

// Create2DeploySelector 工厂合约 deploy(bytes,uint256) 选择器
var Create2DeploySelector = []byte{0x9c, 0x4a, 0xe2, 0xd0}

var (
	bytesType, _   = abi.NewType("bytes", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)

	deployArgs = abi.Arguments{{Type: bytesType}, {Type: uint256Type}}
)

// EncodeCreate2Deploy 编码工厂部署调用: selector ‖ abi(initCode, salt)
func EncodeCreate2Deploy(initCode []byte, salt common.Hash) ([]byte, error) {
	packed, err := deployArgs.Pack(initCode, new(big.Int).SetBytes(salt.Bytes()))
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(Create2DeploySelector)+len(packed))
	data = append(data, Create2DeploySelector...)
	return append(data, packed...), nil
}

// PredictAddress 计算工厂以 salt 部署 initCode 的地址
func PredictAddress(factory common.Address, salt common.Hash, initCode []byte) common.Address {
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(initCode))
}

// BuildInitCode 拼接账单合约字节码与构造参数
//
// 原生币账单构造参数为 (collection)，代币账单为 (token, collection)
func BuildInitCode(bytecode []byte, token *common.Address, collection common.Address) ([]byte, error) {
	var (
		packed []byte
		err    error
	)
	if token == nil {
		packed, err = abi.Arguments{{Type: addressType}}.Pack(collection)
	} else {
		packed, err = abi.Arguments{{Type: addressType}, {Type: addressType}}.Pack(*token, collection)
	}
	if err != nil {
		return nil, err
	}
	code := make([]byte, 0, len(bytecode)+len(packed))
	code = append(code, bytecode...)
	return append(code, packed...), nil
}
