package blockchain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// KeyManager 托管账户私钥，私钥不出本包
type KeyManager interface {
	// NewAccount 生成新账户，返回地址与加密后的密钥材料
	NewAccount(ctx context.Context) (common.Address, string, error)
	// SignTx 用账户密钥材料签名 EIP-155 legacy 交易
	SignTx(ctx context.Context, encryptedKey string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Keystore 以 keystore v3 JSON 保存私钥，解密结果缓存在内存
type Keystore struct {
	passphrase string
	scryptN    int
	scryptP    int

	mu    sync.RWMutex
	cache map[string]*ecdsa.PrivateKey
}

// NewKeystore 创建密钥管理器，light 使用轻量 scrypt 参数
func NewKeystore(passphrase string, light bool) *Keystore {
	n, p := keystore.StandardScryptN, keystore.StandardScryptP
	if light {
		n, p = keystore.LightScryptN, keystore.LightScryptP
	}
	return &Keystore{
		passphrase: passphrase,
		scryptN:    n,
		scryptP:    p,
		cache:      make(map[string]*ecdsa.PrivateKey),
	}
}

// NewAccount 生成新账户
func (k *Keystore) NewAccount(ctx context.Context) (common.Address, string, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, "", errors.Wrap(err, "generate key")
	}
	return k.encrypt(priv)
}

// Import 导入十六进制私钥
func (k *Keystore) Import(hexKey string) (common.Address, string, error) {
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return common.Address{}, "", errors.Wrap(err, "parse private key")
	}
	return k.encrypt(priv)
}

func (k *Keystore) encrypt(priv *ecdsa.PrivateKey) (common.Address, string, error) {
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	data, err := keystore.EncryptKey(key, k.passphrase, k.scryptN, k.scryptP)
	if err != nil {
		return common.Address{}, "", errors.Wrap(err, "encrypt key")
	}

	encrypted := string(data)
	k.mu.Lock()
	k.cache[encrypted] = priv
	k.mu.Unlock()
	return key.Address, encrypted, nil
}

// SignTx 签名交易
func (k *Keystore) SignTx(ctx context.Context, encryptedKey string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	priv, err := k.privateKey(encryptedKey)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), priv)
	if err != nil {
		return nil, errors.Wrapf(err, "sign tx for chain %s", chainID)
	}
	return signed, nil
}

// Address 返回密钥材料对应的地址
func (k *Keystore) Address(encryptedKey string) (common.Address, error) {
	priv, err := k.privateKey(encryptedKey)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(priv.PublicKey), nil
}

func (k *Keystore) privateKey(encryptedKey string) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	priv, ok := k.cache[encryptedKey]
	k.mu.RUnlock()
	if ok {
		return priv, nil
	}

	key, err := keystore.DecryptKey([]byte(encryptedKey), k.passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt key")
	}

	k.mu.Lock()
	k.cache[encryptedKey] = key.PrivateKey
	k.mu.Unlock()
	return key.PrivateKey, nil
}
