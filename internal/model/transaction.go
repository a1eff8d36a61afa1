package model

import "github.com/shopspring/decimal"

// SettlementType 交易结算类型
type SettlementType string

const (
	SettlementTypeNone             SettlementType = ""
	SettlementTypePaying           SettlementType = "paying"         // 支付账单
	SettlementTypeDepositing       SettlementType = "depositing"     // 用户充值
	SettlementTypeWithdrawal       SettlementType = "withdrawal"     // 提币
	SettlementTypeFunding          SettlementType = "funding"        // 系统账户注资
	SettlementTypeGasRecharging    SettlementType = "gas_recharging" // Gas 分发
	SettlementTypeDepositGathering SettlementType = "d_gathering"    // 充值归集
	SettlementTypeInvoiceGathering SettlementType = "i_gathering"    // 账单归集
)

// Valid 是否为已知类型
func (t SettlementType) Valid() bool {
	switch t {
	case SettlementTypePaying, SettlementTypeDepositing, SettlementTypeWithdrawal,
		SettlementTypeFunding, SettlementTypeGasRecharging,
		SettlementTypeDepositGathering, SettlementTypeInvoiceGathering:
		return true
	}
	return false
}

func (t SettlementType) String() string {
	if t == SettlementTypeNone {
		return "untyped"
	}
	return string(t)
}

// Transaction 链上交易
//
// 创建后只允许写一次 type，之后不可变；随所属区块一起删除
type Transaction struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChainID   int64           `gorm:"column:chain_id;not null;uniqueIndex:uk_tx_chain_hash,priority:1" json:"chain_id"`
	BlockID   int64           `gorm:"column:block_id;index;not null" json:"block_id"`
	Hash      string          `gorm:"column:hash;type:varchar(66);not null;uniqueIndex:uk_tx_chain_hash,priority:2" json:"hash"`
	TxIndex   int             `gorm:"column:tx_index;type:int;not null" json:"tx_index"`
	From      string          `gorm:"column:from_address;type:varchar(42);index;not null" json:"from"`
	To        string          `gorm:"column:to_address;type:varchar(42);index" json:"to"`
	Nonce     uint64          `gorm:"column:nonce;type:bigint;not null" json:"nonce"`
	Value     decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null;default:0" json:"value"`
	Input     string          `gorm:"column:input;type:text" json:"input"`
	Gas       uint64          `gorm:"column:gas;type:bigint;not null" json:"gas"`
	GasPrice  decimal.Decimal `gorm:"column:gas_price;type:numeric(78,0);not null;default:0" json:"gas_price"`
	GasUsed   uint64          `gorm:"column:gas_used;type:bigint;not null" json:"gas_used"`
	Success   bool            `gorm:"column:success;not null" json:"success"`
	Logs      string          `gorm:"column:logs;type:text" json:"logs"`
	Type      SettlementType  `gorm:"column:type;type:varchar(16);index" json:"type"`
	ProjectID *int64          `gorm:"column:project_id;index" json:"project_id,omitempty"`
	CreatedAt int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Transaction) TableName() string {
	return "gmfi_transactions"
}

// GasFee 交易手续费 (gas_price * gas_used)
func (t *Transaction) GasFee() decimal.Decimal {
	return t.GasPrice.Mul(decimal.NewFromInt(int64(t.GasUsed)))
}

// TokenTransfer 交易中的代币转移，与交易一对一
type TokenTransfer struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TransactionID int64           `gorm:"column:transaction_id;uniqueIndex;not null" json:"transaction_id"`
	TokenID       int64           `gorm:"column:token_id;not null" json:"token_id"`
	From          string          `gorm:"column:from_address;type:varchar(42);not null" json:"from"`
	To            string          `gorm:"column:to_address;type:varchar(42);not null" json:"to"`
	Value         decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null" json:"value"`
}

// TableName 返回表名
func (TokenTransfer) TableName() string {
	return "gmfi_token_transfers"
}
