package model

import "github.com/shopspring/decimal"

// Token 代币
type Token struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Symbol   string `gorm:"column:symbol;type:varchar(32);uniqueIndex;not null" json:"symbol"`
	Decimals int32  `gorm:"column:decimals;type:smallint;not null;default:18" json:"decimals"`
	Valid    bool   `gorm:"column:valid;not null;default:true" json:"valid"`
}

// TableName 返回表名
func (Token) TableName() string {
	return "gmfi_tokens"
}

// ToDisplay 最小单位转换为展示单位
func (t *Token) ToDisplay(value decimal.Decimal) decimal.Decimal {
	return value.Shift(-t.Decimals)
}

// FromDisplay 展示单位转换为最小单位 (截断多余精度)
func (t *Token) FromDisplay(value decimal.Decimal) decimal.Decimal {
	return value.Shift(t.Decimals).Truncate(0)
}

// TokenAddress 代币在某条链上的合约地址
type TokenAddress struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TokenID int64  `gorm:"column:token_id;not null;uniqueIndex:uk_token_chain,priority:1" json:"token_id"`
	ChainID int64  `gorm:"column:chain_id;not null;uniqueIndex:uk_token_chain,priority:2;uniqueIndex:uk_chain_address,priority:1" json:"chain_id"`
	Address string `gorm:"column:address;type:varchar(42);not null;uniqueIndex:uk_chain_address,priority:2" json:"address"`
}

// TableName 返回表名
func (TokenAddress) TableName() string {
	return "gmfi_token_addresses"
}

// Balance 内部账户余额，(account, chain, token) 唯一，只通过加锁读改写变更
type Balance struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AccountID int64           `gorm:"column:account_id;not null;uniqueIndex:uk_balance,priority:1" json:"account_id"`
	ChainID   int64           `gorm:"column:chain_id;not null;uniqueIndex:uk_balance,priority:2" json:"chain_id"`
	TokenID   int64           `gorm:"column:token_id;not null;uniqueIndex:uk_balance,priority:3" json:"token_id"`
	Value     decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null;default:0" json:"value"`
	UpdatedAt int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Balance) TableName() string {
	return "gmfi_balances"
}
