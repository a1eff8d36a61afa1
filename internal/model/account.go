package model

import "github.com/shopspring/decimal"

// Account 平台内部账户 (系统账户或用户充值账户)，不可删除
type Account struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Address      string `gorm:"column:address;type:varchar(42);uniqueIndex;not null" json:"address"`
	EncryptedKey string `gorm:"column:encrypted_key;type:text;not null" json:"-"`
	ProjectID    *int64 `gorm:"column:project_id;index" json:"project_id,omitempty"`
	FailedTimes  int    `gorm:"column:failed_times;type:int;not null;default:0" json:"failed_times"`
	CreatedAt    int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Account) TableName() string {
	return "gmfi_accounts"
}

// OutboundKind 出账请求类型
type OutboundKind string

const (
	OutboundKindTransfer         OutboundKind = "transfer"    // 主币或 ERC20 转账
	OutboundKindInvoiceGathering OutboundKind = "i_gathering" // 部署账单合约完成归集
)

// OutboundTransaction 出账队列条目
//
// (account_id, chain_id, nonce) 唯一，nonce 在入队时按该账户在该链上已有条目数分配
type OutboundTransaction struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AccountID     int64           `gorm:"column:account_id;not null;uniqueIndex:uk_outbound_nonce,priority:1" json:"account_id"`
	ChainID       int64           `gorm:"column:chain_id;not null;uniqueIndex:uk_outbound_nonce,priority:2" json:"chain_id"`
	Nonce         uint64          `gorm:"column:nonce;type:bigint;not null;uniqueIndex:uk_outbound_nonce,priority:3" json:"nonce"`
	To            string          `gorm:"column:to_address;type:varchar(42);not null" json:"to"`
	Value         decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null;default:0" json:"value"`
	Data          string          `gorm:"column:data;type:text" json:"data"`
	Gas           uint64          `gorm:"column:gas;type:bigint;not null;default:0" json:"gas"`
	Kind          OutboundKind    `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	Hash          string          `gorm:"column:hash;type:varchar(66);index" json:"hash"`
	TransactedAt  *int64          `gorm:"column:transacted_at;type:bigint" json:"transacted_at,omitempty"`
	TransactionID *int64          `gorm:"column:transaction_id;uniqueIndex" json:"transaction_id,omitempty"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (OutboundTransaction) TableName() string {
	return "gmfi_outbound_transactions"
}

// IsSent 是否已提交上链
func (o *OutboundTransaction) IsSent() bool {
	return o.TransactedAt != nil
}

// IsMined 是否已匹配到链上交易
func (o *OutboundTransaction) IsMined() bool {
	return o.TransactionID != nil
}
