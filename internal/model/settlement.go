package model

import "github.com/shopspring/decimal"

// Deposit 充值记录，金额为代币最小单位
type Deposit struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TransactionID int64           `gorm:"column:transaction_id;uniqueIndex;not null" json:"transaction_id"`
	UserID        int64           `gorm:"column:user_id;index;not null" json:"user_id"`
	TokenID       int64           `gorm:"column:token_id;not null" json:"token_id"`
	Value         decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null" json:"value"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Deposit) TableName() string {
	return "gmfi_deposits"
}

// Withdrawal 提币记录，与出账队列条目一对一
type Withdrawal struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	No            string          `gorm:"column:no;type:varchar(64);uniqueIndex;not null" json:"no"`
	ProjectID     int64           `gorm:"column:project_id;index;not null" json:"project_id"`
	UserID        int64           `gorm:"column:user_id;index;not null" json:"user_id"`
	ChainID       int64           `gorm:"column:chain_id;not null" json:"chain_id"`
	TokenID       int64           `gorm:"column:token_id;not null" json:"token_id"`
	To            string          `gorm:"column:to_address;type:varchar(42);not null" json:"to"`
	Value         decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null" json:"value"`
	OutboundID    int64           `gorm:"column:outbound_id;uniqueIndex;not null" json:"outbound_id"`
	TransactionID *int64          `gorm:"column:transaction_id;index" json:"transaction_id,omitempty"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Withdrawal) TableName() string {
	return "gmfi_withdrawals"
}

// Invoice 账单，支付地址由 create2 预先计算
//
// Value/ActualValue 为代币最小单位；OutboundID 非空表示已发起归集
type Invoice struct {
	ID                int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	No                string          `gorm:"column:no;type:varchar(64);uniqueIndex;not null" json:"no"`
	ProjectID         int64           `gorm:"column:project_id;not null;uniqueIndex:uk_invoice_out_no,priority:1" json:"project_id"`
	OutNo             string          `gorm:"column:out_no;type:varchar(64);not null;uniqueIndex:uk_invoice_out_no,priority:2" json:"out_no"`
	Subject           string          `gorm:"column:subject;type:varchar(64)" json:"subject"`
	ChainID           int64           `gorm:"column:chain_id;not null" json:"chain_id"`
	TokenID           int64           `gorm:"column:token_id;not null" json:"token_id"`
	PayAddress        string          `gorm:"column:pay_address;type:varchar(42);index;not null" json:"pay_address"`
	CollectionAddress string          `gorm:"column:collection_address;type:varchar(42);not null" json:"collection_address"`
	Salt              string          `gorm:"column:salt;type:varchar(66);uniqueIndex;not null" json:"salt"`
	InitCode          string          `gorm:"column:init_code;type:text;not null" json:"-"`
	Value             decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null" json:"value"`
	ActualValue       decimal.Decimal `gorm:"column:actual_value;type:numeric(78,0);not null;default:0" json:"actual_value"`
	Paid              bool            `gorm:"column:paid;index;not null;default:false" json:"paid"`
	ExpiredAt         int64           `gorm:"column:expired_at;type:bigint;not null" json:"expired_at"`
	OutboundID        *int64          `gorm:"column:outbound_id;uniqueIndex" json:"outbound_id,omitempty"`
	CreatedAt         int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Invoice) TableName() string {
	return "gmfi_invoices"
}

// Payment 账单支付记录
type Payment struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TransactionID int64           `gorm:"column:transaction_id;uniqueIndex;not null" json:"transaction_id"`
	InvoiceID     int64           `gorm:"column:invoice_id;index;not null" json:"invoice_id"`
	Value         decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null" json:"value"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Payment) TableName() string {
	return "gmfi_payments"
}
