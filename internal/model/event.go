package model

import "github.com/shopspring/decimal"

// SettlementEvent 交易确认后发送到 Kafka 的结算事件
type SettlementEvent struct {
	ChainID     int64           `json:"chain_id"`
	BlockNumber int64           `json:"block_number"`
	BlockHash   string          `json:"block_hash"`
	TxHash      string          `json:"tx_hash"`
	Type        SettlementType  `json:"type"`
	ProjectID   *int64          `json:"project_id,omitempty"`
	TokenSymbol string          `json:"token_symbol,omitempty"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Value       decimal.Decimal `json:"value"`
	ConfirmedAt int64           `json:"confirmed_at"`
}

// NotificationResultEvent 通知推送结果事件
type NotificationResultEvent struct {
	NotificationID int64  `json:"notification_id"`
	ProjectID      int64  `json:"project_id"`
	TransactionID  int64  `json:"transaction_id"`
	Delivered      bool   `json:"delivered"`
	Error          string `json:"error,omitempty"`
	FailedTimes    int    `json:"failed_times"`
	Timestamp      int64  `json:"timestamp"`
}
