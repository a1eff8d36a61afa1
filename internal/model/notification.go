package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Notification 待推送给项目方的通知
//
// 每笔交易在未确认 (预通知) 与已确认两个阶段各最多一条
type Notification struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID     int64   `gorm:"column:project_id;index;not null" json:"project_id"`
	TransactionID int64   `gorm:"column:transaction_id;not null;uniqueIndex:uk_notification_stage,priority:1" json:"transaction_id"`
	Confirmed     bool    `gorm:"column:confirmed;not null;uniqueIndex:uk_notification_stage,priority:2" json:"confirmed"`
	Content       JSONMap `gorm:"column:content;type:jsonb;not null" json:"content"`
	Notified      bool    `gorm:"column:notified;index;not null;default:false" json:"notified"`
	NotifiedAt    *int64  `gorm:"column:notified_at;type:bigint" json:"notified_at,omitempty"`
	// ClaimedAt 推送中的认领时间，超过认领租期视为放弃
	ClaimedAt *int64 `gorm:"column:claimed_at;type:bigint" json:"claimed_at,omitempty"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Notification) TableName() string {
	return "gmfi_notifications"
}

// JSONMap JSON 对象列
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONMap) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("unsupported type for JSONMap")
	}
	return json.Unmarshal(data, j)
}
