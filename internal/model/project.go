package model

// Project 接入方项目 (租户)
type Project struct {
	ID                      int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name                    string `gorm:"column:name;type:varchar(64);uniqueIndex;not null" json:"name"`
	SystemAccountID         int64  `gorm:"column:system_account_id;uniqueIndex;not null" json:"system_account_id"`
	CollectionAddress       string `gorm:"column:collection_address;type:varchar(42)" json:"collection_address"`
	Webhook                 string `gorm:"column:webhook;type:varchar(256)" json:"webhook"`
	HMACKey                 string `gorm:"column:hmac_key;type:varchar(256);not null" json:"-"`
	PreNotify               bool   `gorm:"column:pre_notify;not null;default:false" json:"pre_notify"`
	NotificationFailedTimes int    `gorm:"column:notification_failed_times;type:int;not null;default:0" json:"notification_failed_times"`
	Active                  bool   `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt               int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt               int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Project) TableName() string {
	return "gmfi_projects"
}

// User 项目下的终端用户，绑定唯一的充值账户
type User struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID        int64  `gorm:"column:project_id;not null;uniqueIndex:uk_user_project_uid,priority:1" json:"project_id"`
	UID              string `gorm:"column:uid;type:varchar(64);not null;uniqueIndex:uk_user_project_uid,priority:2" json:"uid"`
	DepositAccountID int64  `gorm:"column:deposit_account_id;uniqueIndex;not null" json:"deposit_account_id"`
	CreatedAt        int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (User) TableName() string {
	return "gmfi_users"
}
