package model

// Chain 区块链网络，ID 即链的原生 chain id
type Chain struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Name          string `gorm:"column:name;type:varchar(32);uniqueIndex;not null" json:"name"`
	RPCURL        string `gorm:"column:rpc_url;type:varchar(256);uniqueIndex;not null" json:"rpc_url"`
	IsPoA         bool   `gorm:"column:is_poa;not null;default:false" json:"is_poa"`
	Confirmations int    `gorm:"column:confirmations;type:int;not null;default:18" json:"confirmations"`
	NativeTokenID int64  `gorm:"column:native_token_id;not null" json:"native_token_id"`
	Active        bool   `gorm:"column:active;index;not null;default:true" json:"active"`
	CreatedAt     int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Chain) TableName() string {
	return "gmfi_chains"
}

// Block 区块
//
// (chain_id, number) 唯一；confirmed 只会从 false 变为 true，重组时整行删除。
// ingested 在区块内交易全部处理后置为 true，此前不参与确认
type Block struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChainID   int64  `gorm:"column:chain_id;not null;uniqueIndex:uk_block_chain_number,priority:1;index:idx_block_chain_hash,priority:1" json:"chain_id"`
	Number    int64  `gorm:"column:number;type:bigint;not null;uniqueIndex:uk_block_chain_number,priority:2" json:"number"`
	Hash      string `gorm:"column:hash;type:varchar(66);not null;index:idx_block_chain_hash,priority:2" json:"hash"`
	ParentID  *int64 `gorm:"column:parent_id" json:"parent_id,omitempty"`
	Timestamp int64  `gorm:"column:timestamp;type:bigint;not null" json:"timestamp"`
	Confirmed bool   `gorm:"column:confirmed;index;not null;default:false" json:"confirmed"`
	Ingested  bool   `gorm:"column:ingested;not null;default:false" json:"ingested"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Block) TableName() string {
	return "gmfi_blocks"
}
