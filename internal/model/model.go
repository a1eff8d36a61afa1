// Package model 账本实体定义
package model

// All 需要迁移的全部实体
func All() []interface{} {
	return []interface{}{
		&Chain{},
		&Block{},
		&Transaction{},
		&TokenTransfer{},
		&Token{},
		&TokenAddress{},
		&Balance{},
		&Account{},
		&OutboundTransaction{},
		&Project{},
		&User{},
		&Deposit{},
		&Withdrawal{},
		&Invoice{},
		&Payment{},
		&Notification{},
		&JobExecution{},
	}
}
