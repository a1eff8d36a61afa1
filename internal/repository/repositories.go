package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

// Repositories 全部仓储，共享同一个 ctx 事务
type Repositories struct {
	*Repository

	Chain        ChainRepository
	Block        BlockRepository
	Transaction  TransactionRepository
	Token        TokenRepository
	Account      AccountRepository
	Outbound     OutboundRepository
	Balance      BalanceRepository
	Project      ProjectRepository
	User         UserRepository
	Deposit      DepositRepository
	Withdrawal   WithdrawalRepository
	Invoice      InvoiceRepository
	Notification NotificationRepository
	Execution    *ExecutionRepository
}

// NewRepositories 创建全部仓储
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Repository:   NewRepository(db),
		Chain:        NewChainRepository(db),
		Block:        NewBlockRepository(db),
		Transaction:  NewTransactionRepository(db),
		Token:        NewTokenRepository(db),
		Account:      NewAccountRepository(db),
		Outbound:     NewOutboundRepository(db),
		Balance:      NewBalanceRepository(db),
		Project:      NewProjectRepository(db),
		User:         NewUserRepository(db),
		Deposit:      NewDepositRepository(db),
		Withdrawal:   NewWithdrawalRepository(db),
		Invoice:      NewInvoiceRepository(db),
		Notification: NewNotificationRepository(db),
		Execution:    NewExecutionRepository(db),
	}
}

// WithTx 在同一事务中执行 fn，嵌套调用使用 savepoint
//
// 字段 Transaction 遮蔽了 Repository.Transaction 方法
func (r *Repositories) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.Repository.Transaction(ctx, fn)
}

// AutoMigrate 迁移全部表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(model.All()...)
}
